package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/subgate/internal/model"
)

const testBotToken = "123456:TEST-bot-token"

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

// signedAssertion はtestNowから指定秒前に発行された署名済みペイロードを返す。
func signedAssertion(v *Verifier, age time.Duration) *model.LoginAssertion {
	a := &model.LoginAssertion{
		ID:        42,
		FirstName: strPtr("Ann"),
		LastName:  strPtr("Lee"),
		Username:  strPtr("ann"),
		PhotoURL:  strPtr("https://t.me/i/userpic/320/ann.jpg"),
		AuthDate:  testNow.Add(-age).Unix(),
	}
	a.Hash = v.Sign(a)
	return a
}

func fixedNow() time.Time { return testNow }

func TestCheckString_SortedAndSkipsAbsentFields(t *testing.T) {
	a := &model.LoginAssertion{
		ID:        42,
		FirstName: strPtr("Ann"),
		Username:  strPtr(""),
		AuthDate:  1700000000,
		Hash:      "ignored",
	}

	want := "auth_date=1700000000\nfirst_name=Ann\nid=42\nusername="
	if got := CheckString(a); got != want {
		t.Errorf("CheckString() = %q, want %q", got, want)
	}
}

func TestCheckString_AllFields(t *testing.T) {
	a := &model.LoginAssertion{
		ID:        7,
		FirstName: strPtr("F"),
		LastName:  strPtr("L"),
		Username:  strPtr("u"),
		PhotoURL:  strPtr("https://p"),
		AuthDate:  1,
	}

	want := strings.Join([]string{
		"auth_date=1",
		"first_name=F",
		"id=7",
		"last_name=L",
		"photo_url=https://p",
		"username=u",
	}, "\n")
	if got := CheckString(a); got != want {
		t.Errorf("CheckString() = %q, want %q", got, want)
	}
}

func TestVerify_ValidAssertion(t *testing.T) {
	v := NewVerifier(testBotToken, fixedNow)

	for _, age := range []time.Duration{0, time.Minute, 23 * time.Hour, 86399 * time.Second} {
		if !v.Verify(signedAssertion(v, age)) {
			t.Errorf("Verify() = false for age %v, want true", age)
		}
	}
}

func TestVerify_UppercaseHashAccepted(t *testing.T) {
	v := NewVerifier(testBotToken, fixedNow)
	a := signedAssertion(v, time.Minute)
	a.Hash = strings.ToUpper(a.Hash)

	if !v.Verify(a) {
		t.Error("hex comparison should be case-insensitive")
	}
}

func TestVerify_StaleAssertion(t *testing.T) {
	v := NewVerifier(testBotToken, fixedNow)

	for _, age := range []time.Duration{86400 * time.Second, 86401 * time.Second, 72 * time.Hour} {
		if v.Verify(signedAssertion(v, age)) {
			t.Errorf("Verify() = true for age %v, want false", age)
		}
	}
}

func TestVerify_WrongToken(t *testing.T) {
	signer := NewVerifier("other-token", fixedNow)
	v := NewVerifier(testBotToken, fixedNow)

	if v.Verify(signedAssertion(signer, time.Minute)) {
		t.Error("assertion signed with another token should be rejected")
	}
}

// TestVerify_MutatedFieldInvalidates は署名対象の任意の1フィールドを変更すると検証に失敗することを検証する。
func TestVerify_MutatedFieldInvalidates(t *testing.T) {
	v := NewVerifier(testBotToken, fixedNow)

	mutations := map[string]func(a *model.LoginAssertion){
		"id":             func(a *model.LoginAssertion) { a.ID = 43 },
		"auth_date":      func(a *model.LoginAssertion) { a.AuthDate-- },
		"first_name":     func(a *model.LoginAssertion) { a.FirstName = strPtr("Anne") },
		"last_name":      func(a *model.LoginAssertion) { a.LastName = strPtr("Li") },
		"username":       func(a *model.LoginAssertion) { a.Username = strPtr("ann2") },
		"photo_url":      func(a *model.LoginAssertion) { a.PhotoURL = strPtr("https://t.me/x.jpg") },
		"drop_last_name": func(a *model.LoginAssertion) { a.LastName = nil },
		"empty_username": func(a *model.LoginAssertion) { a.Username = strPtr("") },
		"hash":           func(a *model.LoginAssertion) { a.Hash = strings.Repeat("0", 64) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			a := signedAssertion(v, time.Minute)
			mutate(a)
			if v.Verify(a) {
				t.Errorf("Verify() = true after mutating %s", name)
			}
		})
	}
}

func TestVerify_MissingRequiredFields(t *testing.T) {
	v := NewVerifier(testBotToken, fixedNow)

	cases := map[string]*model.LoginAssertion{
		"nil":       nil,
		"no_id":     {AuthDate: testNow.Unix(), Hash: "aa"},
		"no_date":   {ID: 42, Hash: "aa"},
		"no_hash":   {ID: 42, AuthDate: testNow.Unix()},
		"not_a_hex": {ID: 42, AuthDate: testNow.Unix(), Hash: "zz"},
	}
	for name, a := range cases {
		if v.Verify(a) {
			t.Errorf("Verify(%s) = true, want false", name)
		}
	}
}

func TestNewVerifier_DefaultClock(t *testing.T) {
	v := NewVerifier(testBotToken, nil)
	a := &model.LoginAssertion{ID: 1, AuthDate: time.Now().Unix()}
	a.Hash = v.Sign(a)

	if !v.Verify(a) {
		t.Error("freshly signed assertion should verify with the default clock")
	}
}
