package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/subgate/internal/model"
)

// maxAssertionAge はログインペイロードの有効期間。auth_dateからこの時間以上経過したものは拒否する。
const maxAssertionAge = 86400

// Verifier はTelegramログインウィジェットの署名を検証する。
// 署名鍵はSHA-256(ボットトークン)、署名はcheck-stringのHMAC-SHA-256（hex）。
type Verifier struct {
	secretKey []byte
	now       func() time.Time
}

// NewVerifier はVerifierを生成する。
// nowがnilの場合はtime.Nowを使用する。
func NewVerifier(botToken string, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	key := sha256.Sum256([]byte(botToken))
	return &Verifier{
		secretKey: key[:],
		now:       now,
	}
}

// Verify はペイロードの署名と鮮度を検証する。
// id、auth_date、hashのいずれかが欠けている場合、署名不一致の場合、
// auth_dateから86400秒以上経過している場合はfalseを返す。
func (v *Verifier) Verify(a *model.LoginAssertion) bool {
	if a == nil || a.ID == 0 || a.AuthDate == 0 || a.Hash == "" {
		return false
	}

	if v.now().Unix()-a.AuthDate >= maxAssertionAge {
		return false
	}

	expected := v.Sign(a)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(a.Hash)))
}

// Sign はペイロードのhex署名を計算する。
// テストおよび検証用で、Hashフィールドは参照しない。
func (v *Verifier) Sign(a *model.LoginAssertion) string {
	mac := hmac.New(sha256.New, v.secretKey)
	mac.Write([]byte(CheckString(a)))
	return hex.EncodeToString(mac.Sum(nil))
}

// CheckString は署名対象の文字列を構築する。
// 対象は固定のフィールド集合（auth_date, first_name, id, last_name, photo_url, username）のうち
// ペイロードに存在するもので、key=value形式をキーの昇順に改行で連結する。
// hashとアプリケーションIDは含まない。
func CheckString(a *model.LoginAssertion) string {
	fields := map[string]string{
		"id":        strconv.FormatInt(a.ID, 10),
		"auth_date": strconv.FormatInt(a.AuthDate, 10),
	}
	if a.FirstName != nil {
		fields["first_name"] = *a.FirstName
	}
	if a.LastName != nil {
		fields["last_name"] = *a.LastName
	}
	if a.Username != nil {
		fields["username"] = *a.Username
	}
	if a.PhotoURL != nil {
		fields["photo_url"] = *a.PhotoURL
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, len(keys))
	for i, k := range keys {
		lines[i] = k + "=" + fields[k]
	}
	return strings.Join(lines, "\n")
}
