package auth

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/subgate/internal/model"
	"github.com/hitoshi/subgate/internal/security"
)

// --- モック定義 ---

// mockMembership はMembershipCheckerのモック。
type mockMembership struct {
	isMemberFn  func(ctx context.Context, userID int64, useCache bool) bool
	invalidated []int64
	useCacheLog []bool
}

func (m *mockMembership) IsMember(ctx context.Context, userID int64, useCache bool) bool {
	m.useCacheLog = append(m.useCacheLog, useCache)
	if m.isMemberFn != nil {
		return m.isMemberFn(ctx, userID, useCache)
	}
	return true
}

func (m *mockMembership) Invalidate(_ context.Context, userID int64) {
	m.invalidated = append(m.invalidated, userID)
}

func memberIs(v bool) *mockMembership {
	return &mockMembership{
		isMemberFn: func(ctx context.Context, userID int64, useCache bool) bool { return v },
	}
}

// memSessionRepo はメモリ上のSessionRepository実装。
// errFnが設定されている場合は各操作の前に呼び出し、エラーを注入できる。
type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	errFn    func(op string) error
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]model.Session)}
}

func (r *memSessionRepo) fail(op string) error {
	if r.errFn != nil {
		return r.errFn(op)
	}
	return nil
}

func (r *memSessionRepo) FindByAppID(_ context.Context, appID string) (*model.Session, error) {
	if err := r.fail("find"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[appID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *memSessionRepo) Upsert(_ context.Context, session *model.Session) error {
	if err := r.fail("upsert"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[session.AppID]; ok {
		session.CreatedAt = existing.CreatedAt
	}
	r.sessions[session.AppID] = *session
	return nil
}

func (r *memSessionRepo) UpdateMembership(_ context.Context, appID string, isSubscribed bool, checkedAt time.Time) (bool, error) {
	if err := r.fail("update"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[appID]
	if !ok {
		return false, nil
	}
	s.IsSubscribed = isSubscribed
	s.LastCheck = checkedAt
	r.sessions[appID] = s
	return true, nil
}

func (r *memSessionRepo) Delete(_ context.Context, appID string) (bool, error) {
	if err := r.fail("delete"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[appID]; !ok {
		return false, nil
	}
	delete(r.sessions, appID)
	return true, nil
}

func (r *memSessionRepo) ListAll(_ context.Context) ([]model.SessionRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]model.SessionRef, 0, len(r.sessions))
	for _, s := range r.sessions {
		refs = append(refs, model.SessionRef{AppID: s.AppID, UserID: s.UserID})
	}
	return refs, nil
}

// --- ヘルパー ---

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestService(membership MembershipChecker, repo *memSessionRepo) (*Service, *testClock) {
	clock := &testClock{now: testNow}
	svc := NewService(
		NewVerifier(testBotToken, clock.Now),
		membership,
		repo,
		security.NewProfileSanitizer(),
		ServiceConfig{
			BotUsername:        "subgate_bot",
			ChannelLink:        "https://t.me/subgate_news",
			StatusRecheckAfter: time.Minute,
		},
		slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)),
	)
	svc.now = clock.Now
	return svc, clock
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError %s, got %v", code, err)
	}
	if apiErr.Code != code {
		t.Errorf("code = %q, want %q", apiErr.Code, code)
	}
}

// --- Login ---

func TestLogin_MemberIsStoredAsSubscribed(t *testing.T) {
	repo := newMemSessionRepo()
	membership := memberIs(true)
	svc, _ := newTestService(membership, repo)

	result, err := svc.Login(context.Background(), "demoapp", signedAssertion(svc.verifier, time.Minute))
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if !result.Subscribed {
		t.Error("Subscribed = false, want true")
	}

	stored := repo.sessions["demoapp"]
	if !stored.IsSubscribed || stored.UserID != 42 {
		t.Errorf("stored session = %+v", stored)
	}
	if stored.Profile.FirstName != "Ann" {
		t.Errorf("FirstName = %q, want Ann", stored.Profile.FirstName)
	}
	if len(membership.useCacheLog) != 1 || membership.useCacheLog[0] {
		t.Errorf("login should consult upstream with useCache=false, got %v", membership.useCacheLog)
	}
}

func TestLogin_NonMemberIsStoredButNotSubscribed(t *testing.T) {
	repo := newMemSessionRepo()
	svc, _ := newTestService(memberIs(false), repo)

	result, err := svc.Login(context.Background(), "demoapp", signedAssertion(svc.verifier, time.Minute))
	if err != nil {
		t.Fatalf("Login error: %v", err)
	}
	if result.Subscribed {
		t.Error("Subscribed = true, want false")
	}
	if result.Session.Profile.FirstName != "Ann" {
		t.Error("result should still carry the display name")
	}

	stored, ok := repo.sessions["demoapp"]
	if !ok {
		t.Fatal("session should be persisted for non-members")
	}
	if stored.IsSubscribed {
		t.Error("stored is_subscribed should be false")
	}
}

func TestLogin_InvalidSignature(t *testing.T) {
	repo := newMemSessionRepo()
	membership := memberIs(true)
	svc, _ := newTestService(membership, repo)

	a := signedAssertion(svc.verifier, time.Minute)
	a.FirstName = strPtr("Mallory")

	_, err := svc.Login(context.Background(), "demoapp", a)
	assertAPIErrorCode(t, err, model.ErrCodeAuthInvalid)

	if len(membership.useCacheLog) != 0 {
		t.Error("upstream must not be consulted for an invalid assertion")
	}
	if len(repo.sessions) != 0 {
		t.Error("nothing should be stored for an invalid assertion")
	}
}

func TestLogin_StaleAssertion(t *testing.T) {
	svc, _ := newTestService(memberIs(true), newMemSessionRepo())

	_, err := svc.Login(context.Background(), "demoapp", signedAssertion(svc.verifier, 25*time.Hour))
	assertAPIErrorCode(t, err, model.ErrCodeAuthInvalid)
}

func TestLogin_InputValidation(t *testing.T) {
	svc, _ := newTestService(memberIs(true), newMemSessionRepo())

	_, err := svc.Login(context.Background(), "bad app", signedAssertion(svc.verifier, time.Minute))
	assertAPIErrorCode(t, err, model.ErrCodeInvalidAppID)

	_, err = svc.Login(context.Background(), "demoapp", &model.LoginAssertion{ID: 0})
	assertAPIErrorCode(t, err, model.ErrCodeInvalidUserID)

	_, err = svc.Login(context.Background(), "demoapp", nil)
	assertAPIErrorCode(t, err, model.ErrCodeInvalidUserID)
}

// TestLogin_Idempotent は同一ペイロードで2回ログインしても最終確認時刻以外が変わらないことを検証する。
func TestLogin_Idempotent(t *testing.T) {
	repo := newMemSessionRepo()
	svc, clock := newTestService(memberIs(true), repo)
	a := signedAssertion(svc.verifier, time.Minute)

	if _, err := svc.Login(context.Background(), "demoapp", a); err != nil {
		t.Fatalf("first Login error: %v", err)
	}
	first := repo.sessions["demoapp"]

	clock.now = clock.now.Add(10 * time.Second)
	if _, err := svc.Login(context.Background(), "demoapp", a); err != nil {
		t.Fatalf("second Login error: %v", err)
	}
	second := repo.sessions["demoapp"]

	if first.UserID != second.UserID || first.Profile != second.Profile || first.IsSubscribed != second.IsSubscribed {
		t.Errorf("session content changed: %+v -> %+v", first, second)
	}
	if !second.LastCheck.After(first.LastCheck) {
		t.Errorf("last check should advance: %v -> %v", first.LastCheck, second.LastCheck)
	}
}

func TestLogin_SanitizesProfileAfterVerification(t *testing.T) {
	repo := newMemSessionRepo()
	svc, _ := newTestService(memberIs(true), repo)

	a := &model.LoginAssertion{
		ID:        42,
		FirstName: strPtr("<b>Ann</b>"),
		PhotoURL:  strPtr("javascript:alert(1)"),
		AuthDate:  testNow.Unix(),
	}
	a.Hash = svc.verifier.Sign(a)

	if _, err := svc.Login(context.Background(), "demoapp", a); err != nil {
		t.Fatalf("Login error: %v", err)
	}

	stored := repo.sessions["demoapp"]
	if stored.Profile.FirstName != "Ann" {
		t.Errorf("FirstName = %q, want Ann", stored.Profile.FirstName)
	}
	if stored.Profile.PhotoURL != "" {
		t.Errorf("PhotoURL = %q, want empty", stored.Profile.PhotoURL)
	}
}

func TestLogin_StoreFailure(t *testing.T) {
	repo := newMemSessionRepo()
	repo.errFn = func(op string) error { return errors.New("db down") }
	svc, _ := newTestService(memberIs(true), repo)

	_, err := svc.Login(context.Background(), "demoapp", signedAssertion(svc.verifier, time.Minute))
	if err == nil {
		t.Fatal("expected error when the store fails")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("store failures should not be an APIError, got %v", apiErr)
	}
}

// --- GetSession ---

func TestGetSession_RecentCheckSkipsUpstream(t *testing.T) {
	repo := newMemSessionRepo()
	membership := memberIs(false)
	svc, _ := newTestService(membership, repo)
	repo.sessions["demoapp"] = model.Session{AppID: "demoapp", UserID: 42, IsSubscribed: true, LastCheck: testNow.Add(-30 * time.Second)}

	s, err := svc.GetSession(context.Background(), "demoapp")
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if !s.IsSubscribed {
		t.Error("stored value should be returned without re-check")
	}
	if len(membership.useCacheLog) != 0 {
		t.Error("upstream should not be consulted within the re-check window")
	}
}

func TestGetSession_OldCheckRechecksThroughCache(t *testing.T) {
	repo := newMemSessionRepo()
	membership := memberIs(false)
	svc, _ := newTestService(membership, repo)
	repo.sessions["demoapp"] = model.Session{AppID: "demoapp", UserID: 42, IsSubscribed: true, LastCheck: testNow.Add(-2 * time.Minute)}

	s, err := svc.GetSession(context.Background(), "demoapp")
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if s.IsSubscribed {
		t.Error("re-checked value should be returned")
	}
	if len(membership.useCacheLog) != 1 || !membership.useCacheLog[0] {
		t.Errorf("re-check should use the cache, got %v", membership.useCacheLog)
	}
	stored := repo.sessions["demoapp"]
	if stored.IsSubscribed || !stored.LastCheck.Equal(testNow) {
		t.Errorf("stored session not updated: %+v", stored)
	}
}

func TestGetSession_NeverCheckedRechecks(t *testing.T) {
	repo := newMemSessionRepo()
	membership := memberIs(true)
	svc, _ := newTestService(membership, repo)
	repo.sessions["demoapp"] = model.Session{AppID: "demoapp", UserID: 42}

	s, err := svc.GetSession(context.Background(), "demoapp")
	if err != nil {
		t.Fatalf("GetSession error: %v", err)
	}
	if !s.IsSubscribed {
		t.Error("session without last check should be re-checked")
	}
}

func TestGetSession_NotFound(t *testing.T) {
	svc, _ := newTestService(memberIs(true), newMemSessionRepo())

	_, err := svc.GetSession(context.Background(), "missing")
	assertAPIErrorCode(t, err, model.ErrCodeSessionNotFound)

	_, err = svc.GetSession(context.Background(), "bad/app")
	assertAPIErrorCode(t, err, model.ErrCodeInvalidAppID)
}

// --- RecheckStatus ---

func TestRecheckStatus_Authoritative(t *testing.T) {
	repo := newMemSessionRepo()
	membership := memberIs(false)
	svc, _ := newTestService(membership, repo)
	repo.sessions["demoapp"] = model.Session{AppID: "demoapp", UserID: 42, IsSubscribed: true, LastCheck: testNow}

	subscribed, err := svc.RecheckStatus(context.Background(), "demoapp")
	if err != nil {
		t.Fatalf("RecheckStatus error: %v", err)
	}
	if subscribed {
		t.Error("RecheckStatus should return the upstream value")
	}
	if len(membership.useCacheLog) != 1 || membership.useCacheLog[0] {
		t.Errorf("RecheckStatus should bypass the cache, got %v", membership.useCacheLog)
	}
	if repo.sessions["demoapp"].IsSubscribed {
		t.Error("stored value should be updated")
	}
}

func TestRecheckStatus_NotFound(t *testing.T) {
	svc, _ := newTestService(memberIs(true), newMemSessionRepo())

	_, err := svc.RecheckStatus(context.Background(), "missing")
	assertAPIErrorCode(t, err, model.ErrCodeSessionNotFound)
}

// --- Logout ---

func TestLogout_DeletesAndInvalidatesSubject(t *testing.T) {
	repo := newMemSessionRepo()
	membership := memberIs(true)
	svc, _ := newTestService(membership, repo)
	repo.sessions["demoapp"] = model.Session{AppID: "demoapp", UserID: 42}

	if err := svc.Logout(context.Background(), "demoapp"); err != nil {
		t.Fatalf("Logout error: %v", err)
	}
	if _, ok := repo.sessions["demoapp"]; ok {
		t.Error("session should be deleted")
	}
	if len(membership.invalidated) != 1 || membership.invalidated[0] != 42 {
		t.Errorf("cache entry for subject 42 should be invalidated, got %v", membership.invalidated)
	}
}

func TestLogout_NotFound(t *testing.T) {
	membership := memberIs(true)
	svc, _ := newTestService(membership, newMemSessionRepo())

	err := svc.Logout(context.Background(), "demoapp")
	assertAPIErrorCode(t, err, model.ErrCodeSessionNotFound)
	if len(membership.invalidated) != 0 {
		t.Error("nothing should be invalidated when no session exists")
	}
}

// --- PublicConfig ---

func TestPublicConfig(t *testing.T) {
	svc, _ := newTestService(memberIs(true), newMemSessionRepo())

	got := svc.PublicConfig()
	if got.BotUsername != "subgate_bot" || got.ChannelLink != "https://t.me/subgate_news" {
		t.Errorf("PublicConfig() = %+v", got)
	}
}
