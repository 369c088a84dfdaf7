package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/artdesk/internal/identity"
	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/storage"
)

// mockProvider はidentity.Providerのテスト用実装。
type mockProvider struct {
	mu          sync.Mutex
	user        *identity.User
	subs        map[int]func(*identity.User)
	nextSub     int
	restoreUser *identity.User

	signInFn  func(email, password string) (*identity.User, error)
	createFn  func(email, password string) (*identity.User, error)
	idpFn     func(cred identity.IdPCredential) (*identity.User, error)
	idTokenFn func(force bool) (string, error)
	reloadFn  func() (*identity.User, error)

	forcedTokens     int
	signOuts         int
	verificationSent int
	passwordResets   int
}

func newMockProvider() *mockProvider {
	return &mockProvider{subs: make(map[int]func(*identity.User))}
}

func (m *mockProvider) CurrentUser() *identity.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil
	}
	u := *m.user
	return &u
}

// setUser は通知せずに現在のIDを変更する。
func (m *mockProvider) setUser(u *identity.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = u
}

func (m *mockProvider) emit(u *identity.User) {
	m.mu.Lock()
	m.user = u
	subs := make([]func(*identity.User), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()
	for _, fn := range subs {
		fn(u)
	}
}

func (m *mockProvider) Subscribe(fn func(*identity.User)) func() {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	cur := m.user
	m.mu.Unlock()
	fn(cur)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *mockProvider) Restore(ctx context.Context) error {
	m.mu.Lock()
	u := m.restoreUser
	if u == nil {
		// 復元するIDがなければ現在の状態をそのまま通知する
		u = m.user
	}
	m.mu.Unlock()
	m.emit(u)
	return nil
}

func (m *mockProvider) SignInWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	u, err := m.signInFn(email, password)
	if err != nil {
		return nil, err
	}
	m.emit(u)
	return u, nil
}

func (m *mockProvider) CreateUserWithPassword(ctx context.Context, email, password string) (*identity.User, error) {
	u, err := m.createFn(email, password)
	if err != nil {
		return nil, err
	}
	m.emit(u)
	return u, nil
}

func (m *mockProvider) SignInWithIdP(ctx context.Context, cred identity.IdPCredential) (*identity.User, error) {
	u, err := m.idpFn(cred)
	if err != nil {
		return nil, err
	}
	m.emit(u)
	return u, nil
}

func (m *mockProvider) IDToken(ctx context.Context, force bool) (string, error) {
	m.mu.Lock()
	if force {
		m.forcedTokens++
	}
	u := m.user
	fn := m.idTokenFn
	m.mu.Unlock()
	if fn != nil {
		return fn(force)
	}
	if u == nil {
		return "", model.NewAuthError(model.KindTokenInvalid, "mock.IDToken", errors.New("no user"))
	}
	return "id-" + u.UID, nil
}

func (m *mockProvider) SendPasswordReset(ctx context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passwordResets++
	return nil
}

func (m *mockProvider) SendEmailVerification(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verificationSent++
	return nil
}

func (m *mockProvider) Reload(ctx context.Context) (*identity.User, error) {
	if m.reloadFn != nil {
		return m.reloadFn()
	}
	return m.CurrentUser(), nil
}

func (m *mockProvider) SignOut(ctx context.Context) error {
	m.mu.Lock()
	m.signOuts++
	m.mu.Unlock()
	m.emit(nil)
	return nil
}

func (m *mockProvider) counts() (forced, signOuts, verifications, resets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forcedTokens, m.signOuts, m.verificationSent, m.passwordResets
}

// mockBackend はBackendのテスト用実装。
type mockBackend struct {
	mu    sync.Mutex
	calls map[string]int

	loginFn          func(ctx context.Context, idToken string) (string, error)
	registerFn       func(ctx context.Context, idToken string) (string, error)
	verifyFn         func(ctx context.Context) (*model.User, error)
	forgotPasswordFn func(ctx context.Context, email string) error
	profileFn        func(ctx context.Context, userID string) (*model.User, error)
	updateProfileFn  func(ctx context.Context, upd model.ProfileUpdate) (*model.User, error)
}

func newMockBackend() *mockBackend {
	return &mockBackend{calls: make(map[string]int)}
}

func (m *mockBackend) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[name]++
}

func (m *mockBackend) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockBackend) Login(ctx context.Context, idToken string) (string, error) {
	m.record("login")
	if m.loginFn == nil {
		return "access-" + idToken, nil
	}
	return m.loginFn(ctx, idToken)
}

func (m *mockBackend) Register(ctx context.Context, idToken string) (string, error) {
	m.record("register")
	if m.registerFn == nil {
		return "access-" + idToken, nil
	}
	return m.registerFn(ctx, idToken)
}

func (m *mockBackend) Signout(ctx context.Context) error {
	m.record("signout")
	return nil
}

func (m *mockBackend) VerifyToken(ctx context.Context) (*model.User, error) {
	m.record("verify")
	if m.verifyFn == nil {
		return nil, statusErr(model.KindTokenInvalid, 401)
	}
	return m.verifyFn(ctx)
}

func (m *mockBackend) ForgotPassword(ctx context.Context, email string) error {
	m.record("forgot")
	if m.forgotPasswordFn == nil {
		return nil
	}
	return m.forgotPasswordFn(ctx, email)
}

func (m *mockBackend) Profile(ctx context.Context, userID string) (*model.User, error) {
	m.record("profile")
	if m.profileFn == nil {
		return &model.User{ID: userID, Username: "user-" + userID}, nil
	}
	return m.profileFn(ctx, userID)
}

func (m *mockBackend) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (*model.User, error) {
	m.record("update_profile")
	return m.updateProfileFn(ctx, upd)
}

// mockCache はProfileCacheのテスト用実装。
type mockCache struct {
	mu           sync.Mutex
	put          []string
	invalidated  []string
	onInvalidate func()
}

func (c *mockCache) Put(ctx context.Context, u *model.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put = append(c.put, u.ID)
}

func (c *mockCache) Invalidate(ctx context.Context, userID string) error {
	c.mu.Lock()
	c.invalidated = append(c.invalidated, userID)
	hook := c.onInvalidate
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func statusErr(kind model.ErrorKind, status int) error {
	return &model.AuthError{Kind: kind, Op: "mock", Status: status, Err: errors.New("mock failure")}
}

func fastTiming() Timing {
	return Timing{
		ExternalLoginWait:     time.Second,
		SignupWait:            time.Second,
		ExchangeAttempts:      5,
		ExchangeBaseDelay:     time.Millisecond,
		UserNotFoundBaseDelay: 2 * time.Millisecond,
		ExchangeMultiplier:    1.5,
		ExchangeMaxDelay:      8 * time.Millisecond,
		PropagationDelay:      time.Millisecond,
		DelayedRetry:          5 * time.Millisecond,
		NoUserSettle:          20 * time.Millisecond,
		SafetyTimeout:         2 * time.Second,
	}
}

type fixture struct {
	provider *mockProvider
	backend  *mockBackend
	tokens   *storage.TokenStore
	cache    *mockCache
	svc      *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		provider: newMockProvider(),
		backend:  newMockBackend(),
		tokens:   storage.NewTokenStore(storage.NewMemoryStore()),
		cache:    &mockCache{},
	}
	opts = append([]Option{WithTiming(fastTiming()), WithProfileCache(f.cache)}, opts...)
	f.svc = NewService(f.provider, f.backend, f.tokens, opts...)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.svc.Start(context.Background())
	t.Cleanup(f.svc.Stop)
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	tok, err := f.tokens.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("AccessToken returned error: %v", err)
	}
	return tok
}

// handleUser はイベントキューを介さずにID通知を処理する。
func (f *fixture) handleUser(u *identity.User) {
	f.provider.setUser(u)
	ctx, ep := f.svc.currentEpoch()
	f.svc.handleIdentityUser(ctx, ep, u)
}

func (f *fixture) handleNoUser() {
	ctx, ep := f.svc.currentEpoch()
	f.svc.handleNoIdentityUser(ctx, ep)
}

// waitFor は条件が満たされるまで待つ。
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}
