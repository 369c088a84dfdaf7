package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/artdesk/internal/identity"
	"github.com/hitoshi/artdesk/internal/model"
)

func TestSignUpWithEmail(t *testing.T) {
	f := newFixture(t)
	newUser := &identity.User{UID: "u-new", Email: "new@example.com"}
	f.provider.createFn = func(email, password string) (*identity.User, error) { return newUser, nil }
	f.start(t)

	if err := f.svc.SignUpWithEmail(context.Background(), "new@example.com", "secret1"); err != nil {
		t.Fatalf("SignUpWithEmail returned error: %v", err)
	}

	if n := f.backend.count("register"); n != 1 {
		t.Errorf("register calls = %d, want 1", n)
	}
	if _, _, verifications, _ := f.provider.counts(); verifications != 1 {
		t.Errorf("verification emails = %d, want 1", verifications)
	}
	if f.token(t) != "access-id-u-new" {
		t.Errorf("token = %q", f.token(t))
	}
	waitFor(t, "authenticated session", func() bool { return f.svc.Snapshot().IsAuthenticated })
	if n := f.backend.count("login"); n != 0 {
		t.Errorf("login calls = %d, want 0", n)
	}
}

func TestSignUpWithEmail_EmailInUse(t *testing.T) {
	f := newFixture(t)
	f.provider.createFn = func(email, password string) (*identity.User, error) {
		return nil, model.NewAuthError(model.KindEmailInUse, "mock", errors.New("EMAIL_EXISTS"))
	}

	err := f.svc.SignUpWithEmail(context.Background(), "taken@example.com", "secret1")
	if model.KindOf(err) != model.KindEmailInUse {
		t.Fatalf("kind = %v, want email_in_use", model.KindOf(err))
	}
	if f.svc.flows.inProgress(flowSignup) {
		t.Error("signup flow must be released on failure")
	}
	if f.backend.count("register") != 0 {
		t.Error("backend must not be called")
	}
}

func TestSignUpWithEmail_EmptyInput(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.SignUpWithEmail(context.Background(), " ", "x"); model.KindOf(err) != model.KindValidation {
		t.Errorf("kind = %v, want validation", model.KindOf(err))
	}
}

func TestLoginWithEmail(t *testing.T) {
	f := newFixture(t)
	f.provider.signInFn = func(email, password string) (*identity.User, error) { return alice, nil }
	f.start(t)

	if err := f.svc.LoginWithEmail(context.Background(), "alice@example.com", "pw"); err != nil {
		t.Fatalf("LoginWithEmail returned error: %v", err)
	}
	waitFor(t, "authenticated session", func() bool { return f.svc.Snapshot().IsAuthenticated })

	if n := f.backend.count("login"); n != 1 {
		t.Errorf("login calls = %d, want 1", n)
	}
	if st := f.svc.Snapshot(); st.User.ID != "u1" {
		t.Errorf("user = %+v", st.User)
	}
}

func TestLoginWithEmail_Unverified_RejectedBeforeBackend(t *testing.T) {
	f := newFixture(t)
	f.provider.signInFn = func(email, password string) (*identity.User, error) {
		return &identity.User{UID: "u2", EmailVerified: false}, nil
	}

	err := f.svc.LoginWithEmail(context.Background(), "bob@example.com", "pw")
	if model.KindOf(err) != model.KindUnverified {
		t.Fatalf("kind = %v, want unverified", model.KindOf(err))
	}
	if UserMessage(err) == "" {
		t.Error("expected a user-facing message")
	}
	if n := f.backend.count("login") + f.backend.count("register"); n != 0 {
		t.Errorf("backend calls = %d, want 0", n)
	}
	if _, signOuts, _, _ := f.provider.counts(); signOuts != 1 {
		t.Errorf("sign-outs = %d, want 1", signOuts)
	}
	if f.token(t) != "" {
		t.Error("no token should be stored")
	}
}

func TestLoginWithEmail_InvalidCredential(t *testing.T) {
	f := newFixture(t)
	f.provider.signInFn = func(email, password string) (*identity.User, error) {
		return nil, model.NewAuthError(model.KindInvalidCredential, "mock", errors.New("INVALID_PASSWORD"))
	}

	err := f.svc.LoginWithEmail(context.Background(), "alice@example.com", "bad")
	if model.KindOf(err) != model.KindInvalidCredential {
		t.Fatalf("kind = %v, want invalid_credential", model.KindOf(err))
	}
	if f.svc.flows.inProgress(flowExternalLogin) {
		t.Error("login flow must be released on failure")
	}
}

func TestAuthenWithGoogle_NewUser_RegistersOnce(t *testing.T) {
	f := newFixture(t)
	gUser := &identity.User{UID: "g1", Email: "g@example.com", EmailVerified: true, ProviderID: identity.ProviderGoogle}
	f.provider.idpFn = func(cred identity.IdPCredential) (*identity.User, error) { return gUser, nil }
	var logins atomic.Int32
	f.backend.loginFn = func(ctx context.Context, idToken string) (string, error) {
		if logins.Add(1) == 1 {
			return "", statusErr(model.KindUserNotFound, 404)
		}
		return "access-again", nil
	}
	f.start(t)

	err := f.svc.AuthenWithGoogle(context.Background(), identity.IdPCredential{ProviderID: identity.ProviderGoogle, IDToken: "g"})
	if err != nil {
		t.Fatalf("AuthenWithGoogle returned error: %v", err)
	}
	waitFor(t, "authenticated session", func() bool { return f.svc.Snapshot().IsAuthenticated })
	time.Sleep(20 * time.Millisecond)

	if n := f.backend.count("register"); n != 1 {
		t.Errorf("register calls = %d, want 1", n)
	}
	if n := f.backend.count("login"); n != 1 {
		t.Errorf("login calls = %d, want 1", n)
	}
	if f.svc.Snapshot().User.ID != "g1" {
		t.Errorf("user = %+v", f.svc.Snapshot().User)
	}
}

func TestSignUpWithFacebook_PopupClosed(t *testing.T) {
	f := newFixture(t)
	f.provider.idpFn = func(cred identity.IdPCredential) (*identity.User, error) {
		return nil, model.NewAuthError(model.KindPopupClosed, "mock", errors.New("closed"))
	}

	err := f.svc.SignUpWithFacebook(context.Background(), identity.IdPCredential{ProviderID: identity.ProviderFacebook, AccessToken: "fb"})
	if model.KindOf(err) != model.KindPopupClosed {
		t.Fatalf("kind = %v, want popup_closed", model.KindOf(err))
	}
	if UserMessage(err) != "ログインがキャンセルされました。" {
		t.Errorf("message = %q", UserMessage(err))
	}
	if f.svc.flows.inProgress(flowExternalLogin) {
		t.Error("login flow must be released on failure")
	}
}

func TestLogout_ClearsEverything(t *testing.T) {
	f := newFixture(t)
	f.provider.signInFn = func(email, password string) (*identity.User, error) { return alice, nil }
	f.start(t)

	if err := f.svc.LoginWithEmail(context.Background(), "alice@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "authenticated session", func() bool { return f.svc.Snapshot().IsAuthenticated })

	var first *model.SessionState
	f.svc.Subscribe(func(st model.SessionState) {
		if first == nil {
			s := st
			first = &s
		}
	})

	if err := f.svc.Logout(context.Background()); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}

	if first == nil || first.IsAuthenticated || first.User != nil {
		t.Errorf("first notification should already be logged out, got %+v", first)
	}
	st := f.svc.Snapshot()
	if st.User != nil || st.IsAuthenticated || st.IsOnboarded {
		t.Errorf("unexpected state after logout: %+v", st)
	}
	if f.token(t) != "" {
		t.Error("token should be removed")
	}
	if f.backend.count("signout") != 1 {
		t.Error("backend signout should be called")
	}
	if len(f.cache.invalidated) != 1 || f.cache.invalidated[0] != "u1" {
		t.Errorf("cache invalidations = %v", f.cache.invalidated)
	}

	time.Sleep(3 * fastTiming().NoUserSettle)
	if f.svc.Snapshot().IsAuthenticated {
		t.Error("session must stay logged out")
	}
}

func TestLogout_DuringInFlightLogin(t *testing.T) {
	f := newFixture(t)
	f.provider.signInFn = func(email, password string) (*identity.User, error) { return alice, nil }

	entered := make(chan struct{})
	release := make(chan struct{})
	f.backend.loginFn = func(ctx context.Context, idToken string) (string, error) {
		close(entered)
		<-release
		return "late-token", nil
	}
	f.start(t)

	result := make(chan error, 1)
	go func() {
		result <- f.svc.LoginWithEmail(context.Background(), "alice@example.com", "pw")
	}()

	<-entered
	if err := f.svc.Logout(context.Background()); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	close(release)

	select {
	case err := <-result:
		if model.KindOf(err) != model.KindCanceled {
			t.Errorf("login error kind = %v, want canceled", model.KindOf(err))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("login did not return")
	}

	time.Sleep(3 * fastTiming().NoUserSettle)
	st := f.svc.Snapshot()
	if st.User != nil || st.IsAuthenticated {
		t.Errorf("racing login resurrected the session: %+v", st)
	}
	if f.token(t) != "" {
		t.Errorf("token = %q, want removed", f.token(t))
	}
}

// ログアウト処理の途中で始まったID通知の処理も、ログアウト後に認証状態を復活させてはならない。
func TestLogout_IdentityEventStartedDuringLogout(t *testing.T) {
	f := newFixture(t)
	f.provider.signInFn = func(email, password string) (*identity.User, error) { return alice, nil }
	f.start(t)

	if err := f.svc.LoginWithEmail(context.Background(), "alice@example.com", "pw"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "authenticated session", func() bool { return f.svc.Snapshot().IsAuthenticated })

	release := make(chan struct{})
	f.backend.mu.Lock()
	f.backend.profileFn = func(ctx context.Context, userID string) (*model.User, error) {
		<-release
		return &model.User{ID: userID}, nil
	}
	f.backend.mu.Unlock()

	handled := make(chan struct{})
	f.cache.mu.Lock()
	f.cache.onInvalidate = func() {
		// トークン削除後、IDのサインアウト前に届いた通知
		ctx, ep := f.svc.currentEpoch()
		go func() {
			defer close(handled)
			f.svc.handleIdentityUser(ctx, ep, alice)
		}()
	}
	f.cache.mu.Unlock()

	if err := f.svc.Logout(context.Background()); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	close(release)

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("identity handler did not return")
	}

	time.Sleep(3 * fastTiming().NoUserSettle)
	st := f.svc.Snapshot()
	if st.User != nil || st.IsAuthenticated {
		t.Errorf("session re-authenticated after logout: %+v", st)
	}
	if f.token(t) != "" {
		t.Errorf("token = %q, want removed", f.token(t))
	}
}

// サインアップの登録は、同じIDに対して進行中のセッション交換の結果を流用しない。
func TestSignUpWithEmail_DoesNotShareConsumerExchange(t *testing.T) {
	f := newFixture(t)
	f.provider.createFn = func(email, password string) (*identity.User, error) { return alice, nil }
	f.provider.setUser(alice)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.backend.loginFn = func(ctx context.Context, idToken string) (string, error) {
		once.Do(func() { close(entered) })
		<-release
		return "", statusErr(model.KindUserNotFound, 404)
	}

	ctx, ep := f.svc.currentEpoch()
	exchanged := make(chan struct{})
	go func() {
		defer close(exchanged)
		f.svc.exchangeWithRetry(ctx, ep, alice.UID, 1)
	}()
	<-entered

	err := f.svc.SignUpWithEmail(context.Background(), "alice@example.com", "pw")
	close(release)
	<-exchanged

	if err != nil {
		t.Fatalf("SignUpWithEmail returned error: %v", err)
	}
	if n := f.backend.count("register"); n != 1 {
		t.Errorf("register calls = %d, want 1", n)
	}
	if got := f.token(t); got != "access-id-u1" {
		t.Errorf("token = %q, want access-id-u1", got)
	}
}

// 呼び出し元が待つのをやめても、共有中の交換はキャンセルされない。
func TestExchangeDo_CallerCancelDoesNotCancelFlight(t *testing.T) {
	f := newFixture(t)
	_, ep := f.svc.currentEpoch()

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var flightErr atomic.Value
	fn := func(ctx context.Context) (string, error) {
		once.Do(func() { close(started) })
		<-release
		if err := ctx.Err(); err != nil {
			flightErr.Store(err)
		}
		return "tok", nil
	}

	callerCtx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := f.svc.exchangeDo(callerCtx, ep, "login:u1", fn)
		result <- err
	}()
	<-started

	second := make(chan string, 1)
	go func() {
		tok, _ := f.svc.exchangeDo(context.Background(), ep, "login:u1", fn)
		second <- tok
	}()

	cancel()
	if err := <-result; model.KindOf(err) != model.KindCanceled {
		t.Errorf("caller error kind = %v, want canceled", model.KindOf(err))
	}
	close(release)

	select {
	case tok := <-second:
		if tok != "tok" {
			t.Errorf("shared token = %q, want tok", tok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shared exchange did not finish")
	}
	if v := flightErr.Load(); v != nil {
		t.Errorf("flight context was canceled: %v", v)
	}
}

func TestForgotPassword(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.ForgotPassword(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("ForgotPassword returned error: %v", err)
	}
	if _, _, _, resets := f.provider.counts(); resets != 0 {
		t.Error("provider should not be used when the backend succeeds")
	}
}

func TestForgotPassword_FallsBackOnTransient(t *testing.T) {
	f := newFixture(t)
	f.backend.forgotPasswordFn = func(ctx context.Context, email string) error {
		return statusErr(model.KindTransient, 503)
	}
	if err := f.svc.ForgotPassword(context.Background(), "a@example.com"); err != nil {
		t.Fatalf("ForgotPassword returned error: %v", err)
	}
	if _, _, _, resets := f.provider.counts(); resets != 1 {
		t.Errorf("provider resets = %d, want 1", resets)
	}
}

func TestForgotPassword_ValidationErrorReturned(t *testing.T) {
	f := newFixture(t)
	f.backend.forgotPasswordFn = func(ctx context.Context, email string) error {
		return statusErr(model.KindValidation, 400)
	}
	if err := f.svc.ForgotPassword(context.Background(), "bad"); model.KindOf(err) != model.KindValidation {
		t.Errorf("kind = %v, want validation", model.KindOf(err))
	}
}

func TestResendVerification(t *testing.T) {
	f := newFixture(t)
	if err := f.svc.ResendVerification(context.Background()); model.KindOf(err) != model.KindTokenInvalid {
		t.Errorf("without identity: kind = %v, want token_invalid", model.KindOf(err))
	}

	f.provider.setUser(&identity.User{UID: "u2", EmailVerified: false})
	if err := f.svc.ResendVerification(context.Background()); err != nil {
		t.Fatalf("ResendVerification returned error: %v", err)
	}
	f.provider.setUser(alice)
	f.svc.ResendVerification(context.Background())

	if _, _, verifications, _ := f.provider.counts(); verifications != 1 {
		t.Errorf("verification emails = %d, want 1", verifications)
	}
}

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t)
	bio := "painter"
	f.backend.updateProfileFn = func(ctx context.Context, upd model.ProfileUpdate) (*model.User, error) {
		onboard := true
		return &model.User{ID: "u1", Bio: *upd.Bio, IsOnboard: &onboard}, nil
	}

	if _, err := f.svc.UpdateProfile(context.Background(), model.ProfileUpdate{Bio: &bio}); model.KindOf(err) != model.KindTokenInvalid {
		t.Errorf("unauthenticated update: kind = %v, want token_invalid", model.KindOf(err))
	}

	f.svc.settle(0, &model.User{ID: "u1"}, "")
	u, err := f.svc.UpdateProfile(context.Background(), model.ProfileUpdate{Bio: &bio})
	if err != nil {
		t.Fatalf("UpdateProfile returned error: %v", err)
	}
	if u.Bio != "painter" {
		t.Errorf("bio = %q", u.Bio)
	}
	if st := f.svc.Snapshot(); !st.IsOnboarded || st.User.Bio != "painter" {
		t.Errorf("state not updated: %+v", st)
	}
}

func TestRefreshProfile(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.RefreshProfile(context.Background()); model.KindOf(err) != model.KindTokenInvalid {
		t.Errorf("kind = %v, want token_invalid", model.KindOf(err))
	}

	f.provider.setUser(alice)
	u, err := f.svc.RefreshProfile(context.Background())
	if err != nil || u.ID != "u1" {
		t.Fatalf("RefreshProfile = %+v, %v", u, err)
	}
	if !f.svc.Snapshot().IsAuthenticated {
		t.Error("expected authenticated")
	}
}

func TestUserMessage(t *testing.T) {
	if msg := UserMessage(errors.New("plain")); msg == "" {
		t.Error("unknown errors need a fallback message")
	}
	if UserMessage(statusErr(model.KindNetwork, 0)) == UserMessage(statusErr(model.KindInvalidCredential, 400)) {
		t.Error("network and credential errors should read differently")
	}
}
