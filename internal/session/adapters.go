package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hitoshi/artdesk/internal/identity"
	"github.com/hitoshi/artdesk/internal/model"
)

var (
	errLoggedOut   = errors.New("logged out during sign-in")
	errUnverified  = errors.New("email address is not verified")
	errEmptyInput  = errors.New("email and password are required")
	errNoSignedIn  = errors.New("no signed-in identity")
	errNoSessionID = errors.New("no authenticated session")
)

// SignUpWithEmail はメールアドレスでIDを作成し、バックエンドにユーザーを登録する。
// 確認メールの送信は失敗してもサインアップ自体は成功とする。
func (s *Service) SignUpWithEmail(ctx context.Context, email, password string) error {
	const op = "session.SignUpWithEmail"
	if strings.TrimSpace(email) == "" || password == "" {
		return model.NewAuthError(model.KindValidation, op, errEmptyInput)
	}
	s.observe("signup")

	end := s.flows.begin(flowSignup)
	defer end()
	ctx, ep, cancel := s.bindEpoch(ctx)
	defer cancel()

	u, err := s.provider.CreateUserWithPassword(ctx, email, password)
	if err != nil {
		return s.adapterFailed(op, err)
	}
	if err := s.abandonIfLoggedOut(ctx, ep); err != nil {
		return err
	}

	if err := s.provider.SendEmailVerification(ctx); err != nil {
		slog.Warn("確認メールの送信に失敗しました",
			slog.String("uid", u.UID),
			slog.String("error", err.Error()),
		)
	}

	idToken, err := s.provider.IDToken(ctx, false)
	if err != nil {
		return s.adapterFailed(op, err)
	}
	token, err := s.exchangeDo(ctx, ep, "register:"+u.UID, func(ctx context.Context) (string, error) {
		return s.backend.Register(ctx, idToken)
	})
	if err != nil {
		return s.adapterFailed(op, err)
	}
	return s.storeAdapterToken(ctx, op, ep, token)
}

// LoginWithEmail はメールアドレスでサインインし、バックエンドのアクセストークンを取得する。
// メール未確認のIDはバックエンドを呼ぶ前に拒否する。
func (s *Service) LoginWithEmail(ctx context.Context, email, password string) error {
	const op = "session.LoginWithEmail"
	if strings.TrimSpace(email) == "" || password == "" {
		return model.NewAuthError(model.KindValidation, op, errEmptyInput)
	}
	s.observe("login_email")

	end := s.flows.begin(flowExternalLogin)
	defer end()
	ctx, ep, cancel := s.bindEpoch(ctx)
	defer cancel()

	u, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return s.adapterFailed(op, err)
	}
	if !u.EmailVerified {
		if err := s.provider.SignOut(ctx); err != nil {
			slog.Warn("未確認IDのサインアウトに失敗しました", slog.String("error", err.Error()))
		}
		return s.adapterFailed(op, model.NewAuthError(model.KindUnverified, op, errUnverified))
	}
	if err := s.abandonIfLoggedOut(ctx, ep); err != nil {
		return err
	}

	idToken, err := s.provider.IDToken(ctx, false)
	if err != nil {
		return s.adapterFailed(op, err)
	}
	token, err := s.exchangeDo(ctx, ep, "login:"+u.UID, func(ctx context.Context) (string, error) {
		return s.backend.Login(ctx, idToken)
	})
	if err != nil {
		return s.adapterFailed(op, err)
	}
	return s.storeAdapterToken(ctx, op, ep, token)
}

// AuthenWithGoogle はGoogleの資格情報でサインインする。
// バックエンドにユーザーがいなければ登録する。
func (s *Service) AuthenWithGoogle(ctx context.Context, cred identity.IdPCredential) error {
	s.observe("login_google")
	return s.socialLogin(ctx, "session.AuthenWithGoogle", cred)
}

// SignUpWithFacebook はFacebookの資格情報でサインインする。
// バックエンドにユーザーがいなければ登録する。
func (s *Service) SignUpWithFacebook(ctx context.Context, cred identity.IdPCredential) error {
	s.observe("login_facebook")
	return s.socialLogin(ctx, "session.SignUpWithFacebook", cred)
}

// socialLogin はソーシャルログインの共通処理。
// バックエンドのログインを先に試し、失敗した場合はユーザー未作成とみなして登録する。
func (s *Service) socialLogin(ctx context.Context, op string, cred identity.IdPCredential) error {
	end := s.flows.begin(flowExternalLogin)
	defer end()
	ctx, ep, cancel := s.bindEpoch(ctx)
	defer cancel()

	u, err := s.provider.SignInWithIdP(ctx, cred)
	if err != nil {
		return s.adapterFailed(op, err)
	}
	if err := s.abandonIfLoggedOut(ctx, ep); err != nil {
		return err
	}

	idToken, err := s.provider.IDToken(ctx, false)
	if err != nil {
		return s.adapterFailed(op, err)
	}
	token, err := s.exchangeDo(ctx, ep, "social:"+u.UID, func(ctx context.Context) (string, error) {
		token, err := s.backend.Login(ctx, idToken)
		if err == nil {
			return token, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		slog.Info("バックエンドへのログインに失敗したため登録します",
			slog.String("uid", u.UID),
			slog.String("kind", model.KindOf(err).String()),
		)
		return s.backend.Register(ctx, idToken)
	})
	if err != nil {
		return s.adapterFailed(op, err)
	}
	return s.storeAdapterToken(ctx, op, ep, token)
}

// ForgotPassword はパスワード再設定メールを送信する。
// バックエンドが一時的に使えない場合はIDプロバイダーから直接送信する。
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	const op = "session.ForgotPassword"
	if strings.TrimSpace(email) == "" {
		return model.NewAuthError(model.KindValidation, op, errEmptyInput)
	}

	err := s.backend.ForgotPassword(ctx, email)
	if err == nil {
		return nil
	}
	if !model.IsTransient(err) {
		return err
	}
	slog.Warn("バックエンド経由の再設定メール送信に失敗したため、IDプロバイダーから送信します",
		slog.String("error", err.Error()),
	)
	return s.provider.SendPasswordReset(ctx, email)
}

// ResendVerification は確認メールを再送する。既に確認済みの場合は何もしない。
func (s *Service) ResendVerification(ctx context.Context) error {
	const op = "session.ResendVerification"
	if s.provider.CurrentUser() == nil {
		return model.NewAuthError(model.KindTokenInvalid, op, errNoSignedIn)
	}
	u, err := s.provider.Reload(ctx)
	if err != nil {
		return err
	}
	if u.EmailVerified {
		return nil
	}
	return s.provider.SendEmailVerification(ctx)
}

// RefreshProfile は現在のIDのプロフィールを取得し直して状態に反映する。
func (s *Service) RefreshProfile(ctx context.Context) (*model.User, error) {
	const op = "session.RefreshProfile"
	cur := s.provider.CurrentUser()
	if cur == nil {
		return nil, model.NewAuthError(model.KindTokenInvalid, op, errNoSignedIn)
	}
	ctx, ep, cancel := s.bindEpoch(ctx)
	defer cancel()

	u, err := s.backend.Profile(ctx, cur.UID)
	if err != nil {
		return nil, err
	}
	s.settle(ep, u, "")
	return u, nil
}

// UpdateProfile はプロフィールを更新して状態に反映する。
func (s *Service) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (*model.User, error) {
	const op = "session.UpdateProfile"
	if !s.Snapshot().IsAuthenticated {
		return nil, model.NewAuthError(model.KindTokenInvalid, op, errNoSessionID)
	}
	if fe := validateProfileUpdate(upd, time.Now()); fe != nil {
		return nil, model.NewAuthError(model.KindValidation, op, fe)
	}
	ctx, ep, cancel := s.bindEpoch(ctx)
	defer cancel()

	u, err := s.backend.UpdateProfile(ctx, upd)
	if err != nil {
		if fe := fieldErrorFromBackend(err); fe != nil {
			return nil, model.NewAuthError(model.KindValidation, op, fe)
		}
		return nil, err
	}
	s.settle(ep, u, "")
	return u, nil
}

// Logout はセッションを終了する。
// 実行中のログインフローの結果は破棄され、トークンは必ず削除される。
func (s *Service) Logout(ctx context.Context) error {
	s.observe("logout")

	var prevID string
	s.mu.RLock()
	if s.state.User != nil {
		prevID = s.state.User.ID
	}
	s.mu.RUnlock()
	s.bumpEpoch()

	if err := s.tokens.MarkExplicitLogout(ctx); err != nil {
		slog.Warn("ログアウトのマーカー設定に失敗しました", slog.String("error", err.Error()))
	}
	if err := s.backend.Signout(ctx); err != nil {
		slog.Warn("バックエンドのサインアウトに失敗しました",
			slog.String("kind", model.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
	}

	var errs []error
	if err := s.tokens.RemoveAccessToken(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, prevID); err != nil {
			slog.Warn("プロフィールキャッシュの破棄に失敗しました", slog.String("error", err.Error()))
		}
	}
	if err := s.provider.SignOut(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := s.finishLogout(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("logout did not complete cleanly: %w", err)
	}
	slog.Info("ログアウトしました")
	return nil
}

// bumpEpoch は世代を進めて実行中のフローをキャンセルし、ログアウト中の表示に切り替える。
func (s *Service) bumpEpoch() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.epochCancel()
	s.epoch++
	s.epochCtx, s.epochCancel = context.WithCancel(context.Background())
	s.loggingOut = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range s.subs {
		fn(snap)
	}
}

// finishLogout はログアウトを確定する。
// 世代をもう一度進め、ログアウト中に始まった処理の結果も破棄させる。
// その間に保存されたトークンは同じ排他区間で削除する。
func (s *Service) finishLogout(ctx context.Context) error {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	s.epochCancel()
	s.epoch++
	s.epochCtx, s.epochCancel = context.WithCancel(context.Background())
	err := s.tokens.RemoveAccessToken(context.WithoutCancel(ctx))
	s.state.User = nil
	s.state.IsAuthenticated = false
	s.state.IsOnboarded = false
	s.state.Loading = false
	s.state.Error = ""
	s.loggingOut = false
	s.authenticatedInSession.Store(false)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range s.subs {
		fn(snap)
	}
	return err
}

// abandonIfLoggedOut はアダプター実行中にログアウトされた場合、確立したIDを破棄する。
func (s *Service) abandonIfLoggedOut(ctx context.Context, ep uint64) error {
	_, cur := s.currentEpoch()
	if cur == ep && ctx.Err() == nil {
		return nil
	}
	if err := s.provider.SignOut(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("ログアウト後のIDの破棄に失敗しました", slog.String("error", err.Error()))
	}
	return model.NewAuthError(model.KindCanceled, "session.adapter", errLoggedOut)
}

// storeAdapterToken はアダプターが取得したアクセストークンを保存する。
// 後続のID通知はこのトークンを検証するだけで済む。
func (s *Service) storeAdapterToken(ctx context.Context, op string, ep uint64, token string) error {
	stored, err := s.commit(ep, func() error {
		if err := s.tokens.SetAccessToken(ctx, token); err != nil {
			return err
		}
		// 新しいセッションが確立したので、直前のログアウトのマーカーは不要
		return s.tokens.ClearExplicitLogout(ctx)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !stored {
		return s.abandonIfLoggedOut(ctx, ep)
	}
	return nil
}

// adapterFailed はアダプターの失敗をログに記録して返す。
func (s *Service) adapterFailed(op string, err error) error {
	slog.Warn("認証操作に失敗しました",
		slog.String("op", op),
		slog.String("kind", model.KindOf(err).String()),
		slog.String("error", err.Error()),
	)
	return err
}
