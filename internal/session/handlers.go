package session

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/artdesk/internal/identity"
	"github.com/hitoshi/artdesk/internal/model"
)

// errExchangeCanceled はログアウトなどで交換処理が打ち切られた場合のエラー。
var errExchangeCanceled = errors.New("session exchange canceled")

// handleIdentityUser はIDプロバイダーがサインイン済みIDを通知したときの処理。
// 優先順位:
//  1. ログインアダプターが実行中なら完了を待つ（保存されたトークンは4で検証される）
//  2. サインアップが実行中なら完了を待つ
//  3. このプロセスで認証済みかつトークンがあれば、プロフィール取得で再検証する
//  4. 保存済みトークンがあればプロフィール取得で検証する。401/403なら破棄して5へ、それ以外は保持して終了
//  5. IDトークンを強制更新してバックエンドと交換する
func (s *Service) handleIdentityUser(ctx context.Context, ep uint64, u *identity.User) {
	if s.logoutPending() {
		slog.Debug("ログアウト中のID通知を破棄しました", slog.String("uid", u.UID))
		return
	}
	if s.flows.inProgress(flowExternalLogin) {
		if !s.flows.wait(ctx, flowExternalLogin, s.timing.ExternalLoginWait) && ctx.Err() == nil {
			slog.Warn("ログイン処理の完了待ちが上限に達しました", slog.String("uid", u.UID))
		}
	}
	if s.flows.inProgress(flowSignup) {
		if !s.flows.wait(ctx, flowSignup, s.timing.SignupWait) && ctx.Err() == nil {
			slog.Warn("サインアップ処理の完了待ちが上限に達しました", slog.String("uid", u.UID))
		}
	}
	if ctx.Err() != nil {
		return
	}
	if s.logoutPending() || s.tokens.ExplicitLogout(ctx) {
		slog.Debug("ログアウト直後のID通知を破棄しました", slog.String("uid", u.UID))
		return
	}

	// 待機中にサインアウトまたは別IDに切り替わった場合、この通知は古い
	if cur := s.provider.CurrentUser(); cur == nil || cur.UID != u.UID {
		slog.Debug("古いID通知を破棄しました", slog.String("uid", u.UID))
		return
	}

	if s.tokens.HasAccessToken(ctx) {
		if s.authenticatedInSession.Load() {
			slog.Debug("セッション内で認証済みのトークンを再検証します", slog.String("uid", u.UID))
		}

		profile, err := s.backend.Profile(ctx, u.UID)
		if err == nil {
			s.settle(ep, profile, "")
			return
		}
		if ctx.Err() != nil {
			return
		}

		if model.KindOf(err) != model.KindTokenInvalid {
			// 一時的な失敗ではトークンを保持し、プロフィールなしの状態で終える
			slog.Warn("プロフィールの取得に失敗しました。トークンは保持します",
				slog.String("uid", u.UID),
				slog.String("kind", model.KindOf(err).String()),
				slog.String("error", err.Error()),
			)
			s.settle(ep, nil, "")
			return
		}

		slog.Info("保存済みトークンが無効なため破棄します", slog.String("uid", u.UID))
		if _, err := s.commit(ep, func() error { return s.tokens.RemoveAccessToken(ctx) }); err != nil {
			slog.Error("アクセストークンの削除に失敗しました", slog.String("error", err.Error()))
		}
	}

	s.exchangeAndLoad(ctx, ep, u, false)
}

// exchangeAndLoad はバックエンドとのセッション交換とプロフィール取得を行う。
// IDトークンは有効だがバックエンドにユーザーがまだ現れない場合、1回だけ遅延再試行する。
func (s *Service) exchangeAndLoad(ctx context.Context, ep uint64, u *identity.User, isRetry bool) {
	attempts := s.timing.ExchangeAttempts
	if isRetry {
		attempts = 1
	}

	token, err := s.exchangeWithRetry(ctx, ep, u.UID, attempts)
	if err == nil {
		var stored bool
		stored, err = s.commit(ep, func() error { return s.tokens.SetAccessToken(ctx, token) })
		if err == nil && !stored {
			return
		}
	}

	var profile *model.User
	if err == nil {
		if !sleep(ctx, s.timing.PropagationDelay) {
			return
		}
		profile, err = s.backend.Profile(ctx, u.UID)
	}
	if err == nil {
		s.observeExchange("success")
		s.settle(ep, profile, "")
		return
	}
	if ctx.Err() != nil || errors.Is(err, errExchangeCanceled) {
		return
	}

	kind := model.KindOf(err)
	if kind == model.KindUserNotFound && !isRetry {
		slog.Info("バックエンドにユーザーが見つかりません。遅延して再試行します",
			slog.String("uid", u.UID),
			slog.Duration("delay", s.timing.DelayedRetry),
		)
		s.observeExchange("delayed_retry")
		if !sleep(ctx, s.timing.DelayedRetry) {
			return
		}
		s.exchangeAndLoad(ctx, ep, u, true)
		return
	}

	s.observeExchange("failed")
	slog.Error("バックエンドとのセッション確立に失敗しました",
		slog.String("uid", u.UID),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
	if kind == model.KindTokenInvalid {
		s.commit(ep, func() error { return s.tokens.RemoveAccessToken(ctx) })
	}
	s.settle(ep, nil, sessionFailureMessage(kind))
}

// exchangeWithRetry はIDトークンを強制更新してバックエンドのログインと交換する。
// 同じUIDの交換は同時に1つだけ実行され、重なった呼び出しは結果を共有する。
func (s *Service) exchangeWithRetry(ctx context.Context, ep uint64, uid string, attempts int) (string, error) {
	token, err := s.exchangeDo(ctx, ep, "exchange:"+uid, func(ctx context.Context) (string, error) {
		var lastErr error
		for attempt := 0; attempt < attempts; attempt++ {
			if attempt > 0 {
				base := s.timing.ExchangeBaseDelay
				if model.KindOf(lastErr) == model.KindUserNotFound {
					base = s.timing.UserNotFoundBaseDelay
				}
				delay := s.timing.exchangeBackoff(attempt-1, base)
				slog.Debug("セッション交換を再試行します",
					slog.String("uid", uid),
					slog.Int("attempt", attempt+1),
					slog.Duration("delay", delay),
				)
				s.observeExchange("retry")
				if !sleep(ctx, delay) {
					return "", errExchangeCanceled
				}
			}

			idToken, err := s.provider.IDToken(ctx, true)
			if err != nil {
				if ctx.Err() != nil {
					return "", errExchangeCanceled
				}
				// IDが失われた場合は再試行しても回復しない
				if model.KindOf(err) == model.KindTokenInvalid {
					return "", err
				}
				lastErr = err
				continue
			}

			token, err := s.backend.Login(ctx, idToken)
			if err == nil {
				return token, nil
			}
			if ctx.Err() != nil {
				return "", errExchangeCanceled
			}
			lastErr = err
		}
		return "", lastErr
	})
	if err != nil {
		if model.KindOf(err) == model.KindCanceled {
			return "", errExchangeCanceled
		}
		return "", err
	}
	return token, nil
}

// handleNoIdentityUser はIDプロバイダーがサインインなしを通知したときの処理。
// 明示的ログアウト中なら即座に破棄する。それ以外は復元途中の一時的な通知の可能性があるため、
// 保存済みトークンを1回検証し、無効なら猶予を置いて再確認してから破棄する。
func (s *Service) handleNoIdentityUser(ctx context.Context, ep uint64) {
	if s.tokens.ExplicitLogout(ctx) {
		s.clear(ctx, ep, true)
		return
	}

	before, _ := s.tokens.AccessToken(ctx)
	removeToken := true
	if before != "" {
		u, err := s.backend.VerifyToken(ctx)
		switch {
		case err == nil && u != nil:
			s.settle(ep, u, "")
			return
		case err == nil:
			// 有効だが持ち主が返らない場合はトークンを保持する
			removeToken = false
		case model.IsTransient(err):
			removeToken = false
		}
		if ctx.Err() != nil {
			return
		}
	}

	if !sleep(ctx, s.timing.NoUserSettle) {
		return
	}

	if s.provider.CurrentUser() != nil {
		// 後続のID通知で処理される
		return
	}
	after, _ := s.tokens.AccessToken(ctx)
	if after != "" && after != before {
		// 猶予中に別のフローがトークンを保存した
		return
	}
	s.clear(ctx, ep, removeToken)
}

// clear はセッションを未ログイン状態にする。
func (s *Service) clear(ctx context.Context, ep uint64, removeToken bool) {
	if removeToken {
		if _, err := s.commit(ep, func() error { return s.tokens.RemoveAccessToken(ctx) }); err != nil {
			slog.Error("アクセストークンの削除に失敗しました", slog.String("error", err.Error()))
		}
	}
	s.settle(ep, nil, "")
}
