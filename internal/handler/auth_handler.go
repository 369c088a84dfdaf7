// Package handler はローカルHTTP APIのハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/artdesk/internal/identity"
	"github.com/hitoshi/artdesk/internal/middleware"
	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/session"
)

const oauthStateCookie = "oauth_state"

// SessionService は認証ハンドラーが必要とするセッション操作。session.Serviceが実装する。
type SessionService interface {
	Snapshot() model.SessionState
	SignUpWithEmail(ctx context.Context, email, password string) error
	LoginWithEmail(ctx context.Context, email, password string) error
	AuthenWithGoogle(ctx context.Context, cred identity.IdPCredential) error
	SignUpWithFacebook(ctx context.Context, cred identity.IdPCredential) error
	Logout(ctx context.Context) error
	ForgotPassword(ctx context.Context, email string) error
	ResendVerification(ctx context.Context) error
	UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (*model.User, error)
}

// SocialAuthenticator はソーシャルログインの認可コードフロー。identity.SocialAuthが実装する。
type SocialAuthenticator interface {
	Enabled(provider string) bool
	AuthCodeURL(provider, state string) (string, error)
	Exchange(ctx context.Context, provider, code string) (identity.IdPCredential, error)
	CallbackError(provider, errParam string) error
}

// EmailChecker はメールアドレスの登録有無を確認する。
type EmailChecker interface {
	EmailExists(ctx context.Context, email string) (bool, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// UIOrigin はソーシャルログイン完了後のリダイレクト先。
	UIOrigin     string
	CookieSecure bool
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	sessions SessionService
	social   SocialAuthenticator
	emails   EmailChecker
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(sessions SessionService, social SocialAuthenticator, emails EmailChecker, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		social:   social,
		emails:   emails,
		config:   config,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

// Session は現在のセッション状態を返す。
// GET /session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Snapshot())
}

// SignUp はメールアドレスとパスワードでアカウントを作成する。
// 確認メール送信後はログインしていない状態で完了する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.sessions.SignUpWithEmail(r.Context(), strings.TrimSpace(req.Email), req.Password); err != nil {
		writeAuthError(w, "signup", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"message": "確認メールを送信しました。メール内のリンクを開いてからログインしてください。",
	})
}

// Login はメールアドレスとパスワードでログインし、確定したセッションを返す。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.sessions.LoginWithEmail(r.Context(), strings.TrimSpace(req.Email), req.Password); err != nil {
		writeAuthError(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, h.sessions.Snapshot())
}

// Logout はセッションを破棄する。失敗してもローカルの状態は消去済み。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Logout(r.Context()); err != nil {
		slog.Warn("logout finished with errors", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusNoContent)
}

// ForgotPassword はパスワード再設定メールを送信する。
// POST /auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.sessions.ForgotPassword(r.Context(), strings.TrimSpace(req.Email)); err != nil {
		writeAuthError(w, "forgot_password", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ResendVerification は確認メールを再送する。
// POST /auth/resend-verification
func (h *AuthHandler) ResendVerification(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.ResendVerification(r.Context()); err != nil {
		writeAuthError(w, "resend_verification", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// EmailExists はメールアドレスが登録済みかを返す。サインアップ画面の事前確認に使う。
// POST /auth/email-exists
func (h *AuthHandler) EmailExists(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	email := strings.TrimSpace(req.Email)
	if email == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("メールアドレスが空です"))
		return
	}
	exists, err := h.emails.EmailExists(r.Context(), email)
	if err != nil {
		writeBackendError(w, r, err, "ユーザー")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// SocialLogin はソーシャルログインの同意画面へリダイレクトする。
// GET /auth/{provider}/login
func (h *AuthHandler) SocialLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !h.social.Enabled(provider) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProviderDisabledError(provider))
		return
	}

	state := uuid.NewString()
	authURL, err := h.social.AuthCodeURL(provider, state)
	if err != nil {
		writeAuthError(w, provider+"_login", err)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
}

// SocialCallback は同意画面からのコールバックを処理する。
// Googleは未登録なら登録してからログインし、Facebookは登録とログインを同じ流れで行う。
// GET /auth/{provider}/callback?code=xxx&state=yyy
func (h *AuthHandler) SocialCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !h.social.Enabled(provider) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewProviderDisabledError(provider))
		return
	}

	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("provider", provider))
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError("stateが一致しません"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	if err := h.social.CallbackError(provider, r.URL.Query().Get("error")); err != nil {
		h.redirectWithError(w, r, provider, err)
		return
	}

	cred, err := h.social.Exchange(r.Context(), provider, r.URL.Query().Get("code"))
	if err == nil {
		switch provider {
		case identity.SocialFacebook:
			err = h.sessions.SignUpWithFacebook(r.Context(), cred)
		default:
			err = h.sessions.AuthenWithGoogle(r.Context(), cred)
		}
	}
	if err != nil {
		h.redirectWithError(w, r, provider, err)
		return
	}

	http.Redirect(w, r, h.config.UIOrigin, http.StatusTemporaryRedirect)
}

// redirectWithError はUIにエラー種別を付けてリダイレクトする。
// メッセージはUIがGET /sessionとauth_errorから表示する。
func (h *AuthHandler) redirectWithError(w http.ResponseWriter, r *http.Request, provider string, err error) {
	kind := model.KindOf(err)
	slog.Warn("social login failed",
		slog.String("provider", provider),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
	http.Redirect(w, r, h.config.UIOrigin+"/?auth_error="+kind.String(), http.StatusTemporaryRedirect)
}

// UpdateProfile はログイン中ユーザーのプロフィールを部分更新する。
// PATCH /api/users/me
func (h *AuthHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var upd model.ProfileUpdate
	if !decodeJSON(w, r, &upd) {
		return
	}
	u, err := h.sessions.UpdateProfile(r.Context(), upd)
	if err != nil {
		var fe *model.FieldError
		if errors.As(err, &fe) {
			status := http.StatusBadRequest
			if fe.Code == model.ErrCodeUsernameTaken {
				status = http.StatusConflict
			}
			middleware.WriteErrorResponse(w, status, model.NewFieldValidationError(fe))
			return
		}
		writeAuthError(w, "update_profile", err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// writeAuthError は認証操作の失敗を分類に応じたステータスと固定メッセージで返す。
func writeAuthError(w http.ResponseWriter, op string, err error) {
	kind := model.KindOf(err)
	slog.Info("auth operation failed",
		slog.String("op", op),
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
	middleware.WriteKindError(w, err, model.NewAuthFailedError(session.UserMessage(err)))
}
