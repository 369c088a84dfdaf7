package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/artdesk/internal/middleware"
)

// HealthChecker はストレージの疎通確認。nilの場合は確認しない。
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter
	HealthChecker     HealthChecker
	Metrics           http.Handler

	// 認証
	Sessions   SessionService
	Social     SocialAuthenticator
	Emails     EmailChecker
	AuthConfig AuthHandlerConfig

	// 閲覧
	Content  ContentService
	Profiles ProfileReader

	// 下書き
	Drafts DraftManager
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → (Session → CSRF)
//
// ヘルスチェック、セッション取得、認証ルートはセッションガードの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.Sessions))

	authHandler := NewAuthHandler(deps.Sessions, deps.Social, deps.Emails, deps.AuthConfig)
	contentHandler := NewContentHandler(deps.Content, deps.Profiles)
	draftHandler := NewDraftHandler(deps.Drafts)
	csrf := middleware.NewCSRFMiddleware(deps.CSRF)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	r.Get("/session", authHandler.Session)

	r.Route("/auth", func(r chi.Router) {
		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		// メール認証（状態変更のためCSRF検証あり）
		r.Group(func(r chi.Router) {
			r.Use(csrf)
			r.With(deps.RateLimiter.Middleware("signup")).Post("/signup", authHandler.SignUp)
			r.With(deps.RateLimiter.Middleware("login")).Post("/login", authHandler.Login)
			r.With(deps.RateLimiter.Middleware("forgot_password")).Post("/forgot-password", authHandler.ForgotPassword)
			r.With(deps.RateLimiter.Middleware("email_exists")).Post("/email-exists", authHandler.EmailExists)
			r.Post("/logout", authHandler.Logout)
			r.Post("/resend-verification", authHandler.ResendVerification)
		})

		// ソーシャルログイン（stateで検証する）
		r.With(deps.RateLimiter.Middleware("social_login")).Get("/{provider}/login", authHandler.SocialLogin)
		r.Get("/{provider}/callback", authHandler.SocialCallback)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(csrf)

		// 投稿
		r.Route("/api/posts", func(r chi.Router) {
			r.Get("/", contentHandler.ListPosts)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", contentHandler.GetPost)
				r.Post("/like", contentHandler.LikePost)
				r.Delete("/like", contentHandler.UnlikePost)
				r.Get("/comments", contentHandler.ListComments)
				r.Post("/comments", contentHandler.CreateComment)
			})
		})

		r.Get("/api/categories", contentHandler.ListCategories)

		// ユーザー
		r.Route("/api/users", func(r chi.Router) {
			r.Patch("/me", authHandler.UpdateProfile)
			r.Get("/{id}", contentHandler.GetUser)
		})

		// 購読
		r.Route("/api/subscriptions/{userId}", func(r chi.Router) {
			r.Post("/", contentHandler.Subscribe)
			r.Delete("/", contentHandler.Unsubscribe)
		})

		// 下書き
		r.Route("/api/drafts", func(r chi.Router) {
			r.Get("/", draftHandler.ListDrafts)
			r.Post("/", draftHandler.OpenDraft)

			r.Route("/{key}", func(r chi.Router) {
				r.Get("/", draftHandler.GetDraft)
				r.Patch("/", draftHandler.EditDraft)
				r.Delete("/", draftHandler.DeleteDraft)
				r.Post("/dialog", draftHandler.SetDialog)
				r.Post("/publish", draftHandler.PublishDraft)
				r.Post("/close", draftHandler.CloseDraft)
			})
		})
	})

	return r
}

// healthHandler はプロセスとストレージの状態を返す。
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.Ping(ctx); err != nil {
				slog.Warn("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
