// Package app はコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/artdesk/internal/autosave"
	"github.com/hitoshi/artdesk/internal/backend"
	"github.com/hitoshi/artdesk/internal/config"
	"github.com/hitoshi/artdesk/internal/database"
	"github.com/hitoshi/artdesk/internal/handler"
	"github.com/hitoshi/artdesk/internal/identity"
	"github.com/hitoshi/artdesk/internal/logger"
	"github.com/hitoshi/artdesk/internal/metrics"
	"github.com/hitoshi/artdesk/internal/middleware"
	"github.com/hitoshi/artdesk/internal/profile"
	"github.com/hitoshi/artdesk/internal/security"
	"github.com/hitoshi/artdesk/internal/session"
	"github.com/hitoshi/artdesk/internal/storage"
)

// shutdownTimeout は終了時の下書き保存とHTTPサーバー停止の上限。
const shutdownTimeout = 15 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("unknown LOG_LEVEL, falling back to info", slog.String("level", cfg.LogLevel))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "4317"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("storage_driver", cfg.StorageDriver),
		slog.Bool("google_login", cfg.GoogleEnabled()),
		slog.Bool("facebook_login", cfg.FacebookEnabled()),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// runServe はローカルAPIサーバーを起動する。
// ストレージを開き、全依存関係をワイヤリングし、セッションとHTTPサーバーを起動する。
// SIGINTまたはSIGTERMを受信すると、未保存の下書きを保存してからシャットダウンする。
func runServe(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. ストレージ
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	if store.sweepable != nil {
		go storage.NewSweeper(store.sweepable, slog.Default()).Start(ctx, cfg.StorageSweepInterval)
	}

	// 2. 依存関係の構築
	comps := build(cfg, store)

	// 3. セッションの開始（保存済みのサインイン状態を復元する）
	comps.sessions.Start(ctx)

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         "127.0.0.1:" + cfg.ServerPort,
		Handler:      comps.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-stop:
	case err := <-serveErr:
		comps.shutdown(context.Background())
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", slog.String("error", err.Error()))
	}
	comps.shutdown(shutdownCtx)

	slog.Info("API server stopped gracefully")
	return nil
}

// components はserveモードで起動するコンポーネント。
type components struct {
	sessions *session.Service
	drafts   *autosave.Manager
	limiter  *middleware.RateLimiter
	router   http.Handler
}

// build は設定とストレージから全コンポーネントを組み立てる。
func build(cfg *config.Config, store *storageHandle) *components {
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	tokens := storage.NewTokenStore(store.kv)

	provider := identity.NewFirebaseProvider(identity.FirebaseConfig{
		APIKey:   cfg.IdentityAPIKey,
		AuthURL:  cfg.IdentityAuthURL,
		TokenURL: cfg.IdentityTokenURL,
	}, tokens, &http.Client{Timeout: cfg.BackendTimeout})

	social := identity.NewSocialAuth(identity.SocialConfig{
		RedirectBase: cfg.OAuthRedirectBase,
		Google: identity.SocialProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		},
		Facebook: identity.SocialProviderConfig{
			ClientID:     cfg.FacebookClientID,
			ClientSecret: cfg.FacebookClientSecret,
		},
	})

	client := backend.NewClient(backend.Config{
		BaseURL:   cfg.BackendBaseURL,
		Timeout:   cfg.BackendTimeout,
		RateLimit: cfg.BackendRateLimit,
		RateBurst: cfg.BackendRateBurst,
	}, tokens, backend.WithObserver(collector))

	profiles := profile.NewCache(store.kv, client, cfg.ProfileCacheTTL)

	timing := session.DefaultTiming()
	if cfg.SessionSafetyTimeout > 0 {
		timing.SafetyTimeout = cfg.SessionSafetyTimeout
	}
	sessions := session.NewService(provider, client, tokens,
		session.WithTiming(timing),
		session.WithProfileCache(profiles),
		session.WithObserver(collector),
	)

	drafts := autosave.NewManager(client, security.NewContentSanitizer(), autosave.Config{
		ContentDebounce: cfg.AutosaveContentDebounce,
		TitleDebounce:   cfg.AutosaveTitleDebounce,
	}, slog.Default(), autosave.WithObserver(collector))

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       limiter,
		HealthChecker:     store.health,
		Metrics:           metrics.Handler(registry),

		Sessions: sessions,
		Social:   social,
		Emails:   client,
		AuthConfig: handler.AuthHandlerConfig{
			UIOrigin: cfg.CORSAllowedOrigin,
		},

		Content:  client,
		Profiles: profiles,
		Drafts:   drafts,
	})

	return &components{
		sessions: sessions,
		drafts:   drafts,
		limiter:  limiter,
		router:   router,
	}
}

// shutdown は下書きを保存してからセッションと自動保存を止める。
func (c *components) shutdown(ctx context.Context) {
	if err := c.drafts.FlushAll(ctx); err != nil {
		slog.Error("failed to flush drafts", slog.String("error", err.Error()))
	}
	c.drafts.Close()
	c.sessions.Stop()
	c.limiter.Stop()
}

// runMigrate はpostgresストレージのマイグレーションを実行する。
func runMigrate(cfg *config.Config) error {
	if cfg.StorageDriver != config.StorageDriverPostgres {
		return fmt.Errorf("migrate requires STORAGE_DRIVER=postgres, got %q", cfg.StorageDriver)
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
