package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ストレージドライバー名
const (
	StorageDriverFile     = "file"
	StorageDriverRedis    = "redis"
	StorageDriverPostgres = "postgres"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Backend
	BackendBaseURL   string
	BackendTimeout   time.Duration
	BackendRateLimit float64
	BackendRateBurst int

	// Identity provider
	IdentityAPIKey    string
	IdentityAuthURL   string
	IdentityTokenURL  string
	OAuthRedirectBase string

	// Social login
	GoogleClientID       string
	GoogleClientSecret   string
	FacebookClientID     string
	FacebookClientSecret string

	// Storage
	StorageDriver        string
	StoragePath          string
	RedisURL             string
	DatabaseURL          string
	StorageSweepInterval time.Duration

	// Session
	SessionSafetyTimeout time.Duration
	ProfileCacheTTL      time.Duration

	// Auto-save
	AutosaveContentDebounce time.Duration
	AutosaveTitleDebounce   time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort        string
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.BackendBaseURL = strings.TrimRight(os.Getenv("BACKEND_BASE_URL"), "/")
	if cfg.BackendBaseURL == "" {
		missing = append(missing, "BACKEND_BASE_URL")
	}

	cfg.IdentityAPIKey = os.Getenv("IDENTITY_API_KEY")
	if cfg.IdentityAPIKey == "" {
		missing = append(missing, "IDENTITY_API_KEY")
	}

	// ドライバーごとの必須項目
	cfg.StorageDriver = strings.ToLower(getEnvString("STORAGE_DRIVER", StorageDriverFile))
	cfg.RedisURL = os.Getenv("REDIS_URL")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	switch cfg.StorageDriver {
	case StorageDriverFile:
	case StorageDriverRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	case StorageDriverPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER: %q", cfg.StorageDriver)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.BackendTimeout = getEnvDuration("BACKEND_TIMEOUT", 15*time.Second)
	cfg.BackendRateLimit = getEnvFloat("BACKEND_RATE_LIMIT", 10)
	cfg.BackendRateBurst = getEnvInt("BACKEND_RATE_BURST", 20)
	cfg.IdentityAuthURL = getEnvString("IDENTITY_AUTH_URL", "https://identitytoolkit.googleapis.com/v1")
	cfg.IdentityTokenURL = getEnvString("IDENTITY_TOKEN_URL", "https://securetoken.googleapis.com/v1/token")
	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.FacebookClientID = os.Getenv("FACEBOOK_CLIENT_ID")
	cfg.FacebookClientSecret = os.Getenv("FACEBOOK_CLIENT_SECRET")
	cfg.StoragePath = getEnvString("STORAGE_PATH", defaultStoragePath())
	cfg.StorageSweepInterval = getEnvDuration("STORAGE_SWEEP_INTERVAL", 10*time.Minute)
	cfg.SessionSafetyTimeout = getEnvDuration("SESSION_SAFETY_TIMEOUT", 10*time.Second)
	cfg.ProfileCacheTTL = getEnvDuration("PROFILE_CACHE_TTL", 2*time.Minute)
	cfg.AutosaveContentDebounce = getEnvDuration("AUTOSAVE_CONTENT_DEBOUNCE", 2*time.Second)
	cfg.AutosaveTitleDebounce = getEnvDuration("AUTOSAVE_TITLE_DEBOUNCE", 800*time.Millisecond)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "4317")
	cfg.OAuthRedirectBase = strings.TrimRight(getEnvString("OAUTH_REDIRECT_BASE", "http://localhost:"+cfg.ServerPort), "/")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:5173")

	return cfg, nil
}

// GoogleEnabled はGoogleログインの設定が揃っているかを返す。
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// FacebookEnabled はFacebookログインの設定が揃っているかを返す。
func (c *Config) FacebookEnabled() bool {
	return c.FacebookClientID != "" && c.FacebookClientSecret != ""
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".artdesk", "storage.json")
	}
	return filepath.Join(home, ".artdesk", "storage.json")
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
