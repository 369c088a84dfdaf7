// Package backend はアプリケーションのバックエンドREST APIクライアントを提供する。
// 全リクエストに保存済みアクセストークンをBearerとして付与し、
// 失敗はHTTPステータスと応答のエラーコードからmodel.ErrorKindに分類する。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/hitoshi/artdesk/internal/logger"
	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/storage"
)

// maxResponseSize は応答ボディの読み取り上限（4MB）。
const maxResponseSize = 4 << 20

// Config はClientの設定。
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // 1秒あたりのリクエスト数。0以下の場合は無制限
	RateBurst int
}

// Observer はバックエンド呼び出しの結果を受け取る。メトリクス収集に使う。
type Observer interface {
	ObserveBackendRequest(route string, status int, duration time.Duration)
}

// Client はバックエンドREST APIのクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
	transport  *bearerTransport
	limiter    *rate.Limiter
	observer   Observer
}

// Option はClientのオプション。
type Option func(*Client)

// WithObserver は呼び出し結果の通知先を設定する。
func WithObserver(o Observer) Option {
	return func(c *Client) { c.observer = o }
}

// WithTransport は下位のRoundTripperを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.transport.base = rt
	}
}

// NewClient はClientを生成する。
func NewClient(cfg Config, tokens *storage.TokenStore, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	transport := &bearerTransport{tokens: tokens, base: http.DefaultTransport}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		transport:  transport,
		limiter:    rate.NewLimiter(limit, burst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// bearerTransport はリクエストごとに最新のアクセストークンを読み出して付与する。
type bearerTransport struct {
	tokens *storage.TokenStore
	base   http.RoundTripper
}

// RoundTrip はhttp.RoundTripperを実装する。
func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	if tok, err := t.tokens.AccessToken(req.Context()); err != nil {
		slog.Warn("アクセストークンの読み出しに失敗しました", slog.String("error", err.Error()))
	} else if tok != "" {
		r.Header.Set("Authorization", "Bearer "+tok)
	}
	if r.Header.Get("X-Request-ID") == "" {
		id := logger.RequestID(req.Context())
		if id == "" {
			id = uuid.NewString()
		}
		r.Header.Set("X-Request-ID", id)
	}
	return t.base.RoundTrip(r)
}

// errorBody はバックエンドのエラー応答。
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// ClassifyStatus はHTTPステータスをErrorKindに分類する。
func ClassifyStatus(status int) model.ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return model.KindTokenInvalid
	case status == http.StatusTooManyRequests:
		return model.KindTransient
	case status >= 500:
		return model.KindTransient
	case status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		return model.KindValidation
	default:
		return model.KindUnknown
	}
}

// classifyCode は応答のエラーコードからErrorKindを決定する。コードが既知でなければステータスで判定する。
func classifyCode(status int, code string) model.ErrorKind {
	switch code {
	case "USER_NOT_FOUND":
		return model.KindUserNotFound
	case "UNAUTHORIZED", "NOT_AUTHENTICATED", "TOKEN_EXPIRED", "INVALID_TOKEN":
		return model.KindTokenInvalid
	case "VALIDATION_ERROR", "USERNAME_TAKEN", "UNDERAGE":
		return model.KindValidation
	case "EMAIL_EXISTS", "USER_EXISTS":
		return model.KindEmailInUse
	}
	return ClassifyStatus(status)
}

// do はリクエストを送信し、2xx応答をoutにデコードする。routeはログとメトリクス用の経路名。
func (c *Client) do(ctx context.Context, method, route, path string, query url.Values, in, out any) error {
	op := "backend " + route

	if err := c.limiter.Wait(ctx); err != nil {
		return model.NewAuthError(model.KindCanceled, op, err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request for %s: %w", route, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", route, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(route, 0, start)
		switch {
		case errors.Is(err, context.Canceled):
			return model.NewAuthError(model.KindCanceled, op, err)
		case errors.Is(err, context.DeadlineExceeded):
			return model.NewAuthError(model.KindTransient, op, err)
		}
		return model.NewAuthError(model.KindNetwork, op, err)
	}
	defer resp.Body.Close()
	c.observe(route, resp.StatusCode, start)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return model.NewAuthError(model.KindNetwork, op, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var eb errorBody
		_ = json.Unmarshal(data, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		slog.Debug("バックエンドがエラーステータスを返しました",
			slog.String("route", route),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", eb.Code),
		)
		return &model.AuthError{
			Kind:   classifyCode(resp.StatusCode, eb.Code),
			Op:     op,
			Status: resp.StatusCode,
			Code:   eb.Code,
			Err:    fmt.Errorf("backend returned %d: %s", resp.StatusCode, msg),
		}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return model.NewAuthError(model.KindUnknown, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

func (c *Client) observe(route string, status int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveBackendRequest(route, status, time.Since(start))
	}
}

func pageQuery(page, limit int) url.Values {
	q := url.Values{}
	if page > 0 {
		q.Set("page", fmt.Sprint(page))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	return q
}
