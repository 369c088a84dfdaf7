package identity

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
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/storage"
)

const (
	defaultAuthURL  = "https://identitytoolkit.googleapis.com/v1"
	defaultTokenURL = "https://securetoken.googleapis.com/v1/token"

	// tokenRefreshMargin は有効期限のこの時間前からIDトークンを更新対象とする。
	tokenRefreshMargin = 5 * time.Minute
	// defaultExpiresIn はexpiresInが読めない場合のIDトークン有効期間。
	defaultExpiresIn = time.Hour
	// idpRequestURI はsignInWithIdpに渡すリクエスト元URI。
	idpRequestURI = "http://localhost"
	// maxResponseSize はIDプロバイダー応答ボディの読み取り上限（1MB）。
	maxResponseSize = 1 << 20
)

var errResponseTooLarge = errors.New("response body exceeds size limit")

// FirebaseConfig はFirebaseProviderの設定。
type FirebaseConfig struct {
	APIKey string

	// テスト用にオーバーライド可能なURL
	AuthURL  string
	TokenURL string
}

// FirebaseProvider はIdentity Toolkit REST APIを使用したProvider実装。
// リフレッシュトークンをストレージに保存し、再起動後もサインイン状態を復元する。
type FirebaseProvider struct {
	cfg        FirebaseConfig
	httpClient *http.Client
	tokens     *storage.TokenStore
	now        func() time.Time

	mu           sync.Mutex
	user         *User
	idToken      string
	refreshToken string
	expiresAt    time.Time

	// notifyMu は状態変更と通知の順序を直列化する。subsも保護する。
	notifyMu sync.Mutex
	subs     map[int]func(*User)
	nextSub  int
}

// NewFirebaseProvider はFirebaseProviderを生成する。
func NewFirebaseProvider(cfg FirebaseConfig, tokens *storage.TokenStore, httpClient *http.Client) *FirebaseProvider {
	if cfg.AuthURL == "" {
		cfg.AuthURL = defaultAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = defaultTokenURL
	}
	cfg.AuthURL = strings.TrimRight(cfg.AuthURL, "/")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &FirebaseProvider{
		cfg:        cfg,
		httpClient: httpClient,
		tokens:     tokens,
		now:        time.Now,
		subs:       make(map[int]func(*User)),
	}
}

// authResponse はaccounts:*系エンドポイントの共通応答。
type authResponse struct {
	IDToken       string `json:"idToken"`
	RefreshToken  string `json:"refreshToken"`
	ExpiresIn     string `json:"expiresIn"`
	LocalID       string `json:"localId"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"emailVerified"`
	DisplayName   string `json:"displayName"`
	ProviderID    string `json:"providerId"`
}

// refreshResponse はトークン更新エンドポイントの応答。
type refreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
	UserID       string `json:"user_id"`
}

// idTokenClaims はIDトークンから読み出すクレーム。
type idTokenClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	UserID        string `json:"user_id"`
	Firebase      struct {
		SignInProvider string `json:"sign_in_provider"`
	} `json:"firebase"`
	jwt.RegisteredClaims
}

// CurrentUser は現在サインイン中のIDのコピーを返す。
func (p *FirebaseProvider) CurrentUser() *User {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyUser(p.user)
}

// Subscribe はサインイン状態の変化を購読する。
// 登録直後に現在の状態（復元前はnil）が1回通知される。
// IDトークンの更新だけではIDが変わらないため通知しない。
func (p *FirebaseProvider) Subscribe(fn func(*User)) func() {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	fn(p.CurrentUser())

	return func() {
		p.notifyMu.Lock()
		defer p.notifyMu.Unlock()
		delete(p.subs, id)
	}
}

// Restore は保存済みのリフレッシュトークンからサインイン状態を復元する。
// 復元の成否にかかわらず、最後に現在の状態を購読者へ通知する。
func (p *FirebaseProvider) Restore(ctx context.Context) error {
	refresh, err := p.tokens.RefreshToken(ctx)
	if err != nil {
		p.setSession(nil, "", "", time.Time{})
		return fmt.Errorf("failed to read identity refresh token: %w", err)
	}
	if refresh == "" {
		p.setSession(nil, "", "", time.Time{})
		return nil
	}

	resp, err := p.refresh(ctx, refresh)
	if err != nil {
		if model.KindOf(err) == model.KindTokenInvalid {
			if rmErr := p.tokens.RemoveRefreshToken(ctx); rmErr != nil {
				slog.Warn("リフレッシュトークンの削除に失敗しました", slog.String("error", rmErr.Error()))
			}
		}
		p.setSession(nil, "", "", time.Time{})
		return err
	}

	u, err := userFromIDToken(resp.IDToken)
	if err != nil {
		p.setSession(nil, "", "", time.Time{})
		return model.NewAuthError(model.KindTokenInvalid, "identity.Restore", err)
	}
	p.persistRefreshToken(ctx, resp.RefreshToken)
	p.setSession(u, resp.IDToken, resp.RefreshToken, p.expiry(resp.ExpiresIn))

	slog.Info("IDプロバイダーのサインイン状態を復元しました", slog.String("uid", u.UID))
	return nil
}

// SignInWithPassword はメールアドレスとパスワードでサインインする。
func (p *FirebaseProvider) SignInWithPassword(ctx context.Context, email, password string) (*User, error) {
	var resp authResponse
	err := p.postAuth(ctx, "identity.SignInWithPassword", "signInWithPassword", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp)
}

// CreateUserWithPassword はメールアドレスとパスワードで新規IDを作成し、サインインする。
func (p *FirebaseProvider) CreateUserWithPassword(ctx context.Context, email, password string) (*User, error) {
	var resp authResponse
	err := p.postAuth(ctx, "identity.CreateUserWithPassword", "signUp", map[string]any{
		"email":             email,
		"password":          password,
		"returnSecureToken": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return p.establish(ctx, resp)
}

// SignInWithIdP はソーシャルログインの資格情報でサインインする。
func (p *FirebaseProvider) SignInWithIdP(ctx context.Context, cred IdPCredential) (*User, error) {
	if cred.ProviderID == "" || (cred.IDToken == "" && cred.AccessToken == "") {
		return nil, model.NewAuthError(model.KindValidation, "identity.SignInWithIdP",
			fmt.Errorf("incomplete credential for provider %q", cred.ProviderID))
	}

	postBody := url.Values{"providerId": {cred.ProviderID}}
	if cred.IDToken != "" {
		postBody.Set("id_token", cred.IDToken)
	}
	if cred.AccessToken != "" {
		postBody.Set("access_token", cred.AccessToken)
	}

	var resp authResponse
	err := p.postAuth(ctx, "identity.SignInWithIdP", "signInWithIdp", map[string]any{
		"postBody":            postBody.Encode(),
		"requestUri":          idpRequestURI,
		"returnSecureToken":   true,
		"returnIdpCredential": true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ProviderID == "" {
		resp.ProviderID = cred.ProviderID
	}
	return p.establish(ctx, resp)
}

// IDToken は現在のIDトークンを返す。
// 有効期限が近い場合、またはforceがtrueの場合はリフレッシュトークンで更新する。
func (p *FirebaseProvider) IDToken(ctx context.Context, force bool) (string, error) {
	p.mu.Lock()
	if p.user == nil {
		p.mu.Unlock()
		return "", model.NewAuthError(model.KindTokenInvalid, "identity.IDToken", errNoCurrentUser)
	}
	if !force && p.idToken != "" && p.now().Add(tokenRefreshMargin).Before(p.expiresAt) {
		tok := p.idToken
		p.mu.Unlock()
		return tok, nil
	}
	refresh := p.refreshToken
	uid := p.user.UID
	p.mu.Unlock()

	resp, err := p.refresh(ctx, refresh)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// 更新中にサインアウトまたは別IDでサインインした場合は結果を捨てる
	if p.user == nil || p.user.UID != uid {
		return "", model.NewAuthError(model.KindTokenInvalid, "identity.IDToken", errNoCurrentUser)
	}
	p.idToken = resp.IDToken
	if resp.RefreshToken != "" && resp.RefreshToken != p.refreshToken {
		p.refreshToken = resp.RefreshToken
		p.persistRefreshToken(ctx, resp.RefreshToken)
	}
	p.expiresAt = p.expiry(resp.ExpiresIn)
	return resp.IDToken, nil
}

// SendPasswordReset はパスワード再設定メールを送信する。
func (p *FirebaseProvider) SendPasswordReset(ctx context.Context, email string) error {
	return p.postAuth(ctx, "identity.SendPasswordReset", "sendOobCode", map[string]any{
		"requestType": "PASSWORD_RESET",
		"email":       email,
	}, nil)
}

// SendEmailVerification は現在のIDに確認メールを送信する。
func (p *FirebaseProvider) SendEmailVerification(ctx context.Context) error {
	tok, err := p.IDToken(ctx, false)
	if err != nil {
		return err
	}
	return p.postAuth(ctx, "identity.SendEmailVerification", "sendOobCode", map[string]any{
		"requestType": "VERIFY_EMAIL",
		"idToken":     tok,
	}, nil)
}

// Reload はIDプロバイダーから最新のID情報（メール確認状態など）を取得する。
func (p *FirebaseProvider) Reload(ctx context.Context) (*User, error) {
	tok, err := p.IDToken(ctx, false)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Users []authResponse `json:"users"`
	}
	if err := p.postAuth(ctx, "identity.Reload", "lookup", map[string]any{"idToken": tok}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, model.NewAuthError(model.KindTokenInvalid, "identity.Reload", errNoCurrentUser)
	}
	info := resp.Users[0]

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.user == nil || p.user.UID != info.LocalID {
		return nil, model.NewAuthError(model.KindTokenInvalid, "identity.Reload", errNoCurrentUser)
	}
	p.user.Email = info.Email
	p.user.EmailVerified = info.EmailVerified
	if info.DisplayName != "" {
		p.user.DisplayName = info.DisplayName
	}
	return copyUser(p.user), nil
}

// SignOut はサインイン状態を破棄し、購読者へnilを通知する。
func (p *FirebaseProvider) SignOut(ctx context.Context) error {
	err := p.tokens.RemoveRefreshToken(ctx)
	p.setSession(nil, "", "", time.Time{})
	if err != nil {
		return fmt.Errorf("failed to remove identity refresh token: %w", err)
	}
	return nil
}

// establish はサインイン応答からセッションを確立し、購読者へ通知する。
func (p *FirebaseProvider) establish(ctx context.Context, resp authResponse) (*User, error) {
	u, err := userFromIDToken(resp.IDToken)
	if err != nil {
		return nil, model.NewAuthError(model.KindUnknown, "identity.establish", err)
	}
	if u.UID == "" {
		u.UID = resp.LocalID
	}
	if u.Email == "" {
		u.Email = resp.Email
	}
	if u.DisplayName == "" {
		u.DisplayName = resp.DisplayName
	}
	u.EmailVerified = u.EmailVerified || resp.EmailVerified
	if resp.ProviderID != "" {
		u.ProviderID = resp.ProviderID
	}

	p.persistRefreshToken(ctx, resp.RefreshToken)
	p.setSession(u, resp.IDToken, resp.RefreshToken, p.expiry(resp.ExpiresIn))
	return copyUser(u), nil
}

// setSession は状態を更新し、購読者へ通知する。
func (p *FirebaseProvider) setSession(u *User, idToken, refreshToken string, expiresAt time.Time) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.user = u
	p.idToken = idToken
	p.refreshToken = refreshToken
	p.expiresAt = expiresAt
	p.mu.Unlock()

	for _, fn := range p.subs {
		fn(copyUser(u))
	}
}

func (p *FirebaseProvider) persistRefreshToken(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := p.tokens.SetRefreshToken(ctx, token); err != nil {
		slog.Warn("リフレッシュトークンの保存に失敗しました", slog.String("error", err.Error()))
	}
}

func (p *FirebaseProvider) expiry(expiresIn string) time.Time {
	d := defaultExpiresIn
	if secs, err := strconv.Atoi(expiresIn); err == nil && secs > 0 {
		d = time.Duration(secs) * time.Second
	}
	return p.now().Add(d)
}

// postAuth はaccounts:{method}エンドポイントにJSONをPOSTする。outがnilの場合は応答を読み捨てる。
func (p *FirebaseProvider) postAuth(ctx context.Context, op, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}
	endpoint := p.cfg.AuthURL + "/accounts:" + method + "?key=" + url.QueryEscape(p.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(op, req, out)
}

// refresh はリフレッシュトークンでIDトークンを更新する。
func (p *FirebaseProvider) refresh(ctx context.Context, refreshToken string) (*refreshResponse, error) {
	if refreshToken == "" {
		return nil, model.NewAuthError(model.KindTokenInvalid, "identity.refresh", errNoCurrentUser)
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	endpoint := p.cfg.TokenURL + "?key=" + url.QueryEscape(p.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var resp refreshResponse
	if err := p.do("identity.refresh", req, &resp); err != nil {
		return nil, err
	}
	if resp.IDToken == "" {
		return nil, model.NewAuthError(model.KindTokenInvalid, "identity.refresh", fmt.Errorf("empty id_token in refresh response"))
	}
	return &resp, nil
}

func (p *FirebaseProvider) do(op string, req *http.Request, out any) error {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return newTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return newTransportError(op, err)
	}
	if len(body) > maxResponseSize {
		return &model.AuthError{Kind: model.KindUnknown, Op: op, Status: resp.StatusCode, Err: errResponseTooLarge}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorBody
		_ = json.Unmarshal(body, &apiErr)
		return newAPIError(op, resp.StatusCode, apiErr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return model.NewAuthError(model.KindUnknown, op, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// userFromIDToken はIDトークンのクレームからUserを組み立てる。
// 署名検証はバックエンドが行うため、ここでは検証せずに読み出すだけ。
func userFromIDToken(idToken string) (*User, error) {
	if idToken == "" {
		return nil, fmt.Errorf("id token is empty")
	}
	claims := &idTokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, fmt.Errorf("failed to parse id token: %w", err)
	}

	uid := claims.Subject
	if uid == "" {
		uid = claims.UserID
	}
	return &User{
		UID:           uid,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		DisplayName:   claims.Name,
		ProviderID:    claims.Firebase.SignInProvider,
	}, nil
}

func copyUser(u *User) *User {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

// compile-time interface check
var _ Provider = (*FirebaseProvider)(nil)
