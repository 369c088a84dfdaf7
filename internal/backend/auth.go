package backend

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/hitoshi/artdesk/internal/model"
)

// sessionRequest はIDトークンをアクセストークンに交換するリクエスト。
type sessionRequest struct {
	IDToken string `json:"id_token"`
}

// sessionResponse はログイン・登録の応答。
type sessionResponse struct {
	AccessToken string `json:"access_token"`
	Success     bool   `json:"success"`
}

var (
	errNoAccessToken = errors.New("backend did not return an access token")
	errTokenRejected = errors.New("backend reported the access token as invalid")
)

// Login はIDトークンでログインし、アクセストークンを返す。
func (c *Client) Login(ctx context.Context, idToken string) (string, error) {
	return c.exchange(ctx, "POST /auth/login", "/auth/login", idToken)
}

// Register はIDトークンでユーザーを登録し、アクセストークンを返す。
func (c *Client) Register(ctx context.Context, idToken string) (string, error) {
	return c.exchange(ctx, "POST /auth/register", "/auth/register", idToken)
}

func (c *Client) exchange(ctx context.Context, route, path, idToken string) (string, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, route, path, nil, sessionRequest{IDToken: idToken}, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", model.NewAuthError(model.KindUnknown, "backend "+route, errNoAccessToken)
	}
	return resp.AccessToken, nil
}

// Signout はバックエンドのセッションを終了する。
func (c *Client) Signout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "POST /auth/signout", "/auth/signout", nil, nil, nil)
}

// VerifyToken は保存済みアクセストークンの有効性を確認し、トークンの持ち主を返す。
// 応答にユーザーが含まれない場合はnilを返す。
// 応答が明示的に valid=false の場合はKindTokenInvalidのエラーを返す。
func (c *Client) VerifyToken(ctx context.Context) (*model.User, error) {
	const route = "POST /auth/verify-token"
	var resp struct {
		Valid *bool       `json:"valid"`
		User  *model.User `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, route, "/auth/verify-token", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Valid != nil && !*resp.Valid {
		return nil, &model.AuthError{Kind: model.KindTokenInvalid, Op: "backend " + route, Status: http.StatusOK, Err: errTokenRejected}
	}
	return resp.User, nil
}

// ForgotPassword はパスワード再設定を要求する。
func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	return c.do(ctx, http.MethodPost, "POST /auth/forgot-password", "/auth/forgot-password", nil, body, nil)
}

// EmailExists はメールアドレスが登録済みかを返す。
func (c *Client) EmailExists(ctx context.Context, email string) (bool, error) {
	var resp struct {
		Exists bool `json:"exists"`
	}
	body := map[string]string{"email": email}
	if err := c.do(ctx, http.MethodPost, "POST /auth/email-exists", "/auth/email-exists", nil, body, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

// Profile はユーザーのプロフィールを取得する。
func (c *Client) Profile(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	path := "/users/profile/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodGet, "GET /users/profile/{id}", path, nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpdateProfile はログイン中ユーザーのプロフィールを部分更新する。
func (c *Client) UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodPatch, "PATCH /users/profile", "/users/profile", nil, upd, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
