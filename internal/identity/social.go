package identity

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/hitoshi/artdesk/internal/model"
)

// ソーシャルログインのプロバイダー名（URLパスで使用）
const (
	SocialGoogle   = "google"
	SocialFacebook = "facebook"
)

// SocialProviderConfig はソーシャルログインプロバイダー1つ分の設定。
type SocialProviderConfig struct {
	ClientID     string
	ClientSecret string

	// テスト用にオーバーライド可能なエンドポイント。ゼロ値の場合は既定値を使う。
	Endpoint oauth2.Endpoint
}

// SocialConfig はSocialAuthの設定。
type SocialConfig struct {
	// RedirectBase はコールバックURLの基点（例: http://localhost:4317）。
	RedirectBase string
	Google       SocialProviderConfig
	Facebook     SocialProviderConfig
}

type socialProvider struct {
	providerID string
	oauth      *oauth2.Config
}

// SocialAuth はGoogle/Facebookの認可コードフローを扱う。
// 取得した資格情報はProvider.SignInWithIdPに渡してIDを確立する。
type SocialAuth struct {
	providers map[string]*socialProvider
}

// NewSocialAuth はSocialAuthを生成する。ClientIDとClientSecretが揃ったプロバイダーのみ有効になる。
func NewSocialAuth(cfg SocialConfig) *SocialAuth {
	s := &SocialAuth{providers: make(map[string]*socialProvider)}

	if cfg.Google.ClientID != "" && cfg.Google.ClientSecret != "" {
		s.providers[SocialGoogle] = &socialProvider{
			providerID: ProviderGoogle,
			oauth: &oauth2.Config{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				Endpoint:     endpointOr(cfg.Google.Endpoint, endpoints.Google),
				RedirectURL:  cfg.RedirectBase + "/auth/google/callback",
				Scopes:       []string{"openid", "email", "profile"},
			},
		}
	}
	if cfg.Facebook.ClientID != "" && cfg.Facebook.ClientSecret != "" {
		s.providers[SocialFacebook] = &socialProvider{
			providerID: ProviderFacebook,
			oauth: &oauth2.Config{
				ClientID:     cfg.Facebook.ClientID,
				ClientSecret: cfg.Facebook.ClientSecret,
				Endpoint:     endpointOr(cfg.Facebook.Endpoint, endpoints.Facebook),
				RedirectURL:  cfg.RedirectBase + "/auth/facebook/callback",
				Scopes:       []string{"email", "public_profile"},
			},
		}
	}
	return s
}

// Enabled はプロバイダーが設定済みかを返す。
func (s *SocialAuth) Enabled(provider string) bool {
	_, ok := s.providers[provider]
	return ok
}

// AuthCodeURL は同意画面のURLを返す。未設定のプロバイダーはKindPopupBlocked。
func (s *SocialAuth) AuthCodeURL(provider, state string) (string, error) {
	p, err := s.lookup("identity.AuthCodeURL", provider)
	if err != nil {
		return "", err
	}
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

// Exchange は認可コードをトークンに交換し、SignInWithIdP用の資格情報を返す。
func (s *SocialAuth) Exchange(ctx context.Context, provider, code string) (IdPCredential, error) {
	const op = "identity.Exchange"

	p, err := s.lookup(op, provider)
	if err != nil {
		return IdPCredential{}, err
	}
	if code == "" {
		return IdPCredential{}, model.NewAuthError(model.KindValidation, op, errors.New("authorization code is empty"))
	}

	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			return IdPCredential{}, &model.AuthError{
				Kind:   model.KindInvalidCredential,
				Op:     op,
				Status: rErr.Response.StatusCode,
				Code:   rErr.ErrorCode,
				Err:    err,
			}
		}
		return IdPCredential{}, newTransportError(op, err)
	}

	cred := IdPCredential{ProviderID: p.providerID, AccessToken: tok.AccessToken}
	if idToken, ok := tok.Extra("id_token").(string); ok {
		cred.IDToken = idToken
	}
	return cred, nil
}

// CallbackError はコールバックのerrorパラメータを分類する。
// ユーザーが同意画面を閉じた（access_denied）場合はKindPopupClosed。
func (s *SocialAuth) CallbackError(provider, errParam string) error {
	const op = "identity.Callback"
	switch errParam {
	case "":
		return nil
	case "access_denied", "user_cancelled_login", "user_denied":
		return model.NewAuthError(model.KindPopupClosed, op, fmt.Errorf("%s consent was closed: %s", provider, errParam))
	default:
		return model.NewAuthError(model.KindPopupBlocked, op, fmt.Errorf("%s returned error: %s", provider, errParam))
	}
}

func (s *SocialAuth) lookup(op, provider string) (*socialProvider, error) {
	p, ok := s.providers[provider]
	if !ok {
		return nil, model.NewAuthError(model.KindPopupBlocked, op, fmt.Errorf("social provider %q is not configured", provider))
	}
	return p, nil
}

func endpointOr(ep, fallback oauth2.Endpoint) oauth2.Endpoint {
	if ep.AuthURL == "" && ep.TokenURL == "" {
		return fallback
	}
	return ep
}
