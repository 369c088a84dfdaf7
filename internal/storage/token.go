package storage

import (
	"context"
	"fmt"
	"time"
)

// ストレージキー
const (
	// KeyAccessToken はバックエンドのアクセストークンを保持するキー。
	KeyAccessToken = "accessToken"
	// KeyExplicitLogout はログアウト操作中であることを示す短命なマーカーのキー。
	KeyExplicitLogout = "explicitLogout"
	// KeyIdentityRefreshToken はIDプロバイダーのリフレッシュトークンを保持するキー。
	KeyIdentityRefreshToken = "identityRefreshToken"
)

// ExplicitLogoutTTL は明示的ログアウトのマーカーが有効な期間。
const ExplicitLogoutTTL = time.Second

// TokenStore は認証関連のキーを扱うKVのラッパー。
// 書き込みは認証ハンドラーとアダプターのみが行い、
// バックエンドクライアントはリクエストごとに最新値を読む。
type TokenStore struct {
	kv KV
}

// NewTokenStore はTokenStoreを生成する。
func NewTokenStore(kv KV) *TokenStore {
	return &TokenStore{kv: kv}
}

// AccessToken は保存済みのアクセストークンを返す。存在しない場合は空文字列。
func (s *TokenStore) AccessToken(ctx context.Context) (string, error) {
	v, ok, err := s.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	if !ok {
		return "", nil
	}
	return v, nil
}

// HasAccessToken はアクセストークンが保存されているかを返す。読み出しエラーは未保存として扱う。
func (s *TokenStore) HasAccessToken(ctx context.Context) bool {
	tok, err := s.AccessToken(ctx)
	return err == nil && tok != ""
}

// SetAccessToken はアクセストークンを保存する。
func (s *TokenStore) SetAccessToken(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("access token is empty")
	}
	if err := s.kv.Set(ctx, KeyAccessToken, token, 0); err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	return nil
}

// RemoveAccessToken はアクセストークンを削除する。
func (s *TokenStore) RemoveAccessToken(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyAccessToken); err != nil {
		return fmt.Errorf("failed to remove access token: %w", err)
	}
	return nil
}

// MarkExplicitLogout はログアウト操作中のマーカーを1秒間だけ設定する。
func (s *TokenStore) MarkExplicitLogout(ctx context.Context) error {
	if err := s.kv.Set(ctx, KeyExplicitLogout, "true", ExplicitLogoutTTL); err != nil {
		return fmt.Errorf("failed to mark explicit logout: %w", err)
	}
	return nil
}

// ExplicitLogout はマーカーが有効かを返す。
func (s *TokenStore) ExplicitLogout(ctx context.Context) bool {
	v, ok, err := s.kv.Get(ctx, KeyExplicitLogout)
	return err == nil && ok && v == "true"
}

// ClearExplicitLogout はマーカーを削除する。
func (s *TokenStore) ClearExplicitLogout(ctx context.Context) error {
	return s.kv.Delete(ctx, KeyExplicitLogout)
}

// RefreshToken はIDプロバイダーのリフレッシュトークンを返す。存在しない場合は空文字列。
func (s *TokenStore) RefreshToken(ctx context.Context) (string, error) {
	v, ok, err := s.kv.Get(ctx, KeyIdentityRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}
	if !ok {
		return "", nil
	}
	return v, nil
}

// SetRefreshToken はIDプロバイダーのリフレッシュトークンを保存する。
func (s *TokenStore) SetRefreshToken(ctx context.Context, token string) error {
	if err := s.kv.Set(ctx, KeyIdentityRefreshToken, token, 0); err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	return nil
}

// RemoveRefreshToken はIDプロバイダーのリフレッシュトークンを削除する。
func (s *TokenStore) RemoveRefreshToken(ctx context.Context) error {
	if err := s.kv.Delete(ctx, KeyIdentityRefreshToken); err != nil {
		return fmt.Errorf("failed to remove refresh token: %w", err)
	}
	return nil
}
