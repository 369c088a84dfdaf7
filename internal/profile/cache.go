// Package profile はプロフィール取得の読み取りキャッシュを提供する。
// UIからの参照のみに使い、セッションの検証はキャッシュを経由しない。
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/storage"
)

// DefaultTTL はキャッシュの最大保持期間。
const DefaultTTL = 2 * time.Minute

const keyPrefix = "profile:"

// Fetcher はプロフィールの取得元。
type Fetcher interface {
	Profile(ctx context.Context, userID string) (*model.User, error)
}

// Cache はKVストア上のプロフィールキャッシュ。
type Cache struct {
	kv      storage.KV
	fetcher Fetcher
	ttl     time.Duration
}

// NewCache はCacheを生成する。ttlが0以下の場合はDefaultTTLを使う。
func NewCache(kv storage.KV, fetcher Fetcher, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{kv: kv, fetcher: fetcher, ttl: ttl}
}

// Get はキャッシュからプロフィールを返す。存在しない場合は取得してキャッシュする。
func (c *Cache) Get(ctx context.Context, userID string) (*model.User, error) {
	if raw, ok, err := c.kv.Get(ctx, keyPrefix+userID); err != nil {
		slog.Warn("プロフィールキャッシュの読み出しに失敗しました",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if ok {
		var u model.User
		if err := json.Unmarshal([]byte(raw), &u); err == nil {
			return &u, nil
		}
	}

	u, err := c.fetcher.Profile(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.Put(ctx, u)
	return u, nil
}

// Put はプロフィールをキャッシュに保存する。失敗はログのみ。
func (c *Cache) Put(ctx context.Context, u *model.User) {
	if u == nil || u.ID == "" {
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := c.kv.Set(ctx, keyPrefix+u.ID, string(data), c.ttl); err != nil {
		slog.Warn("プロフィールキャッシュの保存に失敗しました",
			slog.String("user_id", u.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Invalidate はユーザーのキャッシュを破棄する。
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if err := c.kv.Delete(ctx, keyPrefix+userID); err != nil {
		return fmt.Errorf("failed to invalidate profile cache: %w", err)
	}
	return nil
}
