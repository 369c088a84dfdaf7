// Package storage はクライアント状態を永続化するキーバリューストアを提供する。
//
// ブラウザの永続ストレージに相当する層で、アクセストークン、明示的ログアウトの
// マーカー、プロフィールのクエリキャッシュなどを保持する。ドライバーは
// JSONファイル、Redis、PostgreSQL、メモリ（テスト用）から選択する。
package storage

import (
	"context"
	"time"
)

// KV はTTL付きのキーバリューストアのインターフェース。
type KV interface {
	// Get は値を取得する。存在しないか期限切れの場合はok=falseを返す。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set は値を保存する。ttlが0以下の場合は期限なし。
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete は値を削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context, key string) error
}

// Sweepable は期限切れエントリの一括削除に対応したストア。
type Sweepable interface {
	// Sweep は期限切れエントリを削除し、削除件数を返す。
	Sweep(ctx context.Context) (int64, error)
}

// entry はファイル・メモリドライバーで保持する1件分のデータ。
type entry struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (e entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func newEntry(value string, ttl time.Duration, now time.Time) entry {
	e := entry{Value: value}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}
	return e
}
