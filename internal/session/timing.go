package session

import (
	"context"
	"math"
	"time"
)

// Timing は認証フローの待機時間と再試行の設定。
// テストでは短い値を注入する。
type Timing struct {
	// ExternalLoginWait はログインアダプター実行中のイベントが完了を待つ上限。
	ExternalLoginWait time.Duration
	// SignupWait はサインアップ実行中のイベントが完了を待つ上限。
	SignupWait time.Duration

	// ExchangeAttempts はバックエンドとのセッション交換の最大試行回数。
	ExchangeAttempts int
	// ExchangeBaseDelay は再試行の初回遅延。
	ExchangeBaseDelay time.Duration
	// UserNotFoundBaseDelay はユーザー未作成（伝播遅延）時の初回遅延。
	UserNotFoundBaseDelay time.Duration
	// ExchangeMultiplier は再試行ごとの遅延の倍率。
	ExchangeMultiplier float64
	// ExchangeMaxDelay は再試行の遅延の上限。
	ExchangeMaxDelay time.Duration

	// PropagationDelay はトークン保存後、プロフィール取得までの待機。
	PropagationDelay time.Duration
	// DelayedRetry は交換が尽きた後に1回だけ行う再試行までの待機。
	DelayedRetry time.Duration
	// NoUserSettle はIDなし通知を受けてから状態を破棄するまでの猶予。
	NoUserSettle time.Duration
	// SafetyTimeout は初期化が終わらない場合に読み込み中を解除するまでの時間。
	SafetyTimeout time.Duration
}

// DefaultTiming は既定のTimingを返す。
func DefaultTiming() Timing {
	return Timing{
		ExternalLoginWait:     20 * 500 * time.Millisecond,
		SignupWait:            30 * 500 * time.Millisecond,
		ExchangeAttempts:      5,
		ExchangeBaseDelay:     1000 * time.Millisecond,
		UserNotFoundBaseDelay: 2000 * time.Millisecond,
		ExchangeMultiplier:    1.5,
		ExchangeMaxDelay:      8000 * time.Millisecond,
		PropagationDelay:      100 * time.Millisecond,
		DelayedRetry:          1000 * time.Millisecond,
		NoUserSettle:          1500 * time.Millisecond,
		SafetyTimeout:         10 * time.Second,
	}
}

// exchangeBackoff は試行回数（0始まり）に応じた遅延を返す。
// base × multiplier^attempt、最大ExchangeMaxDelay。
func (t Timing) exchangeBackoff(attempt int, base time.Duration) time.Duration {
	d := float64(base) * math.Pow(t.ExchangeMultiplier, float64(attempt))
	if d > float64(t.ExchangeMaxDelay) {
		return t.ExchangeMaxDelay
	}
	return time.Duration(d)
}

// sleep はdだけ待機する。ctxが先に終了した場合はfalseを返す。
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
