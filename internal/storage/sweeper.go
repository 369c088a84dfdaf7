package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Sweeper は期限切れエントリの定期削除ジョブ。
// 明示的ログアウトのマーカーやプロフィールキャッシュなど短命なエントリが
// ストアに溜まり続けないようにする。
type Sweeper struct {
	store  Sweepable
	logger *slog.Logger
}

// NewSweeper は新しいSweeperを生成する。
func NewSweeper(store Sweepable, logger *slog.Logger) *Sweeper {
	return &Sweeper{store: store, logger: logger}
}

// Run は期限切れエントリを1回削除する。
func (j *Sweeper) Run(ctx context.Context) error {
	start := time.Now()

	n, err := j.store.Sweep(ctx)
	if err != nil {
		j.logger.Error("ストレージのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("ストレージのクリーンアップに失敗: %w", err)
	}

	j.logger.Debug("ストレージのクリーンアップが完了しました",
		slog.Int64("deleted_count", n),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はintervalごとにRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
