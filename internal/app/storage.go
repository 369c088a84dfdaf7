package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/artdesk/internal/config"
	"github.com/hitoshi/artdesk/internal/database"
	"github.com/hitoshi/artdesk/internal/handler"
	"github.com/hitoshi/artdesk/internal/storage"
)

// pingFunc はhandler.HealthCheckerを関数で実装する。
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// storageHandle は設定されたドライバーで開いたストレージ。
type storageHandle struct {
	kv        storage.KV
	sweepable storage.Sweepable // 期限切れを自分で消せないストアのみ
	health    handler.HealthChecker
	close     func()
}

// openStorage はSTORAGE_DRIVERに応じてトークンとキャッシュのストアを開く。
func openStorage(ctx context.Context, cfg *config.Config) (*storageHandle, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverRedis:
		store, rdb, err := storage.OpenRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		slog.Info("redis storage connected")
		return &storageHandle{
			kv:     store,
			health: pingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
			close:  func() { rdb.Close() },
		}, nil

	case config.StorageDriverPostgres:
		db, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		slog.Info("database connection established")
		store := storage.NewPostgresStore(db)
		return &storageHandle{
			kv:        store,
			sweepable: store,
			health:    pingFunc(db.PingContext),
			close:     func() { db.Close() },
		}, nil

	case config.StorageDriverFile:
		store, err := storage.OpenFileStore(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open storage file: %w", err)
		}
		slog.Info("file storage opened", slog.String("path", cfg.StoragePath))
		return &storageHandle{
			kv:        store,
			sweepable: store,
			close:     func() {},
		}, nil
	}
	return nil, fmt.Errorf("unsupported storage driver: %q", cfg.StorageDriver)
}
