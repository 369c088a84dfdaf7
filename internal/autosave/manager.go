package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/security"
)

// ErrDraftNotFound は指定キーの下書きが開かれていない場合のエラー。
var ErrDraftNotFound = errors.New("draft not found")

// Manager は開いている下書きをキーごとに1つずつ保持する。
type Manager struct {
	store     BlogStore
	sanitizer security.ContentSanitizerService
	observer  Observer
	cfg       Config
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	drafts map[string]*Draft
}

// Option はManagerのオプション。
type Option func(*Manager)

// WithObserver は保存結果の通知先を設定する。
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// NewManager はManagerを生成する。
// デバウンス時間が0以下の項目はデフォルト値を使用する。
func NewManager(store BlogStore, sanitizer security.ContentSanitizerService, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.ContentDebounce <= 0 {
		cfg.ContentDebounce = def.ContentDebounce
	}
	if cfg.TitleDebounce <= 0 {
		cfg.TitleDebounce = def.TitleDebounce
	}
	m := &Manager{
		store:     store,
		sanitizer: sanitizer,
		cfg:       cfg,
		logger:    logger,
		drafts:    make(map[string]*Draft),
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// New はサーバーに未保存の新しい下書きを作成する。初回の保存でブログが作成される。
func (m *Manager) New() *Draft {
	key := uuid.NewString()
	d := newDraft(m, key, nil)

	m.mu.Lock()
	m.drafts[key] = d
	m.mu.Unlock()

	m.logger.Debug("新しい下書きを作成しました", slog.String("draft_key", key))
	return d
}

// Open は既存のブログを下書きとして開く。既に開いている場合はそれを返す。
func (m *Manager) Open(ctx context.Context, blogID string) (*Draft, error) {
	m.mu.Lock()
	if d, ok := m.drafts[blogID]; ok {
		m.mu.Unlock()
		return d, nil
	}
	m.mu.Unlock()

	blog, err := m.store.Blog(ctx, blogID)
	if err != nil {
		return nil, fmt.Errorf("load blog %s: %w", blogID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.drafts[blogID]; ok {
		return d, nil
	}
	d := newDraft(m, blogID, blog)
	m.drafts[blogID] = d
	return d, nil
}

// Get は開いている下書きを返す。
func (m *Manager) Get(key string) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[key]
	if !ok {
		return nil, ErrDraftNotFound
	}
	return d, nil
}

// Discard は下書きを閉じる。サーバーのブログは削除しない。
func (m *Manager) Discard(key string) error {
	d, err := m.take(key)
	if err != nil {
		return err
	}
	d.close()
	return nil
}

// Delete は下書きを閉じ、保存済みのブログがあればサーバーからも削除する。
func (m *Manager) Delete(ctx context.Context, key string) error {
	d, err := m.take(key)
	if err != nil {
		return err
	}
	blogID := d.close()
	if blogID == "" {
		return nil
	}
	if err := m.store.DeleteBlog(ctx, blogID); err != nil {
		return fmt.Errorf("delete blog %s: %w", blogID, err)
	}
	m.logger.Info("ブログを削除しました", slog.String("blog_id", blogID))
	return nil
}

func (m *Manager) take(key string) (*Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[key]
	if !ok {
		return nil, ErrDraftNotFound
	}
	delete(m.drafts, key)
	return d, nil
}

// FlushAll は未保存の編集がある全ての下書きを1回ずつ保存する。
// 終了時の最終保存として呼ばれ、ctxの期限内でベストエフォートに実行する。
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	drafts := make([]*Draft, 0, len(m.drafts))
	for _, d := range m.drafts {
		drafts = append(drafts, d)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(drafts))
	for i, d := range drafts {
		wg.Add(1)
		go func(i int, d *Draft) {
			defer wg.Done()
			errs[i] = d.Flush(ctx)
		}(i, d)
	}
	wg.Wait()

	err := errors.Join(errs...)
	if err != nil {
		m.logger.Warn("終了時の下書き保存に失敗しました", slog.String("error", err.Error()))
		return err
	}
	m.logger.Info("下書きを保存しました", slog.Int("draft_count", len(drafts)))
	return nil
}

// Close は全ての下書きの予約中と実行中の保存を取り消す。FlushAllの後に呼ぶ。
func (m *Manager) Close() {
	m.mu.Lock()
	drafts := m.drafts
	m.drafts = make(map[string]*Draft)
	m.mu.Unlock()

	for _, d := range drafts {
		d.close()
	}
	m.cancel()
}

// Snapshots は開いている全ての下書きの状態を返す。
func (m *Manager) Snapshots() []model.BlogDraft {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.BlogDraft, 0, len(m.drafts))
	for _, d := range m.drafts {
		out = append(out, d.Snapshot())
	}
	return out
}
