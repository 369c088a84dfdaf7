package autosave

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/artdesk/internal/backend"
	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/security"
)

// mockStore はBlogStoreのテスト用実装。同時実行数も記録する。
type mockStore struct {
	mu        sync.Mutex
	creates   []backend.BlogInput
	updates   []backend.BlogInput
	updateIDs []string
	deleted   []string
	active    int
	maxActive int

	createFn func(ctx context.Context, in backend.BlogInput) (*model.Blog, error)
	updateFn func(ctx context.Context, id string, in backend.BlogInput) (*model.Blog, error)
	blogFn   func(ctx context.Context, id string) (*model.Blog, error)
}

func (m *mockStore) enter() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active++
	if m.active > m.maxActive {
		m.maxActive = m.active
	}
}

func (m *mockStore) leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active--
}

func (m *mockStore) CreateBlog(ctx context.Context, in backend.BlogInput) (*model.Blog, error) {
	m.enter()
	defer m.leave()
	m.mu.Lock()
	m.creates = append(m.creates, in)
	fn := m.createFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, in)
	}
	return &model.Blog{ID: "blog-1", Title: in.Title, Content: in.Content}, nil
}

func (m *mockStore) UpdateBlog(ctx context.Context, id string, in backend.BlogInput) (*model.Blog, error) {
	m.enter()
	defer m.leave()
	m.mu.Lock()
	m.updates = append(m.updates, in)
	m.updateIDs = append(m.updateIDs, id)
	fn := m.updateFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, id, in)
	}
	return &model.Blog{ID: id, Title: in.Title, Content: in.Content}, nil
}

func (m *mockStore) Blog(ctx context.Context, id string) (*model.Blog, error) {
	if m.blogFn != nil {
		return m.blogFn(ctx, id)
	}
	return &model.Blog{ID: id, Title: "既存", Content: "<p>本文</p>", UpdatedAt: time.Now()}, nil
}

func (m *mockStore) DeleteBlog(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockStore) saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.creates) + len(m.updates)
}

// lastSaved は最後に送られた保存内容を返す。
func (m *mockStore) lastSaved() backend.BlogInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.updates) > 0 {
		return m.updates[len(m.updates)-1]
	}
	if len(m.creates) > 0 {
		return m.creates[len(m.creates)-1]
	}
	return backend.BlogInput{}
}

// mockObserver は保存結果を記録する。
type mockObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *mockObserver) ObserveDraftSave(outcome string, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *mockObserver) count(outcome string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, got := range o.outcomes {
		if got == outcome {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		ContentDebounce: 40 * time.Millisecond,
		TitleDebounce:   15 * time.Millisecond,
	}
}

func newTestManager(t *testing.T, store *mockStore, cfg Config) (*Manager, *mockObserver) {
	t.Helper()
	obs := &mockObserver{}
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	m := NewManager(store, security.NewContentSanitizer(), cfg, logger, WithObserver(obs))
	t.Cleanup(m.Close)
	return m, obs
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for: %s", msg)
}

func statusOf(d *Draft) model.SaveStatus {
	return d.Snapshot().SaveStatus
}
