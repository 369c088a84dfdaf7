// Package autosave はブログ下書きの自動保存を提供する。
//
// 編集のたびにデバウンスした保存を予約し、保存中に届いた編集は記録しておいて
// 保存完了後に1回だけ追加の保存を行う。保存リクエストは同時に1つだけ実行される。
package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/artdesk/internal/backend"
	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/security"
)

// ErrDraftClosed は削除済みの下書きを操作した場合のエラー。
var ErrDraftClosed = errors.New("draft is closed")

// ErrEmptyTitle はタイトルなしで公開しようとした場合のエラー。
var ErrEmptyTitle = errors.New("title is required to publish")

// BlogStore はブログの保存先。backend.Clientが実装する。
type BlogStore interface {
	CreateBlog(ctx context.Context, in backend.BlogInput) (*model.Blog, error)
	Blog(ctx context.Context, id string) (*model.Blog, error)
	UpdateBlog(ctx context.Context, id string, in backend.BlogInput) (*model.Blog, error)
	DeleteBlog(ctx context.Context, id string) error
}

// Observer は保存結果を受け取る。メトリクス収集に使う。
type Observer interface {
	ObserveDraftSave(outcome string, d time.Duration)
}

// 保存結果の分類
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeAborted = "aborted"
)

// Config はデバウンス時間の設定。
type Config struct {
	ContentDebounce time.Duration
	TitleDebounce   time.Duration
}

// DefaultConfig は本文2秒、タイトル800ミリ秒のデバウンス設定を返す。
func DefaultConfig() Config {
	return Config{
		ContentDebounce: 2 * time.Second,
		TitleDebounce:   800 * time.Millisecond,
	}
}

// Draft は1件のブログ下書きの自動保存を調停する。
type Draft struct {
	key       string
	store     BlogStore
	sanitizer security.ContentSanitizerService
	observer  Observer
	cfg       Config
	logger    *slog.Logger
	base      context.Context
	now       func() time.Time

	mu    sync.Mutex
	state model.BlogDraft
	// rev は編集ごとに増える。savedRevは直近に保存が成功した時点のrev。
	rev      uint64
	savedRev uint64

	timer    *time.Timer
	timerGen uint64

	inFlight   bool
	pending    bool
	saveGen    uint64
	cancelSave context.CancelFunc

	dialogOpen bool
	closed     bool
}

func newDraft(m *Manager, key string, blog *model.Blog) *Draft {
	d := &Draft{
		key:       key,
		store:     m.store,
		sanitizer: m.sanitizer,
		observer:  m.observer,
		cfg:       m.cfg,
		logger:    m.logger.With(slog.String("draft_key", key)),
		base:      m.ctx,
		now:       time.Now,
		state: model.BlogDraft{
			Key:        key,
			Images:     []string{},
			SaveStatus: model.SaveStatusSaved,
		},
	}
	if blog != nil {
		d.state.BlogID = blog.ID
		d.state.Title = blog.Title
		d.state.Content = blog.Content
		d.state.IsPublished = blog.IsPublished
		if blog.Images != nil {
			d.state.Images = blog.Images
		}
		saved := blog.UpdatedAt
		if !saved.IsZero() {
			d.state.LastSaved = &saved
		}
	}
	return d
}

// Key は下書きのキーを返す。
func (d *Draft) Key() string {
	return d.key
}

// Snapshot は下書きの現在の状態を返す。
func (d *Draft) Snapshot() model.BlogDraft {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state
	st.Images = append([]string(nil), d.state.Images...)
	return st
}

// EditContent は本文を更新し、本文用のデバウンスで保存を予約する。
func (d *Draft) EditContent(content string) error {
	return d.edit(d.cfg.ContentDebounce, func(st *model.BlogDraft) {
		st.Content = content
		st.Images = security.ExtractImageURLs(d.sanitizer.Sanitize(content))
	})
}

// EditTitle はタイトルを更新し、タイトル用のデバウンスで保存を予約する。
func (d *Draft) EditTitle(title string) error {
	return d.edit(d.cfg.TitleDebounce, func(st *model.BlogDraft) {
		st.Title = title
	})
}

func (d *Draft) edit(delay time.Duration, fn func(st *model.BlogDraft)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDraftClosed
	}

	fn(&d.state)
	d.rev++

	if d.inFlight {
		// 保存完了後に1回だけ追加保存する
		d.pending = true
		return nil
	}
	d.state.SaveStatus = model.SaveStatusUnsaved
	if !d.dialogOpen {
		d.scheduleLocked(delay)
	}
	return nil
}

// SetDialogOpen は確認ダイアログの開閉を通知する。
// 開いている間は予約中の保存を取り消し、実行中の保存も中断する。閉じたら未保存分を予約し直す。
func (d *Draft) SetDialogOpen(open bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || d.dialogOpen == open {
		return
	}
	d.dialogOpen = open

	if open {
		d.stopTimerLocked()
		d.abortLocked()
		return
	}
	if d.dirtyLocked() && !d.inFlight {
		d.scheduleLocked(d.cfg.ContentDebounce)
	}
}

// Publish は予約中と実行中の保存を打ち切り、公開状態で直ちに保存する。
func (d *Draft) Publish(ctx context.Context) (model.BlogDraft, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return model.BlogDraft{}, ErrDraftClosed
	}
	if strings.TrimSpace(d.state.Title) == "" {
		d.mu.Unlock()
		return model.BlogDraft{}, ErrEmptyTitle
	}
	wasPublished := d.state.IsPublished
	d.state.IsPublished = true
	d.rev++
	d.mu.Unlock()

	if err := d.saveNow(ctx); err != nil {
		d.mu.Lock()
		d.state.IsPublished = wasPublished
		d.mu.Unlock()
		return d.Snapshot(), err
	}
	return d.Snapshot(), nil
}

// Flush は未保存の編集があれば直ちに1回だけ保存する。終了時の最終保存に使う。
func (d *Draft) Flush(ctx context.Context) error {
	d.mu.Lock()
	dirty := !d.closed && d.dirtyLocked()
	d.mu.Unlock()
	if !dirty {
		return nil
	}
	return d.saveNow(ctx)
}

// close は下書きを閉じ、予約中と実行中の保存を取り消す。
func (d *Draft) close() (blogID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.stopTimerLocked()
	d.abortLocked()
	return d.state.BlogID
}

func (d *Draft) dirtyLocked() bool {
	return d.rev != d.savedRev
}

func (d *Draft) scheduleLocked(delay time.Duration) {
	d.stopTimerLocked()
	gen := d.timerGen
	d.timer = time.AfterFunc(delay, func() { d.fire(gen) })
}

func (d *Draft) stopTimerLocked() {
	d.timerGen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// abortLocked は実行中の保存をキャンセルする。結果はsaveGenの不一致で破棄される。
func (d *Draft) abortLocked() {
	if !d.inFlight {
		return
	}
	d.cancelSave()
	d.saveGen++
	d.inFlight = false
	d.pending = false
	if d.dirtyLocked() {
		d.state.SaveStatus = model.SaveStatusUnsaved
	}
}

// fire はデバウンスの満了で呼ばれる。
func (d *Draft) fire(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.timerGen || d.closed || d.dialogOpen {
		return
	}
	d.timer = nil
	if d.inFlight {
		d.pending = true
		return
	}
	if !d.dirtyLocked() {
		return
	}
	d.startLocked(d.base)
}

// startLocked は保存をバックグラウンドで開始する。
func (d *Draft) startLocked(parent context.Context) {
	ctx, gen, in, rev := d.beginLocked(parent)
	go d.run(ctx, gen, in, rev)
}

// beginLocked は保存1回分の状態を確定させる。
func (d *Draft) beginLocked(parent context.Context) (context.Context, uint64, saveInput, uint64) {
	d.abortLocked()
	ctx, cancel := context.WithCancel(parent)
	d.saveGen++
	d.cancelSave = cancel
	d.inFlight = true
	d.pending = false
	d.state.SaveStatus = model.SaveStatusSaving

	in := saveInput{
		blogID: d.state.BlogID,
		blog: backend.BlogInput{
			Title:       d.state.Title,
			Content:     d.sanitizer.Sanitize(d.state.Content),
			IsPublished: d.state.IsPublished,
		},
	}
	in.blog.Images = security.ExtractImageURLs(in.blog.Content)
	if in.blog.Images == nil {
		in.blog.Images = []string{}
	}
	return ctx, d.saveGen, in, d.rev
}

type saveInput struct {
	blogID string
	blog   backend.BlogInput
}

// saveNow は予約中の保存を取り消し、呼び出し元のctxで同期的に保存する。
func (d *Draft) saveNow(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDraftClosed
	}
	d.stopTimerLocked()
	sctx, gen, in, rev := d.beginLocked(ctx)
	d.mu.Unlock()

	return d.run(sctx, gen, in, rev)
}

// run は保存リクエストを実行し、結果を状態に反映する。
func (d *Draft) run(ctx context.Context, gen uint64, in saveInput, rev uint64) error {
	start := time.Now()

	var blog *model.Blog
	var err error
	if in.blogID == "" {
		blog, err = d.store.CreateBlog(ctx, in.blog)
	} else {
		blog, err = d.store.UpdateBlog(ctx, in.blogID, in.blog)
	}
	elapsed := time.Since(start)

	d.mu.Lock()
	defer d.mu.Unlock()

	if gen != d.saveGen {
		// 新しい保存に置き換えられたか、中断された
		d.observe(OutcomeAborted, elapsed)
		if err == nil && blog != nil && d.state.BlogID == "" {
			d.state.BlogID = blog.ID
		}
		return context.Canceled
	}
	d.inFlight = false
	aborted := ctx.Err() != nil
	d.cancelSave()

	if err != nil {
		if aborted {
			d.observe(OutcomeAborted, elapsed)
			d.state.SaveStatus = model.SaveStatusUnsaved
			return err
		}
		d.observe(OutcomeError, elapsed)
		d.logger.Warn("下書きの保存に失敗しました",
			slog.String("blog_id", in.blogID),
			slog.String("kind", model.KindOf(err).String()),
			slog.String("error", err.Error()),
		)
		d.state.SaveStatus = model.SaveStatusError
		if d.pending {
			d.state.SaveStatus = model.SaveStatusUnsaved
			d.followUpLocked()
		}
		return fmt.Errorf("save draft %s: %w", d.key, err)
	}

	d.observe(OutcomeSuccess, elapsed)
	if blog != nil && blog.ID != "" {
		d.state.BlogID = blog.ID
	}
	now := d.now()
	d.state.LastSaved = &now
	if rev > d.savedRev {
		d.savedRev = rev
	}

	if d.dirtyLocked() {
		d.state.SaveStatus = model.SaveStatusUnsaved
		d.followUpLocked()
		return nil
	}
	d.state.SaveStatus = model.SaveStatusSaved
	d.logger.Debug("下書きを保存しました", slog.String("blog_id", d.state.BlogID))
	return nil
}

// followUpLocked は保存中に届いた編集を1回の保存にまとめて送る。
func (d *Draft) followUpLocked() {
	d.pending = false
	if d.closed || d.dialogOpen || d.timer != nil {
		return
	}
	d.startLocked(d.base)
}

func (d *Draft) observe(outcome string, elapsed time.Duration) {
	if d.observer != nil {
		d.observer.ObserveDraftSave(outcome, elapsed)
	}
}
