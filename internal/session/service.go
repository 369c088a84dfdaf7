// Package session はアプリケーションに1つだけ存在するセッションを管理する。
// IDプロバイダーのサインイン状態の変化を1本のゴルーチンで順に処理し、
// バックエンドのアクセストークンとユーザー情報を確定させる。
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/artdesk/internal/identity"
	"github.com/hitoshi/artdesk/internal/model"
	"github.com/hitoshi/artdesk/internal/storage"
)

// Backend はセッションが使用するバックエンドAPI。
type Backend interface {
	Login(ctx context.Context, idToken string) (string, error)
	Register(ctx context.Context, idToken string) (string, error)
	Signout(ctx context.Context) error
	VerifyToken(ctx context.Context) (*model.User, error)
	ForgotPassword(ctx context.Context, email string) error
	Profile(ctx context.Context, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, upd model.ProfileUpdate) (*model.User, error)
}

// ProfileCache はUI向けプロフィールキャッシュ。セッションは更新と破棄のみ行う。
type ProfileCache interface {
	Put(ctx context.Context, u *model.User)
	Invalidate(ctx context.Context, userID string) error
}

// Observer は認証イベントを受け取る。メトリクス収集に使う。
type Observer interface {
	ObserveAuthEvent(event string)
	ObserveExchangeAttempt(outcome string)
}

// Service はセッションサービス。起動時に1つ生成し、各コンポーネントに注入する。
type Service struct {
	provider identity.Provider
	backend  Backend
	tokens   *storage.TokenStore
	cache    ProfileCache
	observer Observer
	timing   Timing

	flows    *flows
	exchange singleflight.Group

	initialized            atomic.Bool
	authenticatedInSession atomic.Bool

	// notifyMu は状態変更と購読者への通知の順序を直列化する。subsも保護する。
	notifyMu sync.Mutex
	subs     map[int]func(model.SessionState)
	nextSub  int

	// mu はstate・epoch・ログアウト状態を保護する。
	mu          sync.RWMutex
	state       model.SessionState
	loggingOut  bool
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc

	queueMu sync.Mutex
	queue   []queuedEvent
	wake    chan struct{}

	unsubscribe func()
	stop        context.CancelFunc
	done        chan struct{}
	safety      *time.Timer
}

// queuedEvent はIDプロバイダーからの通知1件。
type queuedEvent struct {
	user *identity.User
}

// Option はServiceのオプション。
type Option func(*Service)

// WithTiming は待機時間の設定を差し替える。
func WithTiming(t Timing) Option {
	return func(s *Service) { s.timing = t }
}

// WithProfileCache はプロフィールキャッシュを設定する。
func WithProfileCache(c ProfileCache) Option {
	return func(s *Service) { s.cache = c }
}

// WithObserver は認証イベントの通知先を設定する。
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

// NewService はServiceを生成する。初期状態は読み込み中。
func NewService(provider identity.Provider, backend Backend, tokens *storage.TokenStore, opts ...Option) *Service {
	s := &Service{
		provider: provider,
		backend:  backend,
		tokens:   tokens,
		timing:   DefaultTiming(),
		flows:    newFlows(),
		subs:     make(map[int]func(model.SessionState)),
		state:    model.SessionState{Loading: true},
		wake:     make(chan struct{}, 1),
	}
	s.epochCtx, s.epochCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start はIDプロバイダーの購読とイベント処理を開始し、保存済みのサインイン状態を復元する。
func (s *Service) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.consume(ctx)

	s.safety = time.AfterFunc(s.timing.SafetyTimeout, func() {
		if s.initialized.Load() {
			return
		}
		slog.Warn("セッションの初期化がタイムアウトしました。読み込み中を解除します",
			slog.Duration("timeout", s.timing.SafetyTimeout),
		)
		s.update(func(st *model.SessionState) { st.Loading = false })
	})

	s.unsubscribe = s.provider.Subscribe(s.enqueue)

	go func() {
		if err := s.provider.Restore(ctx); err != nil {
			slog.Warn("サインイン状態の復元に失敗しました",
				slog.String("kind", model.KindOf(err).String()),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Stop は購読を解除し、イベント処理の終了を待つ。
func (s *Service) Stop() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.safety != nil {
		s.safety.Stop()
	}
	s.mu.Lock()
	s.epochCancel()
	s.mu.Unlock()
	if s.stop != nil {
		s.stop()
		<-s.done
	}
}

// Snapshot は現在のセッション状態を返す。
// ログアウト処理中はユーザー関連の値を未ログインとして返す。
func (s *Service) Snapshot() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() model.SessionState {
	st := s.state
	if st.User != nil {
		u := *st.User
		st.User = &u
	}
	if s.loggingOut {
		st.User = nil
		st.IsAuthenticated = false
		st.IsOnboarded = false
	}
	return st
}

// Subscribe はセッション状態の変化を購読する。fnはブロックしてはならない。
func (s *Service) Subscribe(fn func(model.SessionState)) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn

	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.subs, id)
	}
}

// enqueue はIDプロバイダーの通知をキューに積む。プロバイダーのロック内から呼ばれるため待機しない。
func (s *Service) enqueue(u *identity.User) {
	s.queueMu.Lock()
	s.queue = append(s.queue, queuedEvent{user: u})
	s.queueMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// consume はキューの通知を1件ずつ順に処理する。
func (s *Service) consume(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			if ctx.Err() != nil {
				return
			}
			s.handle(ev)
		}
	}
}

func (s *Service) handle(ev queuedEvent) {
	ectx, ep := s.currentEpoch()
	if ev.user != nil {
		s.observe("identity_user")
		s.handleIdentityUser(ectx, ep, ev.user)
		return
	}
	s.observe("no_identity_user")
	s.handleNoIdentityUser(ectx, ep)
}

// currentEpoch は現在の世代とそのコンテキストを返す。ログアウトで世代が進むとコンテキストはキャンセルされる。
func (s *Service) currentEpoch() (context.Context, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochCtx, s.epoch
}

// bindEpoch は呼び出し元のctxを現在の世代に結び付ける。ログアウトでキャンセルされる。
func (s *Service) bindEpoch(ctx context.Context) (context.Context, uint64, context.CancelFunc) {
	ectx, ep := s.currentEpoch()
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(ectx, cancel)
	return ctx, ep, func() {
		stop()
		cancel()
	}
}

// commit は世代が変わっていない場合にだけfnを実行する。ログアウトと排他的に実行される。
func (s *Service) commit(ep uint64, fn func() error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != ep {
		return false, nil
	}
	return true, fn()
}

// update は状態を変更し、購読者へ通知する。
func (s *Service) update(fn func(st *model.SessionState)) {
	s.updateIf(0, false, fn)
}

// updateIf はcheckEpochがtrueの場合、世代がepと一致するときだけ状態を変更する。
func (s *Service) updateIf(ep uint64, checkEpoch bool, fn func(st *model.SessionState)) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if checkEpoch && s.epoch != ep {
		s.mu.Unlock()
		return false
	}
	fn(&s.state)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	for _, fn := range s.subs {
		fn(snap)
	}
	return true
}

// settle はイベント処理の結果を状態に反映する。世代が変わっていれば破棄する。
func (s *Service) settle(ep uint64, u *model.User, errMsg string) bool {
	applied := s.updateIf(ep, true, func(st *model.SessionState) {
		st.User = u
		st.IsAuthenticated = u != nil
		st.IsOnboarded = u.Onboarded()
		st.Loading = false
		st.Error = errMsg
	})
	if !applied {
		slog.Debug("ログアウト後のため認証結果を破棄しました")
		return false
	}
	s.initialized.Store(true)
	s.authenticatedInSession.Store(u != nil)
	if u != nil && s.cache != nil {
		s.cache.Put(s.epochContext(), u)
	}
	return true
}

// exchangeDo はバックエンドとのトークン交換を操作とUIDと世代ごとに1つだけ実行する。
// 交換は世代のコンテキストで実行されるため、呼び出し元が待つのをやめても
// 同じ交換を共有している他の呼び出しは影響を受けない。
func (s *Service) exchangeDo(ctx context.Context, ep uint64, key string, fn func(ctx context.Context) (string, error)) (string, error) {
	ectx, cur := s.currentEpoch()
	if cur != ep {
		return "", model.NewAuthError(model.KindCanceled, "session.exchange", errLoggedOut)
	}
	ch := s.exchange.DoChan(fmt.Sprintf("%s:%d", key, ep), func() (any, error) {
		return fn(ectx)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", model.NewAuthError(model.KindCanceled, "session.exchange", ctx.Err())
	}
}

// logoutPending はログアウト処理中かどうかを返す。
func (s *Service) logoutPending() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggingOut
}

func (s *Service) epochContext() context.Context {
	ctx, _ := s.currentEpoch()
	return ctx
}

func (s *Service) observe(event string) {
	if s.observer != nil {
		s.observer.ObserveAuthEvent(event)
	}
}

func (s *Service) observeExchange(outcome string) {
	if s.observer != nil {
		s.observer.ObserveExchangeAttempt(outcome)
	}
}
