package session

import (
	"context"
	"sync"
	"time"
)

// flowKind は排他対象の認証フローの種類。
type flowKind int

const (
	// flowSignup はサインアップアダプターが実行中。
	flowSignup flowKind = iota
	// flowExternalLogin はログインアダプター（メール・ソーシャル）が実行中。
	flowExternalLogin
)

func (k flowKind) String() string {
	switch k {
	case flowSignup:
		return "signup"
	case flowExternalLogin:
		return "external_login"
	}
	return "unknown"
}

// flowState は実行中のフロー。同種のフローが重なった場合は全て終わるまでdoneを閉じない。
type flowState struct {
	count int
	done  chan struct{}
}

// flows は実行中の認証フローの登録簿。
// イベント処理側はwaitでフローの完了を待ち、ポーリングは行わない。
type flows struct {
	mu     sync.Mutex
	active map[flowKind]*flowState
}

func newFlows() *flows {
	return &flows{active: make(map[flowKind]*flowState)}
}

// begin はフローの開始を登録し、終了を通知する関数を返す。返り値は複数回呼んでもよい。
func (f *flows) begin(k flowKind) (end func()) {
	f.mu.Lock()
	st, ok := f.active[k]
	if !ok {
		st = &flowState{done: make(chan struct{})}
		f.active[k] = st
	}
	st.count++
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			st.count--
			if st.count == 0 {
				close(st.done)
				if f.active[k] == st {
					delete(f.active, k)
				}
			}
		})
	}
}

// inProgress はフローが実行中かを返す。
func (f *flows) inProgress(k flowKind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[k]
	return ok
}

// wait はフローの完了を待つ。実行中でなければ即座にtrueを返す。
// ceilingの経過またはctxの終了で待機を打ち切った場合はfalseを返す。
func (f *flows) wait(ctx context.Context, k flowKind, ceiling time.Duration) bool {
	f.mu.Lock()
	st, ok := f.active[k]
	f.mu.Unlock()
	if !ok {
		return true
	}

	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	select {
	case <-st.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
