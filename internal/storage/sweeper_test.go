package storage

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type mockSweepable struct {
	calls int
	n     int64
	err   error
}

func (m *mockSweepable) Sweep(ctx context.Context) (int64, error) {
	m.calls++
	return m.n, m.err
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func TestSweeper_Run_CallsSweep(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockSweepable{n: 3}
	j := NewSweeper(mock, newTestLogger(&buf))

	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}
	if mock.calls != 1 {
		t.Errorf("Sweep calls = %d, want 1", mock.calls)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"deleted_count":3`)) {
		t.Errorf("ログに削除件数が含まれていない: %s", buf.String())
	}
}

func TestSweeper_Run_PropagatesError(t *testing.T) {
	var buf bytes.Buffer
	boom := errors.New("db down")
	j := NewSweeper(&mockSweepable{err: boom}, newTestLogger(&buf))

	err := j.Run(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped %v", err, boom)
	}
}

func TestSweeper_Start_StopsOnCancel(t *testing.T) {
	var buf bytes.Buffer
	mock := &mockSweepable{}
	j := NewSweeper(mock, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
