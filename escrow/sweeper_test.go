package escrow

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestSweeperExpiresStaleSessions(t *testing.T) {
	f := newTestFixture(t)
	session := f.quote(t)
	f.advance(11 * time.Minute)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sweeper := NewSweeper(f.engine, 5*time.Millisecond, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sweeper.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := f.engine.GetSession(session.SessionID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if got.Status == StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session not expired by sweeper, status = %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}

func TestSweeperIntervalDefault(t *testing.T) {
	sweeper := NewSweeper(nil, 0, nil)
	if sweeper.interval != DefaultSweepInterval {
		t.Fatalf("interval = %v, want %v", sweeper.interval, DefaultSweepInterval)
	}
	if sweeper.logger == nil {
		t.Fatal("nil logger not defaulted")
	}
}
