package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/carscout/carscout/internal/ratelimit"
)

func newTestSession() *Session {
	return NewSession("123456:token", "", 5*time.Minute, ratelimit.New(100, time.Minute))
}

func TestSessionStartsDisconnected(t *testing.T) {
	s := newTestSession()
	if s.State() != StateDisconnected {
		t.Errorf("initial state = %s, want %s", s.State(), StateDisconnected)
	}
}

func TestSessionNotReadyBeforeConnect(t *testing.T) {
	s := newTestSession()
	select {
	case <-s.Ready():
		t.Fatal("session reported ready before connecting")
	default:
	}
}

func TestSuspendOnRetryAfter(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		suspended bool
	}{
		{"flood control with retry_after", errors.New("too many requests: retry_after 30"), true},
		{"retry after with colon", errors.New("retry after: 15"), true},
		{"unrelated error", errors.New("chat not found"), false},
		{"zero seconds", errors.New("retry_after 0"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSession()
			s.suspendOnRetryAfter(tt.err)

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
			defer cancel()
			err := s.limiter.Acquire(ctx)

			if tt.suspended && err == nil {
				t.Error("expected limiter to be suspended")
			}
			if !tt.suspended && err != nil {
				t.Errorf("limiter unexpectedly suspended: %v", err)
			}
		})
	}
}

func TestCatchUpNeverBlocks(t *testing.T) {
	s := newTestSession()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			if err := s.CatchUp(context.Background()); err != nil {
				t.Errorf("catch-up: %v", err)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("CatchUp blocked with no active poll cycle")
	}
}
