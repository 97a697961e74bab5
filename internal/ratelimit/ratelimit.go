package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates every outbound request to the upstream network. It combines
// a token bucket sized to the configured quota with an explicit suspension
// honoring upstream "retry after N seconds" signals: while suspended, every
// Acquire stalls until the mandated deadline regardless of bucket state.
type Limiter struct {
	bucket *rate.Limiter

	mu             sync.Mutex
	suspendedUntil time.Time
	resumed        chan struct{}
}

// New builds a limiter allowing quota requests per window. Burst equals the
// quota so a cold start can subscribe a full channel list without waiting.
func New(quota int, window time.Duration) *Limiter {
	if quota < 1 {
		quota = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		bucket:  rate.NewLimiter(rate.Limit(float64(quota)/window.Seconds()), quota),
		resumed: closedChan(),
	}
}

// Acquire blocks until a request slot is available or ctx is done.
// Waiters are served in FIFO order by the underlying token bucket, so
// concurrent callers from the registry and the reconnect path cannot
// starve each other.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if err := l.waitSuspension(ctx); err != nil {
			return err
		}
		if err := l.bucket.Wait(ctx); err != nil {
			return err
		}
		if !l.suspended() {
			return nil
		}
		// A suspension arrived while this caller was parked in the bucket;
		// go around and stall for it.
	}
}

func (l *Limiter) waitSuspension(ctx context.Context) error {
	for {
		l.mu.Lock()
		wait := time.Until(l.suspendedUntil)
		resumed := l.resumed
		l.mu.Unlock()

		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-resumed:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (l *Limiter) suspended() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Now().Before(l.suspendedUntil)
}

// SuspendFor honors an upstream retry-after signal: all acquisitions stall
// for at least d. A longer suspension already in effect is kept.
func (l *Limiter) SuspendFor(d time.Duration) {
	if d <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(l.suspendedUntil) {
		l.suspendedUntil = until
		l.resumed = make(chan struct{})
		slog.Warn("Rate limiter suspended by upstream", "retry_after", d)
	}
}

// Resume lifts any active suspension, e.g. after a successful reconnect.
func (l *Limiter) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Now().Before(l.suspendedUntil) {
		slog.Info("Rate limiter resumed")
	}
	l.suspendedUntil = time.Time{}
	select {
	case <-l.resumed:
	default:
		close(l.resumed)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
