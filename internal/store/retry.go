package store

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Backoff controls how often a registry connection is retried.
type Backoff struct {
	Attempts int           // total attempts including the first; default 5
	Initial  time.Duration // delay before the first retry; default 250ms
	Max      time.Duration // delay cap; default 5s
	Jitter   float64       // ± fraction of each delay
}

// DefaultBackoff suits a database that may still be starting up.
func DefaultBackoff() Backoff {
	return Backoff{Attempts: 5, Initial: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: 0.2}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// delay returns the wait before retry number attempt (0-based), doubling each time.
func (b Backoff) delay(attempt int) time.Duration {
	d := float64(b.Initial) * math.Pow(2, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * d * b.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// retryable reports whether a connection error may clear on its own. Errors
// reported by the server itself (bad credentials, unknown database) do not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	return !errors.As(err, &pgErr)
}

// withRetry calls fn until it succeeds, fails permanently, or attempts run out.
func withRetry(ctx context.Context, b Backoff, op string, fn func(context.Context) error) error {
	b = b.withDefaults()

	var err error
	for attempt := 0; attempt < b.Attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt == b.Attempts-1 {
			return err
		}

		wait := b.delay(attempt)
		zap.L().Warn("store: retrying",
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
