package llm

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"crew/pkg/protocol"
)

// Backoff computes retry delays: exponential growth from Base, capped at
// Max, with up to 25% random jitter so concurrent agents do not hammer the
// backend in lockstep.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff matches the agent retry policy defaults.
var DefaultBackoff = Backoff{Base: 2 * time.Second, Max: 30 * time.Second}

// Delay returns the pause before retry attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base << (attempt - 1)
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1)) //nolint:gosec // jitter does not need crypto randomness
	return d + jitter
}

// Transient reports whether err is a backend error worth retrying.
func Transient(err error) bool {
	var be *protocol.BackendError
	if errors.As(err, &be) {
		return be.Transient
	}
	return false
}

// Retry runs fn up to maxAttempts times, sleeping per the backoff schedule
// between transient failures. It returns immediately on success, on a
// non-transient error, or when ctx is done (so a stopping agent is never
// stuck in a retry sleep). The last error is returned after the final
// attempt.
func Retry(ctx context.Context, maxAttempts int, b Backoff, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !Transient(err) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(b.Delay(attempt)):
		}
	}
	return err
}
