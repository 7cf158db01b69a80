package transport

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// Backoff is a bounded exponential retry schedule.
type Backoff struct {
	Initial     time.Duration
	Max         time.Duration
	Factor      float64
	MaxAttempts int

	// MaxTotal caps the summed wait across all attempts.
	MaxTotal time.Duration
}

// DefaultBackoff suits waiting for a file that a just-launched process writes.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     50 * time.Millisecond,
		Max:         2 * time.Second,
		Factor:      2,
		MaxAttempts: 8,
		MaxTotal:    10 * time.Second,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.Initial
	for i := 0; i < attempt; i++ {
		delay = time.Duration(float64(delay) * b.Factor)
		if b.Max > 0 && delay > b.Max {
			return b.Max
		}
	}
	return delay
}

// ReadFileWithRetry reads path, retrying while it is missing or still empty.
// It returns ErrNotYetAvailable once the attempts or the total wait run out.
func ReadFileWithRetry(ctx context.Context, t Transport, path string, b Backoff) ([]byte, error) {
	attempts := max(b.MaxAttempts, 1)
	var waited time.Duration
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		data, err := ReadFile(t, path)
		switch {
		case err == nil && len(bytes.TrimSpace(data)) > 0:
			return data, nil
		case err == nil:
			lastErr = fmt.Errorf("file is empty")
		case IsNotExist(err):
			lastErr = err
		default:
			return nil, err
		}

		if attempt == attempts-1 {
			break
		}
		delay := b.Delay(attempt)
		if b.MaxTotal > 0 && waited+delay > b.MaxTotal {
			delay = b.MaxTotal - waited
			if delay <= 0 {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		waited += delay
	}
	return nil, &Error{Op: "read", Host: t.Frontend(), Path: path, Err: fmt.Errorf("%w after %s: %w", ErrNotYetAvailable, waited, lastErr)}
}
