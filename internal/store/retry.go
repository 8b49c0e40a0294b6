package store

import (
	"context"
	"math/rand"
	"time"
)

const (
	retryAttempts    = 3
	retryBaseBackoff = 200 * time.Millisecond
)

// WithRetry runs op up to three times with jittered exponential backoff,
// for transient store outages. The last error is returned unchanged so the
// caller can map it to a 503.
func WithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	backoff := retryBaseBackoff
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(sleep):
		}
		backoff *= 2
	}
	return err
}
