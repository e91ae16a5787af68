// Package backoff turns repeated failures into random exponential delays.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Config controls Retry. Report, if non-nil, sees every failure and may
// return a non-nil error to stop retrying.
type Config struct {
	Report  func(error) error
	MinWait time.Duration
	MaxWait time.Duration
}

// Retry calls try until it succeeds, Report aborts, or ctx is done.
func (c Config) Retry(ctx context.Context, try func() error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	backoff := c.MinWait
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	for {
		before := time.Now()
		err := try()
		if err == nil {
			return nil
		}
		elapsed := time.Since(before)

		if c.Report != nil {
			if err := c.Report(err); err != nil {
				return err
			}
		}

		// the duration of the last attempt is the floor
		if backoff <= elapsed {
			backoff = elapsed
		}
		backoff += time.Duration(rand.Int63n(int64(backoff) + 1))
		if c.MaxWait > 0 && backoff > c.MaxWait {
			backoff = c.MaxWait
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
}
