package fetcher

import (
	"context"
	"time"

	"github.com/tanq16/aimlfetch/internal/utils"
)

// SleepFunc waits out a backoff delay or returns early when ctx is done.
// Tests inject fakes to run the retry loop without real time passing.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy bounds pipeline attempts. The delay after the Nth failed
// attempt is BaseDelay doubled N-1 times.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Sleep       SleepFunc
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: utils.DefaultRetryAttempts,
		BaseDelay:   utils.DefaultRetryDelay,
		Sleep:       sleepContext,
	}
}

// Backoff returns the delay to wait after the given 1-based failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return p.BaseDelay * time.Duration(1<<(attempt-1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
