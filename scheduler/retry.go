package scheduler

import (
	"math"
	"time"

	stagemachine "github.com/goliatone/go-stagemachine"
)

// RetryStrategy encapsulates the delay between retries of a failed advance.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// NoDelayStrategy retries immediately.
type NoDelayStrategy struct{}

func (NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy waits Base * Factor^attempt, capped at Max.
//
//	WithRetry(3, ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	})
type ExponentialBackoffStrategy struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	// clamp before converting, a float above MaxInt64 converts to a negative duration
	if e.Max > 0 && delay >= float64(e.Max) {
		return e.Max
	}
	if math.IsNaN(delay) || delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Retryable reports whether a failed advance is worth retrying. Only hook
// failures are: the machine stays where it was and the hook may succeed later.
// Structural errors (not initialized, reentrant) will fail the same way again.
func Retryable(err error) bool {
	return stagemachine.IsCode(err, stagemachine.ErrCodeHookFailed)
}
