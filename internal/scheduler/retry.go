package scheduler

import (
	"time"
)

// RetryStrategy defines the interface for retry strategies
type RetryStrategy interface {
	// NextRetry returns the wait before the given retry attempt (1-based)
	NextRetry(attempt int, base time.Duration) time.Duration
}

// FixedDelay waits the base delay before every retry
type FixedDelay struct{}

// NextRetry returns base unchanged
func (FixedDelay) NextRetry(_ int, base time.Duration) time.Duration {
	return base
}

// ExponentialBackoff multiplies the base delay for every further attempt
type ExponentialBackoff struct {
	MaxDelay   time.Duration
	Multiplier float64
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int, base time.Duration) time.Duration {
	multiplier := s.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(base)
	for i := 1; i < attempt; i++ {
		delay *= multiplier
	}

	if s.MaxDelay > 0 && delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}
