package utils

import "time"

// BackoffManager manages exponential backoff for retry delays
type BackoffManager struct {
	currentInterval time.Duration
	maxInterval     time.Duration
	initialInterval time.Duration
}

// NewBackoffManager initializes a new BackoffManager with the given intervals.
func NewBackoffManager(initialInterval, maxInterval time.Duration) *BackoffManager {
	return &BackoffManager{
		currentInterval: initialInterval,
		maxInterval:     maxInterval,
		initialInterval: initialInterval,
	}
}

// GetInterval returns the current interval
func (b *BackoffManager) GetInterval() time.Duration {
	return b.currentInterval
}

// IncreaseInterval increases the current interval exponentially up to maxInterval
func (b *BackoffManager) IncreaseInterval() {
	newInterval := b.currentInterval * 2
	if newInterval > b.maxInterval {
		newInterval = b.maxInterval
	}
	b.currentInterval = newInterval
}

// ResetInterval resets the interval back to the initial value
func (b *BackoffManager) ResetInterval() {
	b.currentInterval = b.initialInterval
}

// IntervalForAttempt returns the delay before retry attempt n (zero-based)
// without mutating the manager: initial * 2^n, capped at maxInterval.
func (b *BackoffManager) IntervalForAttempt(attempt int) time.Duration {
	interval := b.initialInterval
	for i := 0; i < attempt; i++ {
		interval *= 2
		if interval >= b.maxInterval {
			return b.maxInterval
		}
	}
	if interval > b.maxInterval {
		return b.maxInterval
	}
	return interval
}
