package queue

import "time"

const (
	BaseDelay = 1 * time.Second
	MaxDelay  = 30 * time.Second

	// MaxRetries is the attempt ceiling before a write dead-letters.
	MaxRetries = 3
)

// Delay maps an attempt count to the retry delay: BaseDelay doubled per
// attempt, capped at MaxDelay.
func Delay(attemptCount int) time.Duration {
	if attemptCount <= 0 {
		return BaseDelay
	}
	if attemptCount > 30 {
		return MaxDelay
	}
	d := BaseDelay << uint(attemptCount)
	if d <= 0 || d > MaxDelay {
		return MaxDelay
	}
	return d
}

// Ready reports whether the write is eligible for delivery at now. A write
// that has never been attempted is immediately eligible. A retry record
// missing LastAttemptAt fails open toward progress; the delivery loop logs
// that inconsistency when it selects the write.
func Ready(w Write, now time.Time) bool {
	if !w.Live() {
		return false
	}
	if w.AttemptCount == 0 || w.LastAttemptAt.IsZero() {
		return true
	}
	return !now.Before(w.LastAttemptAt.Add(Delay(w.AttemptCount)))
}

// NextAttemptAt returns the instant the write becomes eligible again. The
// zero time means it is eligible immediately.
func NextAttemptAt(w Write) time.Time {
	if w.AttemptCount == 0 || w.LastAttemptAt.IsZero() {
		return time.Time{}
	}
	return w.LastAttemptAt.Add(Delay(w.AttemptCount))
}
