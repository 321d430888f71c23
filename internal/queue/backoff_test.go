package queue

import (
	"testing"
	"time"
)

func TestDelaySchedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{-3, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{10, 30 * time.Second},
		{63, 30 * time.Second},
		{1 << 20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := Delay(tc.attempts); got != tc.want {
			t.Fatalf("Delay(%d)=%v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestDelayMonotonicUntilCap(t *testing.T) {
	prev := Delay(0)
	for n := 1; n <= 12; n++ {
		d := Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d)=%v dropped below Delay(%d)=%v", n, d, n-1, prev)
		}
		if d > MaxDelay {
			t.Fatalf("Delay(%d)=%v exceeds cap %v", n, d, MaxDelay)
		}
		prev = d
	}
}

func TestReady(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	fresh := Write{Status: StatusPending}
	if !Ready(fresh, now) {
		t.Fatalf("never-attempted write not ready")
	}

	// AttemptCount set but LastAttemptAt lost: fail open toward delivery.
	orphan := Write{Status: StatusRetrying, AttemptCount: 2}
	if !Ready(orphan, now) {
		t.Fatalf("write without LastAttemptAt not ready")
	}

	waiting := Write{
		Status:        StatusRetrying,
		AttemptCount:  2,
		LastAttemptAt: now.Add(-3 * time.Second),
	}
	if Ready(waiting, now) {
		t.Fatalf("write ready 3s after attempt 2, want 4s backoff")
	}
	if !Ready(waiting, now.Add(time.Second)) {
		t.Fatalf("write not ready once the 4s backoff elapsed")
	}

	dead := Write{
		Status:       StatusFailedPermanent,
		AttemptCount: 1,
	}
	if Ready(dead, now.Add(time.Hour)) {
		t.Fatalf("dead-lettered write reported ready")
	}
}

func TestNextAttemptAt(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

	if got := NextAttemptAt(Write{Status: StatusPending}); !got.IsZero() {
		t.Fatalf("NextAttemptAt(fresh)=%v, want zero", got)
	}

	w := Write{
		Status:        StatusRetrying,
		AttemptCount:  3,
		LastAttemptAt: now,
	}
	if got, want := NextAttemptAt(w), now.Add(8*time.Second); !got.Equal(want) {
		t.Fatalf("NextAttemptAt=%v, want %v", got, want)
	}
}
