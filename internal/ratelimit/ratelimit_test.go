package ratelimit

import (
	"testing"
	"time"
)

func TestRateLimit_Allow(t *testing.T) {
	now := time.Unix(1000, 0)

	rl := New(2, time.Minute)
	rl.now = func() time.Time { return now }

	for i := range 2 {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("expected call %d to be allowed", i+1)
		}
	}

	if rl.Allow("10.0.0.1") {
		t.Fatalf("expected third call in the window to be refused")
	}

	if !rl.Allow("10.0.0.2") {
		t.Fatalf("expected another key to have its own window")
	}

	if got := rl.RetryAfter("10.0.0.1"); got != time.Minute {
		t.Fatalf("expected retry after 1m, got %s", got)
	}

	now = now.Add(time.Minute + time.Second)

	if !rl.Allow("10.0.0.1") {
		t.Fatalf("expected a new window after expiry")
	}
}

func TestRateLimit_Cleanup(t *testing.T) {
	now := time.Unix(1000, 0)

	rl := New(1, time.Second)
	rl.now = func() time.Time { return now }

	rl.Allow("a")
	rl.Allow("b")

	now = now.Add(2 * time.Second)
	rl.cleanup()

	if len(rl.buckets) != 0 {
		t.Fatalf("expected expired buckets to be dropped, got %d", len(rl.buckets))
	}
}

func TestRateLimit_Defaults(t *testing.T) {
	rl := New(0, 0)

	if rl.limit != DefaultLimit || rl.window != DefaultWindow {
		t.Fatalf("expected defaults %d/%s, got %d/%s", DefaultLimit, DefaultWindow, rl.limit, rl.window)
	}

	rl.Start()
	rl.Stop()
	rl.Stop()
}
