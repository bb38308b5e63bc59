package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(rpm, burst int) *Limiter {
	return New(Config{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
}

func TestBurstThenDeny(t *testing.T) {
	limiter := newTestLimiter(60, 5)
	defer limiter.Stop()

	for i := 0; i < 5; i++ {
		if !limiter.Allow("10.1.2.3") {
			t.Errorf("request %d within burst was denied", i)
		}
	}
	if limiter.Allow("10.1.2.3") {
		t.Error("request past the burst was allowed")
	}

	// At 60/min one token returns per second.
	time.Sleep(1100 * time.Millisecond)
	if !limiter.Allow("10.1.2.3") {
		t.Error("request after refill was denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	limiter := newTestLimiter(60, 3)
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("caller-a")
	}
	if limiter.Allow("caller-a") {
		t.Error("exhausted key was allowed")
	}
	if !limiter.Allow("caller-b") {
		t.Error("fresh key was denied")
	}
}

func TestRefillRate(t *testing.T) {
	limiter := newTestLimiter(600, 1) // 10 tokens per second
	defer limiter.Stop()

	if !limiter.Allow("svc") {
		t.Error("first request denied")
	}
	if limiter.Allow("svc") {
		t.Error("second immediate request allowed")
	}

	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow("svc") {
		t.Error("request after one refill interval denied")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 || cfg.CleanupInterval != time.Minute {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
