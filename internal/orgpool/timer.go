package orgpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically resets member allocations that have passed their
// schedule and applies monthly pool refreshes.
type Timer struct {
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new allocation reset timer.
func NewTimer(store Store, logger *slog.Logger) *Timer {
	return &Timer{
		store:    store,
		interval: time.Minute,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the reset loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeTick(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in orgpool timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Tick(ctx, time.Now())
}

// Tick runs one reset-and-refresh pass. Exposed so the admin surface
// can trigger it out of schedule.
func (t *Timer) Tick(ctx context.Context, now time.Time) {
	n, err := t.store.ResetDue(ctx, now)
	if err != nil {
		t.logger.Error("allocation reset pass failed", "error", err)
	} else if n > 0 {
		resetsTotal.Add(float64(n))
		t.logger.Info("allocations reset", "count", n)
	}

	n, err = t.store.RefreshDue(ctx, now)
	if err != nil {
		t.logger.Error("pool refresh pass failed", "error", err)
	} else if n > 0 {
		refreshesTotal.Add(float64(n))
		t.logger.Info("pools refreshed", "count", n)
	}
}
