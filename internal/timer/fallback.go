package timer

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TickFunc receives the fallback clock's computed elapsed and remaining
// values once per interval.
type TickFunc func(elapsedMs, remainingMs int64)

// FallbackClock is the per-tab baseline timing source: a periodic ticker
// driven only by the local wall clock, so the UI stays correct when neither
// the coordinator nor any sibling tab is reachable.
//
// Re-arming cancels the outstanding ticker before installing a new one, so
// an Arm/Arm sequence never leaks a goroutine or double-ticks.
type FallbackClock struct {
	clock       clockwork.Clock
	interval    time.Duration
	toleranceMs int64

	mu   sync.Mutex
	stop chan struct{}
}

// NewFallbackClock creates a disarmed clock. toleranceMs suppresses ticks
// whose elapsed value moved less than that amount since the last emission;
// the transition through zero is never suppressed.
func NewFallbackClock(clock clockwork.Clock, interval time.Duration, toleranceMs int64) *FallbackClock {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &FallbackClock{
		clock:       clock,
		interval:    interval,
		toleranceMs: toleranceMs,
	}
}

// Arm begins emitting ticks computed as clamp(now - startUTC, 0, durationMs).
// Emission stops on Disarm, on re-Arm, or after the zero-remaining tick.
func (c *FallbackClock) Arm(startUTC time.Time, durationMs int64, fn TickFunc) {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
	}
	stop := make(chan struct{})
	c.stop = stop
	c.mu.Unlock()

	go c.run(startUTC, durationMs, fn, stop)
}

// Disarm cancels the outstanding ticker. Safe to call when already disarmed.
func (c *FallbackClock) Disarm() {
	c.mu.Lock()
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()
}

func (c *FallbackClock) run(startUTC time.Time, durationMs int64, fn TickFunc, stop chan struct{}) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	lastSent := int64(-1)
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			elapsed := c.clock.Now().Sub(startUTC).Milliseconds()
			if elapsed < 0 {
				elapsed = 0
			}
			if elapsed > durationMs {
				elapsed = durationMs
			}
			remaining := durationMs - elapsed

			// Suppress no-op updates, but never the zero crossing.
			if lastSent >= 0 && remaining > 0 && abs64(elapsed-lastSent) < c.toleranceMs {
				continue
			}
			lastSent = elapsed

			fn(elapsed, remaining)
			if remaining == 0 {
				return
			}
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
