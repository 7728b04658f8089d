package timer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type tick struct {
	elapsedMs   int64
	remainingMs int64
}

// advanceAndSettle moves the fake clock and yields so the ticker goroutine
// can consume the resulting tick before the next step.
func advanceAndSettle(fc *clockwork.FakeClock, d time.Duration) {
	fc.Advance(d)
	time.Sleep(10 * time.Millisecond)
}

func waitTick(t *testing.T, ch <-chan tick) tick {
	t.Helper()
	select {
	case tk := <-ch:
		return tk
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return tick{}
	}
}

func expectNoTick(t *testing.T, ch <-chan tick) {
	t.Helper()
	select {
	case tk := <-ch:
		t.Fatalf("unexpected tick: %+v", tk)
	default:
	}
}

func TestFallbackClock_EmitsDerivedTicks(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ticks := make(chan tick, 16)

	clk := NewFallbackClock(fc, time.Second, 100)
	clk.Arm(fc.Now(), 5000, func(e, r int64) { ticks <- tick{e, r} })
	defer clk.Disarm()
	fc.BlockUntil(1)

	advanceAndSettle(fc, time.Second)
	if tk := waitTick(t, ticks); tk.elapsedMs != 1000 || tk.remainingMs != 4000 {
		t.Errorf("tick = %+v, want {1000 4000}", tk)
	}

	advanceAndSettle(fc, time.Second)
	if tk := waitTick(t, ticks); tk.elapsedMs != 2000 || tk.remainingMs != 3000 {
		t.Errorf("tick = %+v, want {2000 3000}", tk)
	}
}

func TestFallbackClock_ZeroEmittedExactlyOnce(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ticks := make(chan tick, 16)

	clk := NewFallbackClock(fc, time.Second, 100)
	clk.Arm(fc.Now(), 3000, func(e, r int64) { ticks <- tick{e, r} })
	defer clk.Disarm()
	fc.BlockUntil(1)

	var last tick
	for i := 0; i < 3; i++ {
		advanceAndSettle(fc, time.Second)
		last = waitTick(t, ticks)
	}
	if last.elapsedMs != 3000 || last.remainingMs != 0 {
		t.Errorf("final tick = %+v, want {3000 0}", last)
	}

	// The goroutine exits after the zero tick; a further advance is silent
	// even though the stop channel is still open.
	fc.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	expectNoTick(t, ticks)
}

func TestFallbackClock_ToleranceSuppressesSmallMoves(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ticks := make(chan tick, 16)

	clk := NewFallbackClock(fc, 100*time.Millisecond, 250)
	clk.Arm(fc.Now(), 10000, func(e, r int64) { ticks <- tick{e, r} })
	defer clk.Disarm()
	fc.BlockUntil(1)

	// First tick is always emitted.
	advanceAndSettle(fc, 100*time.Millisecond)
	if tk := waitTick(t, ticks); tk.elapsedMs != 100 {
		t.Fatalf("first tick elapsed = %d, want 100", tk.elapsedMs)
	}

	// 200 and 300 are within tolerance of the last emission at 100.
	advanceAndSettle(fc, 100*time.Millisecond)
	expectNoTick(t, ticks)
	advanceAndSettle(fc, 100*time.Millisecond)
	expectNoTick(t, ticks)

	// 400 crosses the tolerance window.
	advanceAndSettle(fc, 100*time.Millisecond)
	if tk := waitTick(t, ticks); tk.elapsedMs != 400 {
		t.Errorf("tick elapsed = %d, want 400", tk.elapsedMs)
	}
}

func TestFallbackClock_ZeroCrossingNeverSuppressed(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ticks := make(chan tick, 16)

	// Tolerance far above the interval: every non-final tick after the
	// first would be suppressed, but remaining == 0 must still surface.
	clk := NewFallbackClock(fc, 100*time.Millisecond, 100000)
	clk.Arm(fc.Now(), 150, func(e, r int64) { ticks <- tick{e, r} })
	defer clk.Disarm()
	fc.BlockUntil(1)

	advanceAndSettle(fc, 100*time.Millisecond)
	if tk := waitTick(t, ticks); tk.remainingMs != 50 {
		t.Fatalf("first tick = %+v, want remaining 50", tk)
	}

	advanceAndSettle(fc, 100*time.Millisecond)
	if tk := waitTick(t, ticks); tk.elapsedMs != 150 || tk.remainingMs != 0 {
		t.Errorf("final tick = %+v, want {150 0}", tk)
	}
}

func TestFallbackClock_DisarmStopsEmission(t *testing.T) {
	fc := clockwork.NewFakeClock()
	ticks := make(chan tick, 16)

	clk := NewFallbackClock(fc, time.Second, 100)
	clk.Arm(fc.Now(), 60000, func(e, r int64) { ticks <- tick{e, r} })
	fc.BlockUntil(1)

	clk.Disarm()
	time.Sleep(20 * time.Millisecond)

	fc.Advance(3 * time.Second)
	time.Sleep(20 * time.Millisecond)
	expectNoTick(t, ticks)

	// Second Disarm is a no-op.
	clk.Disarm()
}

func TestFallbackClock_RearmReplacesBaseline(t *testing.T) {
	ticks := make(chan tick, 64)

	// Real clock here: re-arm races the old goroutine's final select, so
	// the assertion is eventual rather than step-exact.
	clk := NewFallbackClock(clockwork.NewRealClock(), 20*time.Millisecond, 0)
	now := time.Now().UTC()

	clk.Arm(now, 600000, func(e, r int64) { ticks <- tick{e, r} })
	clk.Arm(now.Add(-2*time.Second), 600000, func(e, r int64) { ticks <- tick{e, r} })
	defer clk.Disarm()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case tk := <-ticks:
			if tk.elapsedMs >= 2000 {
				return // new baseline took over
			}
		case <-deadline:
			t.Fatal("never observed a tick from the re-armed baseline")
		}
	}
}
