package coordinator

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-timesync/internal/timer"
)

func newTestCoordinator(fc *clockwork.FakeClock) *Coordinator {
	return New(fc, time.Second, zerolog.Nop())
}

// advanceAndSettle moves the fake clock and yields so the tick loop can
// consume the resulting tick before the next step.
func advanceAndSettle(fc *clockwork.FakeClock, d time.Duration) {
	fc.Advance(d)
	time.Sleep(10 * time.Millisecond)
}

func subscribe(c *Coordinator, attemptID, tabID string) (<-chan timer.AuthorityEvent, func()) {
	events := make(chan timer.AuthorityEvent, 64)
	cancel := c.Subscribe(attemptID, tabID, func(ev timer.AuthorityEvent) {
		events <- ev
	})
	return events, cancel
}

func waitEvent(t *testing.T, ch <-chan timer.AuthorityEvent) timer.AuthorityEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for authority event")
		return timer.AuthorityEvent{}
	}
}

func drainEvents(ch <-chan timer.AuthorityEvent) []timer.AuthorityEvent {
	var out []timer.AuthorityEvent
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCoordinator_PushesAuthoritativeTicks(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestCoordinator(fc)

	events, cancel := subscribe(c, "attempt-1", "tab-a")
	defer cancel()

	if err := c.Start("attempt-1", "module-1", timer.ModePerModule, 60000, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.BlockUntil(1)

	advanceAndSettle(fc, time.Second)
	ev := waitEvent(t, events)
	if ev.Kind != timer.AuthorityTick {
		t.Fatalf("event kind = %v, want tick", ev.Kind)
	}
	if ev.State.ElapsedMs != 1000 || ev.State.RemainingMs != 59000 {
		t.Errorf("state = %+v, want elapsed 1000 remaining 59000", ev.State)
	}
}

func TestCoordinator_StartIsIdempotentForLiveSession(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestCoordinator(fc)

	if err := c.Start("attempt-1", "module-1", timer.ModePerModule, 60000, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.Advance(2 * time.Second)

	// A second tab auto-starting must not re-anchor the countdown.
	if err := c.Start("attempt-1", "module-1", timer.ModePerModule, 60000, 0); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	snap, ok := c.Snapshot("attempt-1")
	if !ok {
		t.Fatal("Snapshot not found")
	}
	if snap.ElapsedMs != 2000 {
		t.Errorf("ElapsedMs = %d, want 2000", snap.ElapsedMs)
	}
}

func TestCoordinator_TimeUpPushedOnceToAllSubscribers(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestCoordinator(fc)

	eventsA, cancelA := subscribe(c, "attempt-1", "tab-a")
	defer cancelA()
	eventsB, cancelB := subscribe(c, "attempt-1", "tab-b")
	defer cancelB()

	if err := c.Start("attempt-1", "module-1", timer.ModePerModule, 2000, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.BlockUntil(1)

	advanceAndSettle(fc, time.Second)
	advanceAndSettle(fc, time.Second)
	time.Sleep(20 * time.Millisecond)

	for name, ch := range map[string]<-chan timer.AuthorityEvent{"a": eventsA, "b": eventsB} {
		timeUps := 0
		for _, ev := range drainEvents(ch) {
			if ev.Kind == timer.AuthorityTimeUp {
				timeUps++
			}
		}
		if timeUps != 1 {
			t.Errorf("subscriber %s: timeUps = %d, want 1", name, timeUps)
		}
	}

	// The loop exits after the fire; further time is silent.
	fc.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if evs := drainEvents(eventsA); len(evs) != 0 {
		t.Errorf("events after time-up: %+v", evs)
	}
}

func TestCoordinator_PauseAndResumePushImmediately(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestCoordinator(fc)

	events, cancel := subscribe(c, "attempt-1", "tab-a")
	defer cancel()

	if err := c.Start("attempt-1", "module-1", timer.ModePerModule, 60000, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.BlockUntil(1)

	advanceAndSettle(fc, 2*time.Second)
	drainEvents(events)

	// No clock advance needed: the state change itself is pushed.
	c.Pause("attempt-1")
	ev := waitEvent(t, events)
	if !ev.State.Paused || ev.State.ElapsedMs != 2000 {
		t.Fatalf("pause event = %+v, want paused at 2000", ev.State)
	}

	// Ticks while paused push nothing and consume no budget.
	advanceAndSettle(fc, 5*time.Second)
	if evs := drainEvents(events); len(evs) != 0 {
		t.Errorf("events while paused: %+v", evs)
	}

	c.Resume("attempt-1")
	ev = waitEvent(t, events)
	if ev.State.Paused || ev.State.ElapsedMs != 2000 {
		t.Fatalf("resume event = %+v, want running at 2000", ev.State)
	}

	advanceAndSettle(fc, time.Second)
	ev = waitEvent(t, events)
	if ev.State.ElapsedMs != 3000 {
		t.Errorf("post-resume tick = %+v, want elapsed 3000", ev.State)
	}
}

func TestCoordinator_StopHaltsTicking(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestCoordinator(fc)

	events, cancel := subscribe(c, "attempt-1", "tab-a")
	defer cancel()

	if err := c.Start("attempt-1", "module-1", timer.ModePerModule, 3000, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.BlockUntil(1)

	advanceAndSettle(fc, time.Second)
	drainEvents(events)

	c.Stop("attempt-1")

	// Reaching zero after stop produces neither ticks nor a time-up.
	fc.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if evs := drainEvents(events); len(evs) != 0 {
		t.Errorf("events after stop: %+v", evs)
	}

	snap, ok := c.Snapshot("attempt-1")
	if !ok {
		t.Fatal("Snapshot not found after stop")
	}
	if snap.ElapsedMs != 1000 {
		t.Errorf("frozen ElapsedMs = %d, want 1000", snap.ElapsedMs)
	}
}

func TestCoordinator_RestartReplacesSession(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestCoordinator(fc)

	events, cancel := subscribe(c, "attempt-1", "tab-a")
	defer cancel()

	if err := c.Start("attempt-1", "module-1", timer.ModePerQuestion, 1000, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.BlockUntil(1)
	advanceAndSettle(fc, time.Second)
	time.Sleep(20 * time.Millisecond)
	drainEvents(events)

	if err := c.Restart("attempt-1", timer.ModePerQuestion, 5000, 0); err != nil {
		t.Fatalf("Restart: %v", err)
	}

	snap, ok := c.Snapshot("attempt-1")
	if !ok {
		t.Fatal("Snapshot not found after restart")
	}
	if snap.ElapsedMs != 0 || snap.RemainingMs != 5000 {
		t.Errorf("restarted snapshot = %+v, want fresh 5000ms budget", snap)
	}

	// The replacement session ticks; the old loop may still be unwinding,
	// so advance step by step until a fresh tick lands.
	var ev timer.AuthorityEvent
	found := false
	for i := 0; i < 8 && !found; i++ {
		advanceAndSettle(fc, time.Second)
		for _, e := range drainEvents(events) {
			if e.Kind == timer.AuthorityTick {
				ev, found = e, true
			}
		}
	}
	if !found {
		t.Fatal("no tick from restarted session")
	}
	if ev.State.RemainingMs <= 0 || ev.State.RemainingMs >= 5000 {
		t.Errorf("restarted tick = %+v, want remaining within new budget", ev.State)
	}
}

func TestCoordinator_SnapshotUnknownAttempt(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestCoordinator(fc)

	if _, ok := c.Snapshot("nope"); ok {
		t.Error("Snapshot returned ok for unknown attempt")
	}
}

func TestCoordinator_SubscribeBeforeStart(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := newTestCoordinator(fc)

	events, cancel := subscribe(c, "attempt-1", "tab-a")
	defer cancel()

	// Subscription precedes the session; the first tick still arrives.
	if err := c.Start("attempt-1", "module-1", timer.ModePerModule, 60000, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	fc.BlockUntil(1)
	advanceAndSettle(fc, time.Second)

	ev := waitEvent(t, events)
	if ev.Kind != timer.AuthorityTick || ev.State.ElapsedMs != 1000 {
		t.Errorf("event = %+v, want tick at 1000", ev)
	}
}
