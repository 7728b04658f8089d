// Package coordinator implements the optional shared authority: one
// registry holding exactly one authoritative timer session per attempt and
// pushing ticks to every subscribed tab. When disabled or unreachable, tabs
// fall back to their own clocks plus the broadcast bus and remain correct;
// the coordinator only tightens precision.
package coordinator

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-timesync/internal/timer"
)

type entry struct {
	session *timer.Session
	subs    map[string]func(timer.AuthorityEvent)
	stop    chan struct{}
}

// Coordinator is the single-authority timer registry. It implements
// timer.Authority.
type Coordinator struct {
	clock    clockwork.Clock
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	attempts map[string]*entry
}

var _ timer.Authority = (*Coordinator)(nil)

// New creates an empty coordinator ticking sessions at the given interval.
func New(clock clockwork.Clock, interval time.Duration, log zerolog.Logger) *Coordinator {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Coordinator{
		clock:    clock,
		interval: interval,
		log:      log.With().Str("component", "coordinator").Logger(),
		attempts: make(map[string]*entry),
	}
}

// Start creates the authoritative session for attemptID and begins pushing
// ticks. Idempotent: a second Start for a live session is a no-op, so two
// tabs auto-starting cannot double-anchor the authoritative clock.
func (c *Coordinator) Start(attemptID, moduleID string, mode timer.Mode, durationMs, initialElapsedMs int64) error {
	c.mu.Lock()
	e := c.ensureLocked(attemptID)
	if e.session != nil && e.session.Started() && !e.session.Stopped() && !e.session.HasFired() {
		c.mu.Unlock()
		return nil
	}
	s := timer.NewSession(attemptID, moduleID, mode, c.clock)
	if err := s.Start(durationMs, initialElapsedMs); err != nil {
		c.mu.Unlock()
		return err
	}
	c.swapSessionLocked(e, s)
	c.mu.Unlock()

	c.log.Info().
		Str("attempt_id", attemptID).
		Str("module_id", moduleID).
		Int64("duration_ms", durationMs).
		Msg("Authoritative session started")
	return nil
}

// Pause freezes the authoritative session and pushes the paused state.
func (c *Coordinator) Pause(attemptID string) {
	c.mu.Lock()
	e := c.attempts[attemptID]
	if e == nil || e.session == nil {
		c.mu.Unlock()
		return
	}
	e.session.Pause()
	snap := e.session.Snapshot()
	subs := c.copySubsLocked(e)
	c.mu.Unlock()

	pushAll(subs, timer.AuthorityEvent{Kind: timer.AuthorityTick, State: snap})
}

// Resume unfreezes the authoritative session and pushes the running state.
func (c *Coordinator) Resume(attemptID string) {
	c.mu.Lock()
	e := c.attempts[attemptID]
	if e == nil || e.session == nil {
		c.mu.Unlock()
		return
	}
	e.session.Resume()
	snap := e.session.Snapshot()
	subs := c.copySubsLocked(e)
	c.mu.Unlock()

	pushAll(subs, timer.AuthorityEvent{Kind: timer.AuthorityTick, State: snap})
}

// Restart replaces the authoritative session with a fresh one for the same
// attempt.
func (c *Coordinator) Restart(attemptID string, mode timer.Mode, durationMs, initialElapsedMs int64) error {
	c.mu.Lock()
	e := c.ensureLocked(attemptID)
	moduleID := ""
	if e.session != nil {
		moduleID = e.session.ModuleID()
	}
	s := timer.NewSession(attemptID, moduleID, mode, c.clock)
	if err := s.Start(durationMs, initialElapsedMs); err != nil {
		c.mu.Unlock()
		return err
	}
	c.swapSessionLocked(e, s)
	c.mu.Unlock()
	return nil
}

// Stop terminates the authoritative session. Subscriptions survive so a
// later Restart reuses them.
func (c *Coordinator) Stop(attemptID string) {
	c.mu.Lock()
	e := c.attempts[attemptID]
	if e == nil || e.session == nil {
		c.mu.Unlock()
		return
	}
	e.session.Stop()
	if e.stop != nil {
		close(e.stop)
		e.stop = nil
	}
	c.mu.Unlock()
}

// Subscribe registers push for attemptID's events. The entry outlives the
// session so tabs can subscribe before the first Start.
func (c *Coordinator) Subscribe(attemptID, tabID string, push func(timer.AuthorityEvent)) func() {
	c.mu.Lock()
	e := c.ensureLocked(attemptID)
	e.subs[tabID] = push
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			if e, ok := c.attempts[attemptID]; ok {
				delete(e.subs, tabID)
				if len(e.subs) == 0 && e.session == nil {
					delete(c.attempts, attemptID)
				}
			}
			c.mu.Unlock()
		})
	}
}

// Snapshot reads the authoritative state for attemptID.
func (c *Coordinator) Snapshot(attemptID string) (timer.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.attempts[attemptID]
	if e == nil || e.session == nil || !e.session.Started() {
		return timer.State{}, false
	}
	return e.session.Snapshot(), true
}

// ensureLocked returns the entry for attemptID, creating it if absent.
// Caller holds c.mu.
func (c *Coordinator) ensureLocked(attemptID string) *entry {
	e, ok := c.attempts[attemptID]
	if !ok {
		e = &entry{subs: make(map[string]func(timer.AuthorityEvent))}
		c.attempts[attemptID] = e
	}
	return e
}

// swapSessionLocked installs a new session and restarts the tick loop.
// Caller holds c.mu.
func (c *Coordinator) swapSessionLocked(e *entry, s *timer.Session) {
	if e.stop != nil {
		close(e.stop)
	}
	e.session = s
	e.stop = make(chan struct{})
	go c.run(s, e, e.stop)
}

// run is the per-session tick loop: push the authoritative state every
// interval and announce the zero-transition exactly once.
func (c *Coordinator) run(s *timer.Session, e *entry, stop chan struct{}) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !s.Running() {
				if s.Stopped() || s.HasFired() {
					return
				}
				continue // paused
			}

			fired := false
			if s.RemainingMs() <= 0 {
				fired = s.MarkFired()
			}
			snap := s.Snapshot()

			c.mu.Lock()
			subs := c.copySubsLocked(e)
			c.mu.Unlock()

			pushAll(subs, timer.AuthorityEvent{Kind: timer.AuthorityTick, State: snap})
			if fired {
				pushAll(subs, timer.AuthorityEvent{Kind: timer.AuthorityTimeUp, State: snap})
				c.log.Info().Str("attempt_id", s.AttemptID()).Msg("Authoritative time-up")
				return
			}
		}
	}
}

// copySubsLocked snapshots the subscriber list so pushes run without the
// registry lock. Caller holds c.mu.
func (c *Coordinator) copySubsLocked(e *entry) []func(timer.AuthorityEvent) {
	subs := make([]func(timer.AuthorityEvent), 0, len(e.subs))
	for _, push := range e.subs {
		subs = append(subs, push)
	}
	return subs
}

func pushAll(subs []func(timer.AuthorityEvent), ev timer.AuthorityEvent) {
	for _, push := range subs {
		push(ev)
	}
}
