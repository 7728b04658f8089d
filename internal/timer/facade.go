package timer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-timesync/internal/syncbus"
)

// Callbacks are the caller's notification hooks. They are invoked
// synchronously from tick handling and must not block. Any field may be nil.
type Callbacks struct {
	OnTick       func(State)
	OnTimeUp     func()
	OnClockDrift func(driftMs int64)
}

// Options configures one tab's facade.
type Options struct {
	AttemptID          string
	ModuleID           string
	Mode               Mode
	ExpectedDurationMs int64
	InitialElapsedMs   int64
	AutoStart          bool
	Paused             bool

	TickInterval     time.Duration
	TickToleranceMs  int64
	DriftThresholdMs int64

	Clock     clockwork.Clock
	Bus       syncbus.Channel
	Authority Authority
	Logger    zerolog.Logger
}

// StartOverride optionally replaces the configured duration on start.
type StartOverride struct {
	ExpectedDurationMs int64
	InitialElapsedMs   int64
}

// RestartOptions configures a restart: a brand-new session for the same
// attempt. Zero-value Mode keeps the current mode.
type RestartOptions struct {
	ExpectedDurationMs int64
	InitialElapsedMs   int64
	Mode               Mode
}

// Status is the observable state a UI surface binds to.
type Status struct {
	ElapsedMs   int64 `json:"elapsed_ms"`
	RemainingMs int64 `json:"remaining_ms"`
	IsRunning   bool  `json:"is_running"`
	IsPaused    bool  `json:"is_paused"`
}

// Facade is the per-tab coordination object. It owns one fallback clock,
// subscribes to the tab sync channel, optionally follows a shared authority,
// and resolves all three signal sources into one observable state.
//
// The reconciliation rule for sibling broadcasts is largest-elapsed-wins: a
// lower elapsed value received out of order never rewinds the clock. The
// authority, when present, outranks the local clock in both directions.
type Facade struct {
	attemptID string
	moduleID  string
	tabID     string

	durationMs  int64
	initialMs   int64
	startPaused bool
	clock       clockwork.Clock
	cb          Callbacks
	log         zerolog.Logger
	bus         syncbus.Channel
	busCancel   func()
	authority   Authority
	authCancel  func()
	drift       *DriftDetector
	fallback    *FallbackClock

	mu      sync.Mutex
	session *Session
	closed  bool
}

// New creates a facade, subscribes it to the bus and authority, and
// broadcasts a request-state so this tab converges to any sibling's state
// within one round trip instead of waiting a full tick interval. If
// Options.AutoStart is set the timer starts immediately.
//
// Transport construction failures never surface here: a nil Bus or
// Authority simply degrades the facade to fallback-clock-only operation.
func New(opts Options, cb Callbacks) (*Facade, error) {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.TickToleranceMs <= 0 {
		opts.TickToleranceMs = 100
	}
	if opts.DriftThresholdMs <= 0 {
		opts.DriftThresholdMs = 1500
	}
	if opts.Mode == "" {
		opts.Mode = ModePerModule
	}

	f := &Facade{
		attemptID:   opts.AttemptID,
		moduleID:    opts.ModuleID,
		tabID:       uuid.New().String(),
		durationMs:  opts.ExpectedDurationMs,
		initialMs:   opts.InitialElapsedMs,
		startPaused: opts.Paused,
		clock:       opts.Clock,
		cb:          cb,
		bus:         opts.Bus,
		authority:   opts.Authority,
		drift:       NewDriftDetector(opts.DriftThresholdMs),
		fallback:    NewFallbackClock(opts.Clock, opts.TickInterval, opts.TickToleranceMs),
		session:     NewSession(opts.AttemptID, opts.ModuleID, opts.Mode, opts.Clock),
		log: opts.Logger.With().
			Str("component", "timer_facade").
			Str("attempt_id", opts.AttemptID).
			Logger(),
	}

	if f.bus != nil {
		cancel, err := f.bus.Subscribe(f.attemptID, f.tabID, f.handleEnvelope)
		if err != nil {
			// Degrade to fallback-only per the error taxonomy: transport
			// unavailable is recovered locally, never surfaced.
			f.log.Warn().Err(err).Msg("Sync channel unavailable, running fallback-only")
			f.bus = nil
		} else {
			f.busCancel = cancel
		}
	}
	if f.authority != nil {
		f.authCancel = f.authority.Subscribe(f.attemptID, f.tabID, f.handleAuthorityEvent)
	}

	f.publish(syncbus.Envelope{Type: syncbus.TypeRequestState})

	if opts.AutoStart {
		if err := f.Start(nil); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// TabID returns this tab's random identifier.
func (f *Facade) TabID() string { return f.tabID }

// Mode returns the current session mode.
func (f *Facade) Mode() Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.Mode()
}

// DurationMs returns the current session budget.
func (f *Facade) DurationMs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.DurationMs()
}

// Start arms the countdown. Duplicate starts are no-ops; an invalid duration
// is rejected without arming any clock.
func (f *Facade) Start(ov *StartOverride) error {
	f.mu.Lock()
	if f.closed || f.session.Started() {
		f.mu.Unlock()
		return nil
	}
	duration, initial := f.durationMs, f.initialMs
	if ov != nil {
		duration = ov.ExpectedDurationMs
		initial = ov.InitialElapsedMs
	}
	if err := f.session.Start(duration, initial); err != nil {
		f.mu.Unlock()
		return err
	}
	f.durationMs = duration
	if f.startPaused {
		f.session.Pause()
		f.startPaused = false
	} else {
		f.armLocked()
	}
	snap := f.session.Snapshot()
	mode, moduleID := f.session.Mode(), f.moduleID
	f.mu.Unlock()

	if f.authority != nil {
		if err := f.authority.Start(f.attemptID, moduleID, mode, duration, initial); err != nil {
			f.log.Warn().Err(err).Msg("Authority start failed, fallback clock keeps ticking")
		}
	}
	f.publishState(snap, false)
	return nil
}

// Pause freezes the countdown. No ticks are emitted while paused.
func (f *Facade) Pause() {
	f.mu.Lock()
	if f.closed || !f.session.Running() {
		f.mu.Unlock()
		return
	}
	f.session.Pause()
	f.fallback.Disarm()
	snap := f.session.Snapshot()
	f.mu.Unlock()

	if f.authority != nil {
		f.authority.Pause(f.attemptID)
	}
	f.publishState(snap, false)
}

// Resume re-anchors the countdown so elapsed time continues from the frozen
// value.
func (f *Facade) Resume() {
	f.mu.Lock()
	if f.closed || !f.session.Paused() {
		f.mu.Unlock()
		return
	}
	f.session.Resume()
	f.armLocked()
	snap := f.session.Snapshot()
	f.mu.Unlock()

	if f.authority != nil {
		f.authority.Resume(f.attemptID)
	}
	f.publishState(snap, false)
}

// Restart destroys the current session and starts a fresh one for the same
// attempt: new anchor, hasFired cleared. Used heavily by perQuestion mode.
func (f *Facade) Restart(o RestartOptions) error {
	if o.ExpectedDurationMs <= 0 {
		return ErrInvalidDuration
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	mode := o.Mode
	if mode == "" {
		mode = f.session.Mode()
	}
	f.fallback.Disarm()
	f.session = NewSession(f.attemptID, f.moduleID, mode, f.clock)
	if err := f.session.Start(o.ExpectedDurationMs, o.InitialElapsedMs); err != nil {
		f.mu.Unlock()
		return err
	}
	f.durationMs = o.ExpectedDurationMs
	f.armLocked()
	snap := f.session.Snapshot()
	f.mu.Unlock()

	if f.authority != nil {
		if err := f.authority.Restart(f.attemptID, mode, o.ExpectedDurationMs, o.InitialElapsedMs); err != nil {
			f.log.Warn().Err(err).Msg("Authority restart failed")
		}
	}
	f.publishState(snap, false)
	return nil
}

// Stop terminates the countdown. Idempotent; once stopped no time-up fires
// even if zero remaining is reached in the same tick.
func (f *Facade) Stop() {
	f.mu.Lock()
	if f.closed || !f.session.Started() || f.session.Stopped() {
		f.mu.Unlock()
		return
	}
	f.session.Stop()
	f.fallback.Disarm()
	snap := f.session.Snapshot()
	f.mu.Unlock()

	if f.authority != nil {
		f.authority.Stop(f.attemptID)
	}
	f.publishState(snap, true)
}

// Close releases the tab's local timer handles and subscriptions. Siblings
// are not notified; they continue from the authority or their own clocks.
func (f *Facade) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.fallback.Disarm()
	f.mu.Unlock()

	if f.busCancel != nil {
		f.busCancel()
	}
	if f.authCancel != nil {
		f.authCancel()
	}
}

// State returns the observable timer state for this tab.
func (f *Facade) State() Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap := f.session.Snapshot()
	return Status{
		ElapsedMs:   snap.ElapsedMs,
		RemainingMs: snap.RemainingMs,
		IsRunning:   f.session.Running(),
		IsPaused:    snap.Paused,
	}
}

// armLocked (re)arms the fallback clock from the session's current anchor.
// Caller holds f.mu.
func (f *Facade) armLocked() {
	f.fallback.Arm(f.session.StartUTC(), f.session.DurationMs(), f.onFallbackTick)
}

// onFallbackTick runs once per interval on the fallback clock's goroutine.
// The clock's own computed values are discarded in favor of the session,
// which may have been re-anchored by a merge since the clock was armed.
func (f *Facade) onFallbackTick(_, _ int64) {
	f.mu.Lock()
	if f.closed || !f.session.Running() {
		f.mu.Unlock()
		return
	}
	fired := false
	if f.session.RemainingMs() <= 0 {
		fired = f.session.MarkFired()
	}
	snap := f.session.Snapshot()
	f.mu.Unlock()

	if f.cb.OnTick != nil {
		f.cb.OnTick(snap)
	}
	f.publish(syncbus.Envelope{
		Type:        syncbus.TypeTick,
		ElapsedMs:   snap.ElapsedMs,
		RemainingMs: snap.RemainingMs,
		Paused:      snap.Paused,
		Mode:        string(snap.Mode),
	})
	if fired {
		f.fireTimeUp(true)
	}
}

// handleEnvelope merges one sibling broadcast. Message loss and reordering
// degrade gracefully: the merge is commutative and idempotent.
func (f *Facade) handleEnvelope(env syncbus.Envelope) {
	switch env.Type {
	case syncbus.TypeTimeUp:
		f.mu.Lock()
		fired := f.session.MarkFired()
		f.mu.Unlock()
		if fired {
			f.fallback.Disarm()
			if f.cb.OnTimeUp != nil {
				f.cb.OnTimeUp()
			}
		}

	case syncbus.TypeClockDrift:
		// Forwarded signal from a sibling. Advisory only.
		if f.cb.OnClockDrift != nil {
			f.cb.OnClockDrift(env.DriftMs)
		}

	case syncbus.TypeRequestState:
		f.mu.Lock()
		if f.closed || !f.session.Started() {
			f.mu.Unlock()
			return
		}
		snap := f.session.Snapshot()
		stopped := f.session.Stopped()
		f.mu.Unlock()
		f.publishState(snap, stopped)

	case syncbus.TypeTick, syncbus.TypeState:
		f.applyRemoteState(env)

	default:
		f.log.Debug().Str("type", string(env.Type)).Msg("Unknown envelope type dropped")
	}
}

// applyRemoteState reconciles a sibling tick or state snapshot into the
// local session.
func (f *Facade) applyRemoteState(env syncbus.Envelope) {
	var (
		driftMs int64
		changed bool
		fired   bool
		snap    State
	)

	f.mu.Lock()
	s := f.session
	if f.closed {
		f.mu.Unlock()
		return
	}
	if s.HasFired() || s.Stopped() {
		// Ticks arriving after timeup or stop are stale and dropped. A state
		// announcement carrying a live session is different: a sibling
		// restarted, and this tab must follow it into the fresh session.
		if env.Type != syncbus.TypeState || env.Stopped {
			f.mu.Unlock()
			return
		}
		duration := env.ElapsedMs + env.RemainingMs
		if duration <= 0 {
			f.mu.Unlock()
			return
		}
		mode := s.Mode()
		if env.Mode != "" {
			mode = Mode(env.Mode)
		}
		fresh := NewSession(f.attemptID, f.moduleID, mode, f.clock)
		if err := fresh.Start(duration, env.ElapsedMs); err != nil {
			f.mu.Unlock()
			return
		}
		f.session = fresh
		f.durationMs = duration
		if env.Paused {
			fresh.Pause()
		} else {
			f.armLocked()
		}
		snap = fresh.Snapshot()
		f.mu.Unlock()

		if f.cb.OnTick != nil {
			f.cb.OnTick(snap)
		}
		return
	}

	switch {
	case env.Stopped:
		if s.Started() {
			s.Stop()
			f.fallback.Disarm()
			changed = true
		}

	case !s.Started():
		// Adopt a running sibling's session wholesale. The budget is
		// reconstructed from the announced pair.
		duration := env.ElapsedMs + env.RemainingMs
		if duration <= 0 {
			f.mu.Unlock()
			return
		}
		if err := s.Start(duration, env.ElapsedMs); err == nil {
			f.durationMs = duration
			if env.Paused {
				s.Pause()
			} else {
				f.armLocked()
			}
			changed = true
		}

	default:
		driftMs = f.drift.Check(s.ElapsedMs(), env.ElapsedMs)
		// Only explicit state announcements carry pause/resume transitions.
		// A periodic tick's paused flag can be stale (published before the
		// sender processed the pause) and must never flip this tab's phase.
		switch {
		case env.Type == syncbus.TypeState && env.Paused && s.Running():
			s.AdoptElapsed(env.ElapsedMs)
			s.Pause()
			f.fallback.Disarm()
			changed = true
		case env.Type == syncbus.TypeState && !env.Paused && s.Paused():
			s.Resume()
			s.AdoptElapsed(env.ElapsedMs)
			f.armLocked()
			changed = true
		case s.Running():
			if s.AdoptElapsed(env.ElapsedMs) {
				f.armLocked()
				changed = true
			}
		}
		if s.Running() && s.RemainingMs() <= 0 {
			fired = s.MarkFired()
		}
	}
	snap = s.Snapshot()
	f.mu.Unlock()

	if driftMs != 0 {
		if f.cb.OnClockDrift != nil {
			f.cb.OnClockDrift(driftMs)
		}
		f.publish(syncbus.Envelope{Type: syncbus.TypeClockDrift, DriftMs: driftMs})
	}
	if changed && f.cb.OnTick != nil {
		f.cb.OnTick(snap)
	}
	if fired {
		f.fireTimeUp(true)
	}
}

// handleAuthorityEvent applies a push from the shared authority. Authority
// values outrank the local clock: they are adopted even when lower, with a
// drift signal raised when the divergence crossed the threshold.
func (f *Facade) handleAuthorityEvent(ev AuthorityEvent) {
	if ev.Kind == AuthorityTimeUp {
		f.mu.Lock()
		fired := f.session.MarkFired()
		f.mu.Unlock()
		if fired {
			f.fallback.Disarm()
			if f.cb.OnTimeUp != nil {
				f.cb.OnTimeUp()
			}
		}
		return
	}

	var (
		driftMs int64
		changed bool
		fired   bool
		snap    State
	)

	f.mu.Lock()
	s := f.session
	if f.closed || s.HasFired() || s.Stopped() {
		f.mu.Unlock()
		return
	}

	if !s.Started() {
		duration := ev.State.ElapsedMs + ev.State.RemainingMs
		if duration <= 0 {
			f.mu.Unlock()
			return
		}
		if err := s.Start(duration, ev.State.ElapsedMs); err == nil {
			f.durationMs = duration
			if ev.State.Paused {
				s.Pause()
			} else {
				f.armLocked()
			}
			changed = true
		}
	} else {
		local := s.ElapsedMs()
		driftMs = f.drift.Check(local, ev.State.ElapsedMs)
		switch {
		case ev.State.Paused && s.Running():
			s.SetElapsed(ev.State.ElapsedMs)
			s.Pause()
			f.fallback.Disarm()
			changed = true
		case !ev.State.Paused && s.Paused():
			s.Resume()
			s.SetElapsed(ev.State.ElapsedMs)
			f.armLocked()
			changed = true
		case s.Running() && driftMs != 0:
			s.SetElapsed(ev.State.ElapsedMs)
			f.armLocked()
			changed = true
		}
		if s.Running() && s.RemainingMs() <= 0 {
			fired = s.MarkFired()
		}
	}
	snap = s.Snapshot()
	f.mu.Unlock()

	if driftMs != 0 {
		if f.cb.OnClockDrift != nil {
			f.cb.OnClockDrift(driftMs)
		}
		f.publish(syncbus.Envelope{Type: syncbus.TypeClockDrift, DriftMs: driftMs})
	}
	if changed && f.cb.OnTick != nil {
		f.cb.OnTick(snap)
	}
	if fired {
		f.fireTimeUp(true)
	}
}

// fireTimeUp delivers the one-time time-up callback and, when broadcast is
// requested, announces it to sibling tabs.
func (f *Facade) fireTimeUp(broadcast bool) {
	f.fallback.Disarm()
	if f.cb.OnTimeUp != nil {
		f.cb.OnTimeUp()
	}
	if broadcast {
		f.publish(syncbus.Envelope{Type: syncbus.TypeTimeUp})
	}
}

func (f *Facade) publishState(snap State, stopped bool) {
	f.publish(syncbus.Envelope{
		Type:        syncbus.TypeState,
		ElapsedMs:   snap.ElapsedMs,
		RemainingMs: snap.RemainingMs,
		Paused:      snap.Paused,
		Stopped:     stopped,
		Mode:        string(snap.Mode),
	})
}

// publish is fire-and-forget. Callers must not hold f.mu: the in-process
// bus delivers synchronously and sibling handlers take their own locks.
func (f *Facade) publish(env syncbus.Envelope) {
	if f.bus == nil {
		return
	}
	env.AttemptID = f.attemptID
	env.TabID = f.tabID
	if err := f.bus.Publish(context.Background(), env); err != nil {
		f.log.Debug().Err(err).Str("type", string(env.Type)).Msg("Broadcast publish failed")
	}
}
