// Package timer implements the countdown core for one exam attempt: the
// session state machine, the per-tab fallback clock, drift detection, and
// the facade that reconciles local ticks with sibling-tab broadcasts and an
// optional shared authority.
package timer

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Mode governs how the caller uses restart: one long countdown per module,
// or a countdown reset on every question. The core treats both identically.
type Mode string

const (
	ModePerModule   Mode = "perModule"
	ModePerQuestion Mode = "perQuestion"
)

// ErrInvalidDuration is returned when a session is started or restarted with
// a non-positive duration. No clock is armed in that case.
var ErrInvalidDuration = errors.New("expected duration must be positive")

type phase int

const (
	phaseIdle phase = iota
	phaseRunning
	phasePaused
	phaseTimedOut
	phaseStopped
)

// State is the observable snapshot announced on every tick.
type State struct {
	ElapsedMs   int64 `json:"elapsed_ms"`
	RemainingMs int64 `json:"remaining_ms"`
	Paused      bool  `json:"paused"`
	Mode        Mode  `json:"mode"`
}

// Session is the state machine for one attempt's countdown. Elapsed time is
// always derived from the anchor instant, never accumulated, so a session
// survives arbitrary tick gaps: elapsed = now - startUTC, clamped to the
// budget. Restart is modeled as allocating a fresh Session.
type Session struct {
	attemptID string
	moduleID  string
	clock     clockwork.Clock

	mu         sync.Mutex
	mode       Mode
	durationMs int64
	startUTC   time.Time
	frozenMs   int64 // elapsed at pause/stop time; valid unless running
	phase      phase
	hasFired   bool
}

// NewSession creates an idle session for attemptID.
func NewSession(attemptID, moduleID string, mode Mode, clock clockwork.Clock) *Session {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Session{
		attemptID: attemptID,
		moduleID:  moduleID,
		mode:      mode,
		clock:     clock,
	}
}

func (s *Session) AttemptID() string { return s.attemptID }
func (s *Session) ModuleID() string  { return s.moduleID }

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start anchors the countdown at now - initialElapsedMs so a previously
// interrupted attempt can resume partway through. A second Start while the
// session is already running is a no-op: duplicate UI-level starts (two tabs
// auto-starting) must not double-anchor the clock.
func (s *Session) Start(durationMs, initialElapsedMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseIdle {
		return nil
	}
	if durationMs <= 0 {
		return ErrInvalidDuration
	}
	if initialElapsedMs < 0 {
		initialElapsedMs = 0
	}

	s.durationMs = durationMs
	s.startUTC = s.clock.Now().Add(-time.Duration(initialElapsedMs) * time.Millisecond)
	s.phase = phaseRunning
	s.hasFired = false
	return nil
}

// Pause freezes elapsed time at its current computed value. Only a running
// session can pause.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseRunning {
		return
	}
	s.frozenMs = s.elapsedLocked()
	s.phase = phasePaused
}

// Resume re-anchors startUTC so that now - startUTC equals the frozen
// elapsed value, then ticking continues.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phasePaused {
		return
	}
	s.startUTC = s.clock.Now().Add(-time.Duration(s.frozenMs) * time.Millisecond)
	s.phase = phaseRunning
}

// Stop terminates the session. Idempotent. Stop wins a race against timeout:
// once stopped, MarkFired reports false and no time-up is delivered.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseStopped {
		return
	}
	s.frozenMs = s.elapsedLocked()
	s.phase = phaseStopped
}

// MarkFired transitions Running -> TimedOut exactly once. It returns true
// only for the call that wins; duplicate tick delivery, sibling timeup
// broadcasts, and the coordinator path all funnel through this guard.
func (s *Session) MarkFired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasFired || s.phase == phaseStopped || s.phase == phaseIdle {
		return false
	}
	s.hasFired = true
	s.frozenMs = s.durationMs
	s.phase = phaseTimedOut
	return true
}

// AdoptElapsed merges an externally reported elapsed value using the
// largest-elapsed-wins rule: a lower value received out of order never
// rewinds the clock. Only a running session adopts. Returns true when the
// anchor moved.
func (s *Session) AdoptElapsed(reportedMs int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseRunning {
		return false
	}
	if reportedMs <= s.elapsedLocked() {
		return false
	}
	if reportedMs > s.durationMs {
		reportedMs = s.durationMs
	}
	s.startUTC = s.clock.Now().Add(-time.Duration(reportedMs) * time.Millisecond)
	return true
}

// SetElapsed overwrites the elapsed value regardless of direction. Used for
// authority-reported values, which outrank the local clock.
func (s *Session) SetElapsed(reportedMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseRunning && s.phase != phasePaused {
		return
	}
	if reportedMs < 0 {
		reportedMs = 0
	}
	if reportedMs > s.durationMs {
		reportedMs = s.durationMs
	}
	if s.phase == phasePaused {
		s.frozenMs = reportedMs
		return
	}
	s.startUTC = s.clock.Now().Add(-time.Duration(reportedMs) * time.Millisecond)
}

// ElapsedMs returns the clamped elapsed time for the current phase.
func (s *Session) ElapsedMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedLocked()
}

// RemainingMs returns max(duration - elapsed, 0).
func (s *Session) RemainingMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationMs - s.elapsedLocked()
}

// DurationMs returns the session budget.
func (s *Session) DurationMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.durationMs
}

// StartUTC returns the current anchor instant. Meaningful only while the
// session is running.
func (s *Session) StartUTC() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startUTC
}

func (s *Session) Running() bool  { s.mu.Lock(); defer s.mu.Unlock(); return s.phase == phaseRunning }
func (s *Session) Paused() bool   { s.mu.Lock(); defer s.mu.Unlock(); return s.phase == phasePaused }
func (s *Session) Stopped() bool  { s.mu.Lock(); defer s.mu.Unlock(); return s.phase == phaseStopped }
func (s *Session) Started() bool  { s.mu.Lock(); defer s.mu.Unlock(); return s.phase != phaseIdle }
func (s *Session) HasFired() bool { s.mu.Lock(); defer s.mu.Unlock(); return s.hasFired }

// Snapshot returns the observable state in one consistent read.
func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := s.elapsedLocked()
	return State{
		ElapsedMs:   elapsed,
		RemainingMs: s.durationMs - elapsed,
		Paused:      s.phase == phasePaused,
		Mode:        s.mode,
	}
}

// elapsedLocked computes clamped elapsed time. Callers hold s.mu.
func (s *Session) elapsedLocked() int64 {
	switch s.phase {
	case phaseIdle:
		return 0
	case phaseRunning:
		elapsed := s.clock.Now().Sub(s.startUTC).Milliseconds()
		if elapsed < 0 {
			return 0
		}
		if elapsed > s.durationMs {
			return s.durationMs
		}
		return elapsed
	case phaseTimedOut:
		return s.durationMs
	default: // paused, stopped
		return s.frozenMs
	}
}
