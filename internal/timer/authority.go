package timer

// AuthorityEventKind distinguishes the pushes an authority makes.
type AuthorityEventKind int

const (
	// AuthorityTick carries the authoritative state for one interval.
	AuthorityTick AuthorityEventKind = iota
	// AuthorityTimeUp announces the authoritative zero-transition.
	AuthorityTimeUp
)

// AuthorityEvent is one push from the shared authority to a subscribed tab.
type AuthorityEvent struct {
	Kind  AuthorityEventKind
	State State
}

// Authority is the optional single source of truth for an attempt's
// countdown: one shared execution context reachable by every tab, holding
// exactly one authoritative session per attempt and pushing ticks to all
// subscribers. It is a precision optimization, never a correctness
// dependency — every facade runs its own fallback clock regardless, and all
// Authority calls are best-effort.
type Authority interface {
	Start(attemptID, moduleID string, mode Mode, durationMs, initialElapsedMs int64) error
	Pause(attemptID string)
	Resume(attemptID string)
	Restart(attemptID string, mode Mode, durationMs, initialElapsedMs int64) error
	Stop(attemptID string)
	// Subscribe registers push for attemptID's events. The returned cancel
	// func is idempotent.
	Subscribe(attemptID, tabID string, push func(AuthorityEvent)) func()
}
