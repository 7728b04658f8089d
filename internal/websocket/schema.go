package websocket

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionStart   Action = "start"
	ActionPause   Action = "pause"
	ActionResume  Action = "resume"
	ActionRestart Action = "restart"
	ActionStop    Action = "stop"
	ActionPing    Action = "ping"
)

// CommandPayload is one client command. Duration fields are only read for
// start and restart.
type CommandPayload struct {
	Action             Action `json:"action"`
	ExpectedDurationMs int64  `json:"expected_duration_ms,omitempty"`
	InitialElapsedMs   int64  `json:"initial_elapsed_ms,omitempty"`
	Mode               string `json:"mode,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventTick       Event = "tick"
	EventTimeUp     Event = "timeup"
	EventClockDrift Event = "clock-drift"
	EventState      Event = "state"
	EventError      Event = "error"
	EventPong       Event = "pong"
)

// TickResponse announces the reconciled timer state, once per interval and
// after every state-changing command.
type TickResponse struct {
	Event       Event  `json:"event"`
	ElapsedMs   int64  `json:"elapsed_ms"`
	RemainingMs int64  `json:"remaining_ms"`
	Paused      bool   `json:"paused"`
	Mode        string `json:"mode"`
}

// TimeUpResponse is sent exactly once per session lifetime.
type TimeUpResponse struct {
	Event Event `json:"event"`
}

// ClockDriftResponse forwards a detected drift signal. Advisory only.
type ClockDriftResponse struct {
	Event   Event `json:"event"`
	DriftMs int64 `json:"drift_ms"`
}

// StateResponse answers a state query with the observable facade state.
type StateResponse struct {
	Event       Event `json:"event"`
	ElapsedMs   int64 `json:"elapsed_ms"`
	RemainingMs int64 `json:"remaining_ms"`
	IsRunning   bool  `json:"is_running"`
	IsPaused    bool  `json:"is_paused"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
