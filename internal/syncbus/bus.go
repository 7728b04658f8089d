// Package syncbus is the best-effort broadcast bus linking the open tabs of
// one exam attempt. Delivery is at-most-once and unordered; a tab never
// receives its own messages. Consumers must reconcile instead of trusting
// order (see the merge rules in package timer).
package syncbus

import "context"

// MessageType enumerates the envelope kinds exchanged between tabs.
type MessageType string

const (
	// TypeTick is the periodic state announcement from a running tab.
	TypeTick MessageType = "tick"
	// TypeTimeUp announces the zero-transition so sibling tabs fire their
	// time-up callback without needing to reach zero locally.
	TypeTimeUp MessageType = "timeup"
	// TypeClockDrift forwards a locally detected drift signal. Informational,
	// never mutates timer state.
	TypeClockDrift MessageType = "clock-drift"
	// TypeRequestState is broadcast by a newly mounted tab; any running tab
	// answers with TypeState so the newcomer converges without waiting a
	// full tick interval.
	TypeRequestState MessageType = "request-state"
	// TypeState is a full state snapshot, sent in reply to TypeRequestState
	// and immediately after every state-changing operation.
	TypeState MessageType = "state"
)

// Envelope is the JSON wire format for one broadcast message. Every envelope
// carries the sender's tab ID so receivers can discard their own broadcasts.
type Envelope struct {
	Type      MessageType `json:"type"`
	AttemptID string      `json:"attempt_id"`
	TabID     string      `json:"tab_id"`

	ElapsedMs   int64  `json:"elapsed_ms,omitempty"`
	RemainingMs int64  `json:"remaining_ms,omitempty"`
	Paused      bool   `json:"paused,omitempty"`
	Stopped     bool   `json:"stopped,omitempty"`
	Mode        string `json:"mode,omitempty"`
	DriftMs     int64  `json:"drift_ms,omitempty"`
}

// Handler consumes one received envelope. Handlers must not block.
type Handler func(Envelope)

// Channel is the transport contract. Implementations are fire-and-forget:
// Publish never guarantees delivery and Subscribe never sees the
// subscriber's own envelopes.
type Channel interface {
	// Publish broadcasts env to every other subscriber of env.AttemptID.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers h for envelopes addressed to attemptID that were
	// sent by tabs other than tabID. The returned cancel func is idempotent.
	Subscribe(attemptID, tabID string, h Handler) (func(), error)
}
