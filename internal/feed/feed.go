// Package feed defines the upstream brokerage feed contract: an adapter
// authenticates to a broker and yields an account-state snapshot plus a
// live sequence of transaction events. Implementations live in
// subpackages; the relay consumes only these interfaces.
package feed

import (
	"context"
	"encoding/json"
)

// HeartbeatType tags the liveness probes brokers interleave into their
// transaction streams. Probes are noise to the relay and are never
// published.
const HeartbeatType = "HEARTBEAT"

// Event is one element of the transaction stream. Raw holds the full
// untouched upstream payload; the named fields are the identifiers the
// relay indexes by.
type Event struct {
	ID        string
	Type      string
	Time      string
	AccountID string
	BatchID   string
	RequestID string
	UserID    string
	Raw       json.RawMessage
}

// Heartbeat reports whether the event is a liveness probe.
func (e Event) Heartbeat() bool {
	return e.Type == HeartbeatType
}

// Stream yields transaction events in upstream order. Recv returns io.EOF
// when the upstream closes the stream cleanly and an error when the
// connection drops.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Adapter authenticates to a brokerage and exposes its transaction feed.
type Adapter interface {
	// AccountID identifies the account the adapter streams for.
	AccountID() string
	// AccountState fetches a best-effort snapshot of the current account
	// state.
	AccountState(ctx context.Context) (json.RawMessage, error)
	// Stream opens a fresh event sequence. Each call establishes a new
	// upstream connection.
	Stream(ctx context.Context) (Stream, error)
}
