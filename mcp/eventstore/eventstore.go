package eventstore

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrEventGap is returned by Replay when the requested cursor references
// entries that have already been evicted. Callers must surface the gap to
// the client instead of silently skipping events.
var ErrEventGap = errors.New("eventstore: cursor references evicted events")

// Event is one entry of a per-session append-only log. Sequence numbers are
// strictly increasing per session and never reused.
type Event struct {
	Sequence uint64          `json:"sequence"`
	Payload  json.RawMessage `json:"payload"`
}

// Store is an append-only, per-session ordered log of outbound events with
// replay-from-cursor. Implementations must assign sequence numbers under
// mutual exclusion per session; cross-session operations may run in
// parallel.
type Store interface {
	// Append adds a payload to the session's log and returns its sequence.
	Append(ctx context.Context, sessionID string, payload json.RawMessage) (uint64, error)

	// Replay returns all retained events with sequence greater than afterSeq,
	// in order. Returns ErrEventGap if entries after afterSeq were evicted.
	Replay(ctx context.Context, sessionID string, afterSeq uint64) ([]Event, error)

	// Drop discards the session's log. Dropping an absent session is a no-op.
	Drop(ctx context.Context, sessionID string) error

	// Close releases any resources held by the store.
	Close() error
}
