package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/agentuity/go-common/logger"
	"github.com/agentuity/mcp-gateway/mcp/engine"
	"github.com/agentuity/mcp-gateway/mcp/eventstore"
	"github.com/agentuity/mcp-gateway/mcp/types"
)

const subscriberBuffer = 64

// StatefulTransport binds one session to the engine. Outbound engine
// messages are appended to the event store (when enabled) and fanned out to
// live stream subscribers; a subscriber that falls behind has its oldest
// messages covered by replay rather than blocking the publisher.
type StatefulTransport struct {
	sessionID   string
	engine      engine.Handler
	events      eventstore.Store
	logger      logger.Logger
	unsubscribe func()

	// pubMu serializes sequence assignment with fan-out so subscribers
	// observe events in sequence order. It is never taken by Subscribe or
	// Close, which only need mu.
	pubMu sync.Mutex

	mu      sync.Mutex
	subs    map[uint64]chan eventstore.Event
	nextSub uint64
	lastSeq uint64 // only used when no event store is wired
	closed  bool

	closeOnce sync.Once
	done      chan struct{}
}

var _ Transport = (*StatefulTransport)(nil)

func newStatefulTransport(sessionID string, eng engine.Handler, events eventstore.Store, log logger.Logger) *StatefulTransport {
	return &StatefulTransport{
		sessionID: sessionID,
		engine:    eng,
		events:    events,
		logger:    log.With(map[string]interface{}{"session": sessionID}),
		subs:      make(map[uint64]chan eventstore.Event),
		done:      make(chan struct{}),
	}
}

func (t *StatefulTransport) SessionID() string {
	return t.sessionID
}

func (t *StatefulTransport) HandleMessage(ctx context.Context, msg *types.JSONRPCMessage) (*types.JSONRPCMessage, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, io.ErrClosedPipe
	}

	return handleWithEngine(ctx, t.engine, msg)
}

// Publish records an engine-originated message and delivers it to live
// subscribers. Sequence assignment and fan-out happen under one publish
// lock; if they ran under separate locks, two concurrent publishes could
// reach a subscriber out of order and the later-sequenced delivery would
// mask the earlier one.
func (t *StatefulTransport) Publish(ctx context.Context, msg *types.JSONRPCMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		t.logger.Error("failed to encode outbound message: %s", err)
		return
	}

	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	var seq uint64
	if t.events != nil {
		seq, err = t.events.Append(ctx, t.sessionID, payload)
		if err != nil {
			t.logger.Error("failed to append event: %s", err)
			return
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.events == nil {
		t.lastSeq++
		seq = t.lastSeq
	}

	for id, ch := range t.subs {
		select {
		case ch <- eventstore.Event{Sequence: seq, Payload: payload}:
		default:
			t.logger.Warn("event queue full for subscriber %d, dropping live delivery", id)
		}
	}
}

// Subscribe registers a live event channel for a streaming connection. The
// cancel function removes only this subscriber; the session itself survives
// stream disconnects.
func (t *StatefulTransport) Subscribe() (<-chan eventstore.Event, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan eventstore.Event, subscriberBuffer)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	return ch, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if sub, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(sub)
		}
	}
}

// HasSubscribers reports whether any live stream is currently attached.
func (t *StatefulTransport) HasSubscribers() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs) > 0
}

// Done is closed when the transport is closed, ending any live streams.
func (t *StatefulTransport) Done() <-chan struct{} {
	return t.done
}

func (t *StatefulTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.unsubscribe != nil {
			t.unsubscribe()
		}

		t.mu.Lock()
		t.closed = true
		for id, ch := range t.subs {
			delete(t.subs, id)
			close(ch)
		}
		t.mu.Unlock()

		close(t.done)

		if t.events != nil {
			if err := t.events.Drop(context.Background(), t.sessionID); err != nil {
				t.logger.Warn("failed to drop event log: %s", err)
			}
		}
	})
	return nil
}
