package transport

import (
	"context"

	"github.com/agentuity/go-common/logger"
	"github.com/agentuity/mcp-gateway/mcp/engine"
	"github.com/agentuity/mcp-gateway/mcp/eventstore"
	"github.com/agentuity/mcp-gateway/mcp/types"
)

// Transport turns one inbound protocol message into a call against the
// engine. The stateful variant binds exactly one session and outlives any
// single HTTP exchange; the stateless variant serves one request and is
// discarded.
type Transport interface {
	// HandleMessage processes one message. A nil response means the message
	// was a notification. Engine faults are converted into per-call error
	// envelopes; a non-nil error indicates a transport-internal fault.
	HandleMessage(ctx context.Context, msg *types.JSONRPCMessage) (*types.JSONRPCMessage, error)

	// SessionID returns the bound session id, or "" for stateless transports.
	SessionID() string

	Close() error
}

// Factory constructs transports wired to the engine and, when resumability
// is enabled, the event store.
type Factory struct {
	engine engine.Handler
	events eventstore.Store
	logger logger.Logger
}

type FactoryOption func(*Factory)

// WithEventStore enables resumable streams for stateful transports.
func WithEventStore(store eventstore.Store) FactoryOption {
	return func(f *Factory) {
		f.events = store
	}
}

func NewFactory(eng engine.Handler, log logger.Logger, options ...FactoryOption) *Factory {
	factory := &Factory{
		engine: eng,
		logger: log,
	}
	for _, option := range options {
		option(factory)
	}
	return factory
}

// Stateful builds a durable transport bound to the given session id,
// subscribing to engine-originated messages when the engine supports
// streaming.
func (f *Factory) Stateful(sessionID string) *StatefulTransport {
	t := newStatefulTransport(sessionID, f.engine, f.events, f.logger)
	if streamer, ok := f.engine.(engine.Streamer); ok {
		t.unsubscribe = streamer.Subscribe(sessionID, func(msg *types.JSONRPCMessage) {
			t.Publish(context.Background(), msg)
		})
	}
	return t
}

// Stateless builds an ephemeral transport serving exactly one request.
func (f *Factory) Stateless() *StatelessTransport {
	return &StatelessTransport{engine: f.engine}
}

// handleWithEngine dispatches to the engine and converts engine faults into
// per-call error envelopes so a single failing call never takes down the
// connection or session.
func handleWithEngine(ctx context.Context, eng engine.Handler, msg *types.JSONRPCMessage) (*types.JSONRPCMessage, error) {
	resp, err := eng.HandleMessage(ctx, msg)
	if err != nil {
		if rpcErr, ok := err.(*types.JSONRPCError); ok {
			return &types.JSONRPCMessage{
				JSONRPC: types.JSONRPCVersion,
				ID:      msg.ID,
				Error:   rpcErr,
			}, nil
		}
		return types.NewErrorResponse(msg.ID, types.CodeInternalError, err.Error()), nil
	}
	return resp, nil
}
