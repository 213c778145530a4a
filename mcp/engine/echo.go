package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/agentuity/mcp-gateway/mcp/types"
)

// EchoEngine is a minimal engine used by the demo binary and tests. It
// answers the initialize handshake and ping, and echoes every other method
// back to the caller. Real deployments inject their own Handler.
type EchoEngine struct {
	name    string
	version string

	mu    sync.Mutex
	sinks map[string][]func(msg *types.JSONRPCMessage)
}

var _ Handler = (*EchoEngine)(nil)
var _ Streamer = (*EchoEngine)(nil)

func NewEchoEngine(name string, version string) *EchoEngine {
	return &EchoEngine{
		name:    name,
		version: version,
		sinks:   make(map[string][]func(msg *types.JSONRPCMessage)),
	}
}

func (e *EchoEngine) HandleMessage(ctx context.Context, msg *types.JSONRPCMessage) (*types.JSONRPCMessage, error) {
	if msg.IsNotification() {
		return nil, nil
	}

	switch msg.Method {
	case types.MethodInitialize:
		return types.NewResultResponse(msg.ID, map[string]interface{}{
			"protocolVersion": "2025-03-26",
			"serverInfo": map[string]string{
				"name":    e.name,
				"version": e.version,
			},
		})
	case "ping":
		return types.NewResultResponse(msg.ID, struct{}{})
	default:
		return types.NewResultResponse(msg.ID, map[string]interface{}{
			"method": msg.Method,
			"params": json.RawMessage(msg.Params),
		})
	}
}

func (e *EchoEngine) Subscribe(sessionID string, sink func(msg *types.JSONRPCMessage)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sinks[sessionID] = append(e.sinks[sessionID], sink)
	idx := len(e.sinks[sessionID]) - 1

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		sinks := e.sinks[sessionID]
		if idx < len(sinks) {
			sinks[idx] = nil
		}
	}
}

// Push delivers a server-originated notification to every subscriber of the
// session. Used by tests to simulate engine-side events.
func (e *EchoEngine) Push(sessionID string, msg *types.JSONRPCMessage) {
	e.mu.Lock()
	sinks := make([]func(msg *types.JSONRPCMessage), len(e.sinks[sessionID]))
	copy(sinks, e.sinks[sessionID])
	e.mu.Unlock()

	for _, sink := range sinks {
		if sink != nil {
			sink(msg)
		}
	}
}
