package transport

import (
	"context"

	"github.com/agentuity/mcp-gateway/mcp/engine"
	"github.com/agentuity/mcp-gateway/mcp/types"
)

// StatelessTransport serves exactly one request and shares no state with any
// other request, which is what permits horizontal scale-out without
// coordination.
type StatelessTransport struct {
	engine engine.Handler
}

var _ Transport = (*StatelessTransport)(nil)

func (t *StatelessTransport) SessionID() string {
	return ""
}

func (t *StatelessTransport) HandleMessage(ctx context.Context, msg *types.JSONRPCMessage) (*types.JSONRPCMessage, error) {
	return handleWithEngine(ctx, t.engine, msg)
}

func (t *StatelessTransport) Close() error {
	return nil
}
