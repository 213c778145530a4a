package engine

import (
	"context"

	"github.com/agentuity/mcp-gateway/mcp/types"
)

// Handler is the protocol engine contract: resolve one request into one
// response or error. The gateway treats the engine as a black box; it never
// inspects methods beyond the initialize handshake.
type Handler interface {
	HandleMessage(ctx context.Context, msg *types.JSONRPCMessage) (*types.JSONRPCMessage, error)
}

// Streamer is implemented by engines that push server-originated messages
// (notifications, subscription events) for a session. The returned function
// unsubscribes the sink.
type Streamer interface {
	Subscribe(sessionID string, sink func(msg *types.JSONRPCMessage)) (unsubscribe func())
}
