package types

import (
	"encoding/json"
)

const JSONRPCVersion = "2.0"

// JSON-RPC error codes used by the gateway. The -32000 family covers
// transport-level rejections (auth, session); the rest follow the JSON-RPC
// 2.0 reserved range.
const (
	CodeUnauthorized   = -32000
	CodeBadSession     = -32000
	CodeEventGap       = -32001
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeParseError     = -32700
)

// MethodInitialize is the handshake method that opens a new session when the
// gateway runs in stateful mode.
const MethodInitialize = "initialize"

type JSONRPCMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *JSONRPCError) Error() string {
	return e.Message
}

// IsNotification reports whether the message is a request that expects no
// response (no correlation id).
func (m *JSONRPCMessage) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// IsInitialize reports whether the message is a session-opening handshake.
func (m *JSONRPCMessage) IsInitialize() bool {
	return m.Method == MethodInitialize
}

// NewResultResponse builds a success envelope, marshaling result into the
// response body.
func NewResultResponse(id interface{}, result interface{}) (*JSONRPCMessage, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  data,
	}, nil
}

// NewErrorResponse builds an error envelope for the given correlation id.
func NewErrorResponse(id interface{}, code int, message string) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
}
