// Package bridge implements the client bridge: a symmetric JSON frame
// protocol over WebSocket that lets either side invoke named functions on
// the other and lets the client call methods on server-side object
// references.
package bridge

import "encoding/json"

// Frame types.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Built-in request methods.
const (
	MethodInvoke = "invoke"
	MethodPing   = "ping"
)

// Error codes carried in FrameError.
const (
	CodeNotFound     = "NOT_FOUND"
	CodeBadRequest   = "BAD_REQUEST"
	CodeInternal     = "INTERNAL"
	CodeDisconnected = "DISCONNECTED"
)

// Frame is a raw protocol frame.
type Frame struct {
	Type    string          `json:"type"`              // "req", "res", "event"
	ID      string          `json:"id,omitempty"`      // request/response ID
	Method  string          `json:"method,omitempty"`  // request method
	Params  json.RawMessage `json:"params,omitempty"`  // request params
	OK      *bool           `json:"ok,omitempty"`      // response ok
	Payload json.RawMessage `json:"payload,omitempty"` // response/event payload
	Event   string          `json:"event,omitempty"`   // event name
	Error   *FrameError     `json:"error,omitempty"`   // response error
}

// FrameError is the error body of a failed response.
type FrameError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// InvokeParams are the params of an "invoke" request: call Method on the
// object reference Ref.
type InvokeParams struct {
	Ref    string          `json:"ref"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// RefHandle is the wire form of an ObjectRef as seen by the peer.
type RefHandle struct {
	ObjectRef string `json:"objectRef"`
}
