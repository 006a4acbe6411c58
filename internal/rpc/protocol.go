// Package rpc exposes a playback controller over a local socket.
//
// Every message is a frame carrying a JSON payload. A client sends call frames
// and receives result frames with the same id. listen and cancel frames bind
// this connection to an event stream; the server then pushes event frames.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Event stream names
const (
	StreamProgress = "progress"
	StreamState    = "state"
)

// Streams lists the valid stream names
var Streams = []string{StreamProgress, StreamState}

// Method names
const (
	MethodInitialize      = "initialize"
	MethodLoadFile        = "loadFile"
	MethodLoadAsset       = "loadAsset"
	MethodPlay            = "play"
	MethodPause           = "pause"
	MethodStop            = "stop"
	MethodSeekTo          = "seekTo"
	MethodSetSpeed        = "setSpeed"
	MethodSetVolume       = "setVolume"
	MethodGetCurrentState = "getCurrentState"
	MethodGetCurrentInfo  = "getCurrentInfo"
	MethodDispose         = "dispose"
)

// CodeNotImplemented is returned for unknown methods
const CodeNotImplemented = "NOT_IMPLEMENTED"

// Call invokes a method
type Call struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Result answers a Call, a listen or a cancel with the same id
type Result struct {
	ID    uint64          `json:"id"`
	Value json.RawMessage `json:"value,omitempty"`
	Error *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is a failed result
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Subscription is the payload of listen and cancel frames
type Subscription struct {
	ID     uint64 `json:"id"`
	Stream string `json:"stream"`
}

// Event is a pushed stream item
type Event struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// RemoteError is a failure reported by the server
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
