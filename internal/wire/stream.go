package wire

import "encoding/json"

// Stream chunk types. Chunks share the frame channel with envelopes but are
// discriminated by "type" instead of "category".
const (
	TypeStreamData  = "StreamData"
	TypeStreamEnd   = "StreamEnd"
	TypeStreamError = "StreamError"
)

// StreamData carries one payload chunk for a stream.
type StreamData struct {
	Type     string          `json:"type"`
	StreamID string          `json:"streamId"`
	Payload  json.RawMessage `json:"payload"`
}

// StreamEnd terminates a stream normally. Exactly one terminator
// (StreamEnd or StreamError) is emitted per stream.
type StreamEnd struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
}

// StreamError terminates a stream with an error.
type StreamError struct {
	Type     string `json:"type"`
	StreamID string `json:"streamId"`
	Error    string `json:"error"`
}
