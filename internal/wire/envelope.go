package wire

import (
	"encoding/json"
	"errors"
)

// Envelope categories. Every non-stream frame carries one of these in its
// "category" field.
const (
	CategoryRequest  = "request"
	CategoryResponse = "response"
	CategoryWelcome  = "welcome"
	CategoryPing     = "ping"
	CategoryPong     = "pong"
	CategoryError    = "error"
)

// ErrInvalidFormat is returned when a frame is not a JSON object carrying a
// "category" or "type" discriminator.
var ErrInvalidFormat = errors.New("invalid message format")

// Kind classifies a raw frame without fully decoding it.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindWelcome
	KindPing
	KindPong
	KindError
	KindStreamData
	KindStreamEnd
	KindStreamError
	// KindUnknown means the frame is a well-formed envelope with a
	// discriminator value this version does not know. Receivers drop these
	// without closing the connection.
	KindUnknown
)

// tag is the minimal shape used to sniff a frame's discriminator. Envelopes
// carry "category"; stream chunks carry "type". The two sets are disjoint.
type tag struct {
	Category string `json:"category"`
	Type     string `json:"type"`
}

// Sniff classifies a raw frame. It returns ErrInvalidFormat when the frame
// is not JSON or carries neither discriminator.
func Sniff(data []byte) (Kind, error) {
	var t tag
	if err := json.Unmarshal(data, &t); err != nil {
		return KindInvalid, ErrInvalidFormat
	}
	switch t.Category {
	case CategoryRequest:
		return KindRequest, nil
	case CategoryResponse:
		return KindResponse, nil
	case CategoryWelcome:
		return KindWelcome, nil
	case CategoryPing:
		return KindPing, nil
	case CategoryPong:
		return KindPong, nil
	case CategoryError:
		return KindError, nil
	}
	switch t.Type {
	case TypeStreamData:
		return KindStreamData, nil
	case TypeStreamEnd:
		return KindStreamEnd, nil
	case TypeStreamError:
		return KindStreamError, nil
	}
	if t.Category == "" && t.Type == "" {
		return KindInvalid, ErrInvalidFormat
	}
	return KindUnknown, nil
}

// Message is a request or response envelope. The relay forwards Data as
// opaque bytes; only the endpoints interpret it.
type Message struct {
	Category  string          `json:"category"`
	RequestID string          `json:"requestId"`
	From      string          `json:"from,omitempty"`
	FromName  string          `json:"fromName,omitempty"`
	To        string          `json:"to,omitempty"`
	ToName    string          `json:"toName,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Welcome is sent by the relay as the first envelope on every accepted
// connection.
type Welcome struct {
	Category        string `json:"category"`
	ClientID        string `json:"clientId"`
	SessionID       string `json:"sessionId,omitempty"`
	RestoredSession bool   `json:"restoredSession,omitempty"`
}

// Ping doubles as pong; the pong echoes the ping's timestamp.
type Ping struct {
	Category  string `json:"category"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorMsg is a relay-generated error envelope. The connection stays open.
type ErrorMsg struct {
	Category string `json:"category"`
	Error    string `json:"error"`
	TargetID string `json:"targetId,omitempty"`
}

// NewError builds an error envelope ready for marshalling.
func NewError(msg string) ErrorMsg {
	return ErrorMsg{Category: CategoryError, Error: msg}
}
