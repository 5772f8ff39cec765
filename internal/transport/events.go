package transport

import "github.com/wirefab/wirefab/internal/wire"

// EventType identifies a transport event kind.
type EventType string

const (
	// EventOpen fires when a connection (or reconnection) is established.
	EventOpen EventType = "open"
	// EventClose fires when the underlying connection closes for any reason.
	EventClose EventType = "close"
	// EventError fires on dial failures and read errors.
	EventError EventType = "error"
	// EventMessage fires once per received frame.
	EventMessage EventType = "message"
)

// Event is delivered to listeners registered with On/Once.
type Event struct {
	Type   EventType
	Data   []byte // message frames
	Code   wire.CloseCode
	Reason string
	Err    error
}

// Listener receives transport events. Listeners run on the transport's
// reader goroutine; they must not block.
type Listener func(Event)

type listenerEntry struct {
	fn   Listener
	once bool
}
