package wire

import "encoding/json"

// Validator checks an application payload at the protocol boundary before it
// is handed to user code. Failures are non-fatal to the connection: the peer
// drops the offending envelope (requests) or rejects the waiting call
// (responses).
type Validator interface {
	Validate(raw json.RawMessage) error
}

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc func(raw json.RawMessage) error

func (f ValidatorFunc) Validate(raw json.RawMessage) error { return f(raw) }

// AcceptAll validates everything. Used when no schema is configured.
var AcceptAll Validator = ValidatorFunc(func(json.RawMessage) error { return nil })
