package peer

import (
	"log/slog"
	"time"

	"github.com/wirefab/wirefab/internal/wire"
)

// Options configures a Peer. Zero values pick the defaults.
type Options struct {
	// Name is advertised as fromName on outbound envelopes.
	Name string

	// RequestValidator checks inbound request payloads; failures drop the
	// envelope. ResponseValidator checks inbound response payloads; failures
	// reject the pending call with ErrInvalidResponseData.
	RequestValidator  wire.Validator
	ResponseValidator wire.Validator

	RequestTimeout time.Duration
	WelcomeTimeout time.Duration
	CloseTimeout   time.Duration

	// HeartbeatInterval enables periodic ping envelopes when positive.
	HeartbeatInterval time.Duration

	// Stream tuning, passed through to the multiplexer.
	MaxBufferedBytes  int
	BackpressureDelay time.Duration

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.RequestValidator == nil {
		o.RequestValidator = wire.AcceptAll
	}
	if o.ResponseValidator == nil {
		o.ResponseValidator = wire.AcceptAll
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = defaultRequestTimeout
	}
	if o.WelcomeTimeout <= 0 {
		o.WelcomeTimeout = defaultWelcomeTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = defaultCloseTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// RequestOption tunes a single Send/Request call.
type RequestOption struct {
	to      string
	toName  string
	timeout time.Duration
}

// To addresses the request to a specific peer id (direct routing).
func To(peerID string) RequestOption { return RequestOption{to: peerID} }

// ToName addresses the request to a named peer.
func ToName(name string) RequestOption { return RequestOption{toName: name} }

// WithTimeout overrides the request deadline for one call.
func WithTimeout(d time.Duration) RequestOption { return RequestOption{timeout: d} }
