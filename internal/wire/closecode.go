package wire

// CloseCode is a WebSocket close status code.
type CloseCode int

// Standard close codes used on the wire. 1005, 1006 and 1015 are reserved:
// they are reported by transports but never sent by the application.
const (
	CloseNormal           CloseCode = 1000
	CloseGoingAway        CloseCode = 1001
	CloseProtocolError    CloseCode = 1002
	CloseUnsupported      CloseCode = 1003
	CloseNoStatus         CloseCode = 1005
	CloseAbnormal         CloseCode = 1006
	ClosePolicyViolation  CloseCode = 1008
	CloseMessageTooBig    CloseCode = 1009
	CloseInternalError    CloseCode = 1011
	CloseServiceRestart   CloseCode = 1012
	CloseTryAgainLater    CloseCode = 1013
	CloseBadGateway       CloseCode = 1014
	CloseTLSHandshakeFail CloseCode = 1015
)

var closeDescriptions = map[CloseCode]string{
	CloseNormal:           "normal closure",
	CloseGoingAway:        "going away",
	CloseProtocolError:    "protocol error",
	CloseUnsupported:      "unsupported data",
	CloseNoStatus:         "no status received",
	CloseAbnormal:         "abnormal closure",
	ClosePolicyViolation:  "policy violation",
	CloseMessageTooBig:    "message too big",
	CloseInternalError:    "internal error",
	CloseServiceRestart:   "service restart",
	CloseTryAgainLater:    "try again later",
	CloseBadGateway:       "bad gateway",
	CloseTLSHandshakeFail: "TLS handshake failure",
}

// Description returns a human-readable description for a close code.
func (c CloseCode) Description() string {
	if d, ok := closeDescriptions[c]; ok {
		return d
	}
	return "unknown close code"
}

// CanReconnect reports whether a client should attempt to reconnect after a
// close with this code. This is a client-side hint only.
func (c CloseCode) CanReconnect() bool {
	switch c {
	case CloseGoingAway, CloseAbnormal, CloseInternalError,
		CloseServiceRestart, CloseTryAgainLater, CloseBadGateway:
		return true
	}
	return false
}
