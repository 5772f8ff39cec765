package peer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wirefab/wirefab/internal/stream"
	"github.com/wirefab/wirefab/internal/transport"
	"github.com/wirefab/wirefab/internal/wire"
)

var (
	// ErrRequestTimedOut is returned when a request's deadline elapses with
	// no matching response, or when the welcome deadline elapses.
	ErrRequestTimedOut = errors.New("request timed out")
	// ErrConnectionClosed rejects pending requests when the connection is
	// lost or the peer is disposed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidResponseData is returned when a response payload fails the
	// configured schema.
	ErrInvalidResponseData = errors.New("invalid response data")
)

const (
	defaultRequestTimeout = 4 * time.Second
	defaultWelcomeTimeout = 4 * time.Second
	defaultCloseTimeout   = 4 * time.Second
)

// MatchHandler is invoked for every inbound request envelope that passes
// payload validation. Returning a non-nil value sends it back as the
// response. Returning an error logs it and sends nothing; the requester
// times out. Thread safety of handler internals is the caller's concern.
type MatchHandler func(payload json.RawMessage, from string) (any, error)

type pendingResult struct {
	msg *wire.Message
	err error
}

type pendingCall struct {
	ch    chan pendingResult
	timer *time.Timer
}

// Peer is one end of an RPC connection. It builds request/response
// correlation, the welcome handshake, match-handler dispatch, and stream
// multiplexing on top of a resilient transport.
type Peer struct {
	t    *transport.Transport
	mux  *stream.Mux
	log  *slog.Logger
	opts Options

	welcomeOnce sync.Once
	welcomedCh  chan struct{}

	mu       sync.Mutex
	clientID string
	pending  map[string]*pendingCall
	handlers []MatchHandler
	disposed bool
}

// New wires a peer to a transport and starts listening. The transport must
// not have been started yet; the peer starts it.
func New(ctx context.Context, t *transport.Transport, opts Options) *Peer {
	opts.applyDefaults()
	p := &Peer{
		t:          t,
		log:        opts.Logger,
		opts:       opts,
		welcomedCh: make(chan struct{}),
		pending:    make(map[string]*pendingCall),
	}
	p.mux = stream.NewMux(&transportWriter{t: t}, stream.Options{
		MaxBuffered:       opts.MaxBufferedBytes,
		BackpressureDelay: opts.BackpressureDelay,
		Logger:            opts.Logger,
	})
	t.On(transport.EventMessage, func(ev transport.Event) {
		p.handleFrame(ev.Data)
	})
	t.On(transport.EventClose, func(ev transport.Event) {
		p.rejectAllPending(ErrConnectionClosed)
	})
	if opts.HeartbeatInterval > 0 {
		go p.heartbeatLoop(ctx)
	}
	t.Start(ctx)
	return p
}

// ClientID returns the identity assigned by the relay's welcome envelope,
// empty before the handshake completes.
func (p *Peer) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// WaitForWelcome blocks until the relay's welcome envelope arrives and
// returns the assigned peer id. Fails with ErrRequestTimedOut after the
// welcome timeout (default 4 s).
func (p *Peer) WaitForWelcome(ctx context.Context) (string, error) {
	timer := time.NewTimer(p.opts.WelcomeTimeout)
	defer timer.Stop()
	select {
	case <-p.welcomedCh:
		return p.ClientID(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrRequestTimedOut
	}
}

// Send transmits a fire-and-forget request envelope: fresh requestId, no
// pending entry, no response expected.
func (p *Peer) Send(payload any, opts ...RequestOption) error {
	msg, err := p.buildRequest(payload, opts)
	if err != nil {
		return err
	}
	return p.writeEnvelope(msg)
}

// Request sends a request envelope and waits for the correlated response.
// The deadline defaults to 4 s; on expiry the pending entry is removed
// before ErrRequestTimedOut is delivered.
func (p *Peer) Request(ctx context.Context, payload any, opts ...RequestOption) (*wire.Message, error) {
	msg, err := p.buildRequest(payload, opts)
	if err != nil {
		return nil, err
	}

	timeout := p.opts.RequestTimeout
	for _, o := range opts {
		if o.timeout > 0 {
			timeout = o.timeout
		}
	}

	call := &pendingCall{ch: make(chan pendingResult, 1)}
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	p.pending[msg.RequestID] = call
	p.mu.Unlock()

	call.timer = time.AfterFunc(timeout, func() {
		if p.takePending(msg.RequestID) != nil {
			call.ch <- pendingResult{err: ErrRequestTimedOut}
		}
	})

	if err := p.writeEnvelope(msg); err != nil {
		if p.takePending(msg.RequestID) != nil {
			call.timer.Stop()
		}
		return nil, err
	}

	select {
	case res := <-call.ch:
		return res.msg, res.err
	case <-ctx.Done():
		if p.takePending(msg.RequestID) != nil {
			call.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// Call is an alias for Request.
func (p *Peer) Call(ctx context.Context, payload any, opts ...RequestOption) (*wire.Message, error) {
	return p.Request(ctx, payload, opts...)
}

// RespondTo sends a response envelope correlated to the original request and
// addressed back to its sender.
func (p *Peer) RespondTo(original *wire.Message, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	return p.writeEnvelope(&wire.Message{
		Category:  wire.CategoryResponse,
		RequestID: original.RequestID,
		From:      p.ClientID(),
		To:        original.From,
		Data:      raw,
	})
}

// Match registers a handler for inbound request envelopes.
func (p *Peer) Match(h MatchHandler) {
	p.mu.Lock()
	p.handlers = append(p.handlers, h)
	p.mu.Unlock()
}

// SendStream streams the iterator's payloads as StreamData chunks. It
// returns the stream id immediately; the done channel carries the terminal
// result.
func (p *Peer) SendStream(ctx context.Context, it stream.Iterator, streamID string) (string, <-chan error) {
	return p.mux.Send(ctx, it, streamID)
}

// ReceiveStream registers a consumer for a stream id and returns its sink.
func (p *Peer) ReceiveStream(streamID string) *stream.Sink {
	return p.mux.Receive(streamID)
}

// AbortStream cancels an outbound stream.
func (p *Peer) AbortStream(streamID string) {
	p.mux.Abort(streamID)
}

// CloseReceivingStream deregisters and closes a receiving sink.
func (p *Peer) CloseReceivingStream(streamID string) {
	p.mux.CloseReceiving(streamID)
}

// Close rejects nothing by itself; in-flight requests are rejected by the
// transport's close event. The deadline (default 4 s) bounds the wait for
// the transport close handshake.
func (p *Peer) Close(code wire.CloseCode, reason string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = p.opts.CloseTimeout
	}
	return p.t.Close(code, reason, timeout)
}

// Dispose rejects every pending request with ErrConnectionClosed, shuts
// down the stream multiplexer, and disposes the transport. User code never
// holds a stuck promise afterwards.
func (p *Peer) Dispose() error {
	p.mu.Lock()
	p.disposed = true
	p.mu.Unlock()
	p.rejectAllPending(ErrConnectionClosed)
	p.mux.Shutdown(ErrConnectionClosed)
	return p.t.Dispose()
}

func (p *Peer) buildRequest(payload any, opts []RequestOption) (*wire.Message, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	msg := &wire.Message{
		Category:  wire.CategoryRequest,
		RequestID: uuid.New().String(),
		From:      p.ClientID(),
		FromName:  p.opts.Name,
		Data:      raw,
	}
	for _, o := range opts {
		if o.to != "" {
			msg.To = o.to
		}
		if o.toName != "" {
			msg.ToName = o.toName
		}
	}
	return msg, nil
}

func (p *Peer) writeEnvelope(v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.t.Send(frame) == transport.SendFailed {
		return ErrConnectionClosed
	}
	return nil
}

// takePending removes and returns the pending entry, nil if already taken.
// Removal always precedes notification so observers cannot see a stale
// entry.
func (p *Peer) takePending(requestID string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.pending[requestID]
	if !ok {
		return nil
	}
	delete(p.pending, requestID)
	return call
}

func (p *Peer) rejectAllPending(err error) {
	p.mu.Lock()
	calls := make([]*pendingCall, 0, len(p.pending))
	for id, call := range p.pending {
		delete(p.pending, id)
		calls = append(calls, call)
	}
	p.mu.Unlock()
	for _, call := range calls {
		if call.timer != nil {
			call.timer.Stop()
		}
		call.ch <- pendingResult{err: err}
	}
}

func (p *Peer) handleFrame(data []byte) {
	kind, err := wire.Sniff(data)
	if err != nil {
		p.log.Debug("dropping malformed frame", "err", err)
		return
	}
	switch kind {
	case wire.KindWelcome:
		var w wire.Welcome
		if err := json.Unmarshal(data, &w); err != nil {
			p.log.Debug("bad welcome envelope", "err", err)
			return
		}
		p.handleWelcome(w)
	case wire.KindRequest:
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Debug("bad request envelope", "err", err)
			return
		}
		p.handleRequest(&msg)
	case wire.KindResponse:
		var msg wire.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.Debug("bad response envelope", "err", err)
			return
		}
		p.handleResponse(&msg)
	case wire.KindPing:
		var ping wire.Ping
		if err := json.Unmarshal(data, &ping); err != nil {
			return
		}
		p.writeEnvelope(wire.Ping{Category: wire.CategoryPong, Timestamp: ping.Timestamp})
	case wire.KindPong:
		// Liveness acknowledgement.
	case wire.KindError:
		var em wire.ErrorMsg
		if err := json.Unmarshal(data, &em); err != nil {
			return
		}
		p.log.Warn("relay error", "error", em.Error, "targetId", em.TargetID)
	case wire.KindStreamData:
		var d wire.StreamData
		if err := json.Unmarshal(data, &d); err != nil {
			return
		}
		p.mux.HandleData(d)
	case wire.KindStreamEnd:
		var e wire.StreamEnd
		if err := json.Unmarshal(data, &e); err != nil {
			return
		}
		p.mux.HandleEnd(e)
	case wire.KindStreamError:
		var e wire.StreamError
		if err := json.Unmarshal(data, &e); err != nil {
			return
		}
		p.mux.HandleError(e)
	default:
		p.log.Warn("dropping envelope with unknown discriminator")
	}
}

// handleWelcome records the assigned identity. A repeat welcome with the
// same clientId is a no-op; a different clientId replaces the identity and
// pending requests stay valid (still keyed by requestId).
func (p *Peer) handleWelcome(w wire.Welcome) {
	p.mu.Lock()
	if p.clientID == w.ClientID {
		p.mu.Unlock()
		p.welcomeOnce.Do(func() { close(p.welcomedCh) })
		return
	}
	if p.clientID != "" {
		p.log.Info("relay reassigned identity", "old", p.clientID, "new", w.ClientID)
	}
	p.clientID = w.ClientID
	p.mu.Unlock()
	p.welcomeOnce.Do(func() { close(p.welcomedCh) })
}

func (p *Peer) handleRequest(msg *wire.Message) {
	if err := p.opts.RequestValidator.Validate(msg.Data); err != nil {
		p.log.Debug("dropping request with invalid payload", "requestId", msg.RequestID, "err", err)
		return
	}
	p.mu.Lock()
	handlers := make([]MatchHandler, len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.Unlock()

	for _, h := range handlers {
		ret, err := h(msg.Data, msg.From)
		if err != nil {
			p.log.Error("match handler failed", "requestId", msg.RequestID, "err", err)
			continue
		}
		if ret == nil {
			continue
		}
		if err := p.RespondTo(msg, ret); err != nil {
			p.log.Error("auto-response failed", "requestId", msg.RequestID, "err", err)
		}
	}
}

func (p *Peer) handleResponse(msg *wire.Message) {
	call := p.takePending(msg.RequestID)
	if call == nil {
		p.log.Debug("response with no pending request", "requestId", msg.RequestID)
		return
	}
	if call.timer != nil {
		call.timer.Stop()
	}
	if err := p.opts.ResponseValidator.Validate(msg.Data); err != nil {
		call.ch <- pendingResult{err: ErrInvalidResponseData}
		return
	}
	call.ch <- pendingResult{msg: msg}
}

func (p *Peer) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.t.Connected() {
				continue
			}
			p.writeEnvelope(wire.Ping{
				Category:  wire.CategoryPing,
				Timestamp: time.Now().UnixMilli(),
			})
		}
	}
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// transportWriter adapts the resilient transport to the stream mux's
// FrameWriter.
type transportWriter struct {
	t *transport.Transport
}

func (w *transportWriter) WriteFrame(ctx context.Context, frame []byte) error {
	if w.t.Send(frame) == transport.SendFailed {
		return ErrConnectionClosed
	}
	return nil
}

func (w *transportWriter) BufferedBytes() int {
	return w.t.BufferedBytes()
}
