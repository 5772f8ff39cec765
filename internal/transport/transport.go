package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/wirefab/wirefab/internal/wire"
)

// ErrCloseTimeout is returned when Close does not observe the underlying
// connection's close event within the deadline.
var ErrCloseTimeout = errors.New("close timed out")

const (
	defaultInitialReconnect = time.Second
	defaultMaxReconnect     = 30 * time.Second
	defaultCloseTimeout     = time.Second
	defaultReadLimit        = 1 << 20
	writeTimeout            = 10 * time.Second
)

// SendResult reports what happened to a frame handed to Send.
type SendResult int

const (
	// SendSent: the connection was open and the frame was accepted for write.
	SendSent SendResult = iota
	// SendQueued: the connection is down; the frame will be drained FIFO
	// after the next successful reconnect.
	SendQueued
	// SendFailed: the user has closed the transport.
	SendFailed
)

// Options configures a Transport. The zero value picks the defaults.
type Options struct {
	InitialReconnectInterval time.Duration
	MaxReconnectInterval     time.Duration
	CloseTimeout             time.Duration
	ReadLimit                int64
	HTTPHeader               http.Header
	Logger                   *slog.Logger
}

// Transport wraps a WebSocket connection in an object whose lifetime spans
// many concrete sessions. It reconnects with exponential backoff, queues
// outbound frames while disconnected, and keeps listener registrations
// across reconnects.
type Transport struct {
	url  string
	opts Options
	log  *slog.Logger

	mu          sync.Mutex
	conn        *websocket.Conn
	open        bool
	userClosed  bool
	disposed    bool
	queue       [][]byte
	queuedBytes int
	listeners   map[EventType][]*listenerEntry
	dispatching map[EventType]bool
	backoff     *Backoff
	// sessionClosed is re-armed on every successful dial and closed when
	// that session's close event has been dispatched, so Close waits on the
	// live session rather than a stale one.
	sessionClosed chan struct{}

	userClosedCh chan struct{}
	wakeCh       chan struct{}
}

// New creates a transport for the given URL. Call Start to begin connecting.
func New(url string, opts Options) *Transport {
	if opts.InitialReconnectInterval <= 0 {
		opts.InitialReconnectInterval = defaultInitialReconnect
	}
	if opts.MaxReconnectInterval <= 0 {
		opts.MaxReconnectInterval = defaultMaxReconnect
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		url:          url,
		opts:         opts,
		log:          log,
		listeners:    make(map[EventType][]*listenerEntry),
		dispatching:  make(map[EventType]bool),
		backoff:      NewBackoff(opts.InitialReconnectInterval, opts.MaxReconnectInterval),
		userClosedCh: make(chan struct{}),
		wakeCh:       make(chan struct{}, 1),
	}
}

// Start launches the connection manager and writer. It returns immediately;
// connection state is reported through events.
func (t *Transport) Start(ctx context.Context) {
	go t.run(ctx)
	go t.writeLoop(ctx)
}

// On registers a listener for an event type and returns its unsubscribe
// function. Registrations survive reconnection.
func (t *Transport) On(typ EventType, fn Listener) (off func()) {
	return t.addListener(typ, fn, false)
}

// Once registers a listener that fires at most once.
func (t *Transport) Once(typ EventType, fn Listener) (off func()) {
	return t.addListener(typ, fn, true)
}

func (t *Transport) addListener(typ EventType, fn Listener, once bool) func() {
	e := &listenerEntry{fn: fn, once: once}
	t.mu.Lock()
	t.listeners[typ] = append(t.listeners[typ], e)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		entries := t.listeners[typ]
		for i, cand := range entries {
			if cand == e {
				t.listeners[typ] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Send transmits a frame if the connection is open, queues it if the
// connection is down, and fails only after the user has closed.
func (t *Transport) Send(frame []byte) SendResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.userClosed || t.disposed {
		return SendFailed
	}
	t.queue = append(t.queue, frame)
	t.queuedBytes += len(frame)
	t.wakeLocked()
	if t.open {
		return SendSent
	}
	return SendQueued
}

// BufferedBytes reports outbound bytes accepted by Send but not yet written
// to the socket. The stream multiplexer polls this for backpressure.
func (t *Transport) BufferedBytes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queuedBytes
}

// Connected reports whether the underlying connection is currently open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

// Close prevents further reconnects, closes the connection, and waits up to
// timeout (default 1 s) for the close event. Safe to call during a pending
// reconnect timer: the timer is cancelled and Close returns nil.
func (t *Transport) Close(code wire.CloseCode, reason string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = t.opts.CloseTimeout
	}
	t.mu.Lock()
	alreadyClosed := t.userClosed
	if !alreadyClosed {
		t.userClosed = true
		close(t.userClosedCh)
	}
	conn := t.conn
	open := t.open
	closed := t.sessionClosed
	t.mu.Unlock()

	if alreadyClosed || conn == nil || !open {
		return nil
	}
	conn.Close(websocket.StatusCode(code), reason)
	select {
	case <-closed:
		return nil
	case <-time.After(timeout):
		return ErrCloseTimeout
	}
}

// Dispose closes the transport and clears the queue and all listeners.
func (t *Transport) Dispose() error {
	err := t.Close(wire.CloseNormal, "dispose", 0)
	t.mu.Lock()
	t.disposed = true
	t.queue = nil
	t.queuedBytes = 0
	t.listeners = make(map[EventType][]*listenerEntry)
	t.mu.Unlock()
	return err
}

func (t *Transport) run(ctx context.Context) {
	for {
		if t.isUserClosed() || ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
			HTTPHeader: t.opts.HTTPHeader,
		})
		if err != nil {
			// Connect-time failure is treated the same as a close.
			t.dispatch(Event{Type: EventError, Err: err})
			if !t.waitReconnect(ctx) {
				return
			}
			continue
		}
		conn.SetReadLimit(t.opts.ReadLimit)

		sessionClosed := make(chan struct{})
		t.mu.Lock()
		t.conn = conn
		t.open = true
		t.backoff.Reset()
		t.sessionClosed = sessionClosed
		t.mu.Unlock()

		t.dispatch(Event{Type: EventOpen})
		t.wake()

		readErr := t.readLoop(ctx, conn)

		t.mu.Lock()
		t.open = false
		t.conn = nil
		t.mu.Unlock()
		conn.CloseNow()

		code := wire.CloseAbnormal
		var reason string
		if status := websocket.CloseStatus(readErr); status != -1 {
			code = wire.CloseCode(status)
		}
		if ce := (websocket.CloseError{}); errors.As(readErr, &ce) {
			reason = ce.Reason
		}
		t.dispatch(Event{Type: EventClose, Code: code, Reason: reason, Err: readErr})
		close(sessionClosed)

		if t.isUserClosed() || ctx.Err() != nil {
			return
		}
		t.log.Debug("transport disconnected", "err", readErr, "code", int(code))
		if !t.waitReconnect(ctx) {
			return
		}
	}
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		t.dispatch(Event{Type: EventMessage, Data: data})
	}
}

// waitReconnect sleeps for the next backoff delay. Returns false when the
// transport was closed or the context ended during the wait.
func (t *Transport) waitReconnect(ctx context.Context) bool {
	t.mu.Lock()
	delay := t.backoff.Next()
	t.mu.Unlock()
	select {
	case <-ctx.Done():
		return false
	case <-t.userClosedCh:
		return false
	case <-time.After(delay):
		return true
	}
}

func (t *Transport) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.userClosedCh:
			return
		case <-t.wakeCh:
		}
		for {
			t.mu.Lock()
			if !t.open || len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			frame := t.queue[0]
			t.queue = t.queue[1:]
			conn := t.conn
			t.mu.Unlock()

			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			cancel()

			t.mu.Lock()
			if err != nil {
				// Put the frame back so it survives the reconnect.
				t.queue = append([][]byte{frame}, t.queue...)
				t.mu.Unlock()
				break
			}
			t.queuedBytes -= len(frame)
			t.mu.Unlock()
		}
	}
}

// dispatch delivers an event to all listeners of its type. Nested dispatch
// of the same type is skipped to prevent close→reconnect→close storms during
// teardown.
func (t *Transport) dispatch(ev Event) {
	t.mu.Lock()
	if t.dispatching[ev.Type] {
		t.mu.Unlock()
		return
	}
	t.dispatching[ev.Type] = true
	entries := make([]*listenerEntry, len(t.listeners[ev.Type]))
	copy(entries, t.listeners[ev.Type])
	remaining := t.listeners[ev.Type][:0]
	for _, e := range t.listeners[ev.Type] {
		if !e.once {
			remaining = append(remaining, e)
		}
	}
	t.listeners[ev.Type] = remaining
	t.mu.Unlock()

	for _, e := range entries {
		e.fn(ev)
	}

	t.mu.Lock()
	delete(t.dispatching, ev.Type)
	t.mu.Unlock()
}

func (t *Transport) isUserClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userClosed
}

func (t *Transport) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *Transport) wakeLocked() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}
