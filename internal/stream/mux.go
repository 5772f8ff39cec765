package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wirefab/wirefab/internal/wire"
)

var (
	// ErrAborted is reported when a send stream is cancelled explicitly or
	// by connection teardown.
	ErrAborted = errors.New("stream aborted")
	// ErrMuxClosed is returned for operations on a shut-down multiplexer.
	ErrMuxClosed = errors.New("stream mux closed")
)

const (
	// DefaultMaxBuffered pauses the sender while the connection's outbound
	// buffer holds more than this many bytes.
	DefaultMaxBuffered = 1 << 20
	// DefaultBackpressureDelay is the polling cadence during backpressure.
	DefaultBackpressureDelay = 10 * time.Millisecond

	// pendingLimit caps chunks buffered for a stream nobody receives yet;
	// beyond it the oldest chunk is dropped.
	pendingLimit = 100
	// pendingExpiry drops a pending buffer this long after its first chunk.
	pendingExpiry = 10 * time.Second
)

// FrameWriter is the connection surface the multiplexer writes through.
// BufferedBytes drives backpressure; implementations without buffer
// accounting may return 0.
type FrameWriter interface {
	WriteFrame(ctx context.Context, frame []byte) error
	BufferedBytes() int
}

// Iterator yields stream payloads in order. Next returns io.EOF at the
// natural end of the sequence.
type Iterator interface {
	Next(ctx context.Context) (json.RawMessage, error)
}

// SliceIterator adapts a fixed payload list to Iterator.
type SliceIterator struct {
	items []json.RawMessage
	pos   int
}

func NewSliceIterator(items []json.RawMessage) *SliceIterator {
	return &SliceIterator{items: items}
}

func (it *SliceIterator) Next(ctx context.Context) (json.RawMessage, error) {
	if it.pos >= len(it.items) {
		return nil, io.EOF
	}
	item := it.items[it.pos]
	it.pos++
	return item, nil
}

// ChanIterator adapts a channel to Iterator; a closed channel ends the
// stream.
type ChanIterator struct {
	C <-chan json.RawMessage
}

func (it ChanIterator) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case item, ok := <-it.C:
		if !ok {
			return nil, io.EOF
		}
		return item, nil
	}
}

// Options tunes a Mux. Zero values pick the defaults.
type Options struct {
	MaxBuffered       int
	BackpressureDelay time.Duration
	// PendingExpiry bounds how long chunks for an unregistered stream are
	// held before being dropped.
	PendingExpiry time.Duration
	Logger        *slog.Logger
}

// Mux multiplexes independent streams of typed chunks over one connection.
// Each outbound stream runs its own sender goroutine; inbound chunks are
// routed to registered sinks or held in bounded pending buffers.
type Mux struct {
	w      FrameWriter
	log    *slog.Logger
	max    int
	delay  time.Duration
	expiry time.Duration

	mu      sync.Mutex
	sends   map[string]context.CancelFunc
	sinks   map[string]*Sink
	pending map[string]*pendingBuffer
	closed  bool
}

func NewMux(w FrameWriter, opts Options) *Mux {
	if opts.MaxBuffered <= 0 {
		opts.MaxBuffered = DefaultMaxBuffered
	}
	if opts.BackpressureDelay <= 0 {
		opts.BackpressureDelay = DefaultBackpressureDelay
	}
	if opts.PendingExpiry <= 0 {
		opts.PendingExpiry = pendingExpiry
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Mux{
		w:       w,
		log:     log,
		max:     opts.MaxBuffered,
		delay:   opts.BackpressureDelay,
		expiry:  opts.PendingExpiry,
		sends:   make(map[string]context.CancelFunc),
		sinks:   make(map[string]*Sink),
		pending: make(map[string]*pendingBuffer),
	}
}

// Send starts an outbound stream and returns its id immediately. The done
// channel receives the terminal result: nil after StreamEnd, ErrAborted
// after cancellation, or the iterator's error after StreamError.
func (m *Mux) Send(ctx context.Context, it Iterator, streamID string) (string, <-chan error) {
	if streamID == "" {
		streamID = uuid.New().String()
	}
	done := make(chan error, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		done <- ErrMuxClosed
		return streamID, done
	}
	sendCtx, cancel := context.WithCancel(ctx)
	m.sends[streamID] = cancel
	m.mu.Unlock()

	go func() {
		err := m.runSender(sendCtx, it, streamID)
		m.mu.Lock()
		delete(m.sends, streamID)
		m.mu.Unlock()
		cancel()
		done <- err
	}()
	return streamID, done
}

// Abort cancels an outbound stream. The sender emits a StreamError
// terminator and stops.
func (m *Mux) Abort(streamID string) {
	m.mu.Lock()
	cancel := m.sends[streamID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Mux) runSender(ctx context.Context, it Iterator, streamID string) error {
	for {
		// Backpressure: wait for the outbound buffer to drain below the
		// threshold before pulling the next item.
		for m.w.BufferedBytes() > m.max {
			select {
			case <-ctx.Done():
				m.emitStreamError(streamID, "Stream aborted during backpressure wait")
				return ErrAborted
			case <-time.After(m.delay):
			}
		}
		select {
		case <-ctx.Done():
			m.emitStreamError(streamID, "Stream aborted")
			return ErrAborted
		default:
		}

		item, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			frame, _ := json.Marshal(wire.StreamEnd{Type: wire.TypeStreamEnd, StreamID: streamID})
			if werr := m.w.WriteFrame(ctx, frame); werr != nil {
				return werr
			}
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				m.emitStreamError(streamID, "Stream aborted")
				return ErrAborted
			}
			m.emitStreamError(streamID, err.Error())
			return err
		}

		frame, merr := json.Marshal(wire.StreamData{
			Type:     wire.TypeStreamData,
			StreamID: streamID,
			Payload:  item,
		})
		if merr != nil {
			m.emitStreamError(streamID, merr.Error())
			return merr
		}
		if werr := m.w.WriteFrame(ctx, frame); werr != nil {
			return werr
		}
	}
}

func (m *Mux) emitStreamError(streamID, msg string) {
	frame, _ := json.Marshal(wire.StreamError{
		Type:     wire.TypeStreamError,
		StreamID: streamID,
		Error:    msg,
	})
	// Best effort: the connection may already be gone.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.w.WriteFrame(ctx, frame); err != nil {
		m.log.Debug("stream error terminator not sent", "streamId", streamID, "err", err)
	}
}

// Shutdown aborts every outbound stream and errors every sink. Called on
// connection teardown.
func (m *Mux) Shutdown(err error) {
	if err == nil {
		err = errors.New("connection closed")
	}
	m.mu.Lock()
	m.closed = true
	cancels := make([]context.CancelFunc, 0, len(m.sends))
	for _, cancel := range m.sends {
		cancels = append(cancels, cancel)
	}
	sinks := make([]*Sink, 0, len(m.sinks))
	for _, s := range m.sinks {
		sinks = append(sinks, s)
	}
	m.sinks = make(map[string]*Sink)
	for _, p := range m.pending {
		p.stopTimer()
	}
	m.pending = make(map[string]*pendingBuffer)
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, s := range sinks {
		s.fail(err)
	}
}
