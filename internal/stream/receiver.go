package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/wirefab/wirefab/internal/wire"
)

// sinkBuffer sizes the in-process channel between the pump and the stream
// consumer; overflow accumulates in the sink's queue, never dropped.
const sinkBuffer = 256

// Sink is the consumer handle for one receiving stream. Chunks arrive on C
// in send order; C is closed by exactly one of StreamEnd, StreamError,
// consumer cancel, or connection teardown. After C closes, Err reports the
// terminal error, nil for a clean end.
//
// The queue between the connection reader and the consumer is unbounded: a
// lagging consumer delays delivery but never loses chunks the sender
// already paid backpressure for. Remote senders are bounded by their own
// backpressure window; the consumer must drain C to release the memory.
type Sink struct {
	C <-chan json.RawMessage

	out  chan json.RawMessage
	wake chan struct{}
	stop chan struct{}

	mu    sync.Mutex
	queue []json.RawMessage
	err   error
	done  bool

	cancelOnce sync.Once
	onCancel   func()
}

func newSink() *Sink {
	s := &Sink{
		out:  make(chan json.RawMessage, sinkBuffer),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	s.C = s.out
	go s.pump()
	return s
}

// pump moves queued chunks to the consumer channel and closes it after the
// queue drains past the terminator. Terminators never jump the queue: every
// chunk accepted before them is delivered first.
func (s *Sink) pump() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			if s.done {
				s.mu.Unlock()
				close(s.out)
				return
			}
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.stop:
			}
			continue
		}
		item := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		select {
		case s.out <- item:
		case <-s.stop:
			// Consumer cancelled; it will not drain the remainder.
			s.mu.Lock()
			s.queue = nil
			s.done = true
			s.mu.Unlock()
		}
	}
}

// Err returns the terminal error once C is closed.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel deregisters and closes the sink. Safe to call multiple times.
func (s *Sink) Cancel() {
	s.cancelOnce.Do(func() {
		if s.onCancel != nil {
			s.onCancel()
		}
		s.fail(ErrAborted)
		close(s.stop)
	})
}

func (s *Sink) push(payload json.RawMessage) bool {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, payload)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Sink) finish() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Sink) fail(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.signal()
}

func (s *Sink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

const (
	entryData = iota
	entryEnd
	entryError
)

type pendingEntry struct {
	kind    int
	payload json.RawMessage
	errMsg  string
}

// pendingBuffer holds chunks that arrived before the consumer registered.
type pendingBuffer struct {
	entries   []pendingEntry
	firstSeen time.Time
	timer     *time.Timer
}

func (p *pendingBuffer) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (p *pendingBuffer) add(e pendingEntry) {
	p.entries = append(p.entries, e)
	if len(p.entries) > pendingLimit {
		p.entries = p.entries[1:]
	}
}

// Receive registers a consumer for streamID and returns its sink. If chunks
// for the stream arrived early they are drained into the sink first; when
// the pending buffer already holds the terminator the sink completes
// without registering for live delivery. At most one sink exists per stream
// id; a second Receive for a live id returns the existing sink.
func (m *Mux) Receive(streamID string) *Sink {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sinks[streamID]; ok {
		return existing
	}

	sink := newSink()
	sink.onCancel = func() { m.deregister(streamID) }

	if m.closed {
		sink.fail(ErrMuxClosed)
		return sink
	}

	if p, ok := m.pending[streamID]; ok {
		delete(m.pending, streamID)
		p.stopTimer()
		terminated := false
		for _, e := range p.entries {
			switch e.kind {
			case entryData:
				sink.push(e.payload)
			case entryEnd:
				sink.finish()
				terminated = true
			case entryError:
				sink.fail(&StreamErr{StreamID: streamID, Message: e.errMsg})
				terminated = true
			}
			if terminated {
				break
			}
		}
		if terminated {
			return sink
		}
	}

	m.sinks[streamID] = sink
	return sink
}

// CloseReceiving deregisters and closes the sink for streamID, if any.
func (m *Mux) CloseReceiving(streamID string) {
	m.mu.Lock()
	sink := m.sinks[streamID]
	delete(m.sinks, streamID)
	m.mu.Unlock()
	if sink != nil {
		sink.finish()
	}
}

func (m *Mux) deregister(streamID string) {
	m.mu.Lock()
	delete(m.sinks, streamID)
	m.mu.Unlock()
}

// StreamErr is the terminal error delivered to a sink when the sender emits
// StreamError.
type StreamErr struct {
	StreamID string
	Message  string
}

func (e *StreamErr) Error() string {
	return "stream " + e.StreamID + ": " + e.Message
}

// HandleData routes an incoming StreamData chunk to its sink, or buffers it
// when no consumer has registered yet.
func (m *Mux) HandleData(d wire.StreamData) {
	m.mu.Lock()
	if sink, ok := m.sinks[d.StreamID]; ok {
		m.mu.Unlock()
		if !sink.push(d.Payload) {
			m.log.Debug("stream chunk after terminator", "streamId", d.StreamID)
		}
		return
	}
	m.bufferLocked(d.StreamID, pendingEntry{kind: entryData, payload: d.Payload})
	m.mu.Unlock()
}

// HandleEnd closes the stream's sink, or records the terminator in the
// pending buffer.
func (m *Mux) HandleEnd(e wire.StreamEnd) {
	m.mu.Lock()
	if sink, ok := m.sinks[e.StreamID]; ok {
		delete(m.sinks, e.StreamID)
		m.mu.Unlock()
		sink.finish()
		return
	}
	m.bufferLocked(e.StreamID, pendingEntry{kind: entryEnd})
	m.mu.Unlock()
}

// HandleError errors the stream's sink, or records the terminator in the
// pending buffer.
func (m *Mux) HandleError(e wire.StreamError) {
	m.mu.Lock()
	if sink, ok := m.sinks[e.StreamID]; ok {
		delete(m.sinks, e.StreamID)
		m.mu.Unlock()
		sink.fail(&StreamErr{StreamID: e.StreamID, Message: e.Error})
		return
	}
	m.bufferLocked(e.StreamID, pendingEntry{kind: entryError, errMsg: e.Error})
	m.mu.Unlock()
}

// bufferLocked appends a chunk for an unregistered stream. The buffer is
// created on the first chunk with an expiry timer; expired buffers are
// dropped and logged. Caller holds m.mu.
func (m *Mux) bufferLocked(streamID string, e pendingEntry) {
	if m.closed {
		return
	}
	p, ok := m.pending[streamID]
	if !ok {
		p = &pendingBuffer{firstSeen: time.Now()}
		p.timer = time.AfterFunc(m.expiry, func() {
			m.mu.Lock()
			if cur, ok := m.pending[streamID]; ok && cur == p {
				delete(m.pending, streamID)
				m.mu.Unlock()
				m.log.Debug("pending stream buffer expired", "streamId", streamID)
				return
			}
			m.mu.Unlock()
		})
		m.pending[streamID] = p
	}
	p.add(e)
}
