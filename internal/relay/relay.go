package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/wirefab/wirefab/internal/auth"
	"github.com/wirefab/wirefab/internal/relay/history"
	"github.com/wirefab/wirefab/internal/wire"
)

// DefaultTopic is used when the connection URL has an empty path.
const DefaultTopic = "none"

// DefaultMaxMessageSize caps inbound frames at 1 MiB.
const DefaultMaxMessageSize = 1 << 20

// Relay-generated error envelope messages.
const (
	errMessageTooLarge   = "Message too large"
	errRateLimitExceeded = "Rate limit exceeded"
	errUnauthorized      = "Unauthorized"
	errTargetNotFound    = "Target peer not found"
)

// Config configures a Relay.
type Config struct {
	// Validator authenticates upgrades. Nil means AllowAnonymous.
	Validator auth.TokenValidator
	// Rules gates subscriptions, publishes, and direct messages. Nil means
	// AllowAll.
	Rules auth.Rules
	// MaxMessageSize in octets; larger frames get an error envelope.
	MaxMessageSize int64
	// EnableRateLimit turns on the per-key token bucket gate.
	EnableRateLimit bool
	// SessionPersistence lets reconnecting clients reclaim their peer id by
	// presenting a previously issued sessionId. When disabled, sessionId
	// query parameters are never looked up.
	SessionPersistence bool
	// ForwardRawFrames re-publishes unparsable frames verbatim to the topic
	// (legacy quirk). Off by default: unparsable frames are dropped and
	// logged. Well-behaved clients never rely on this.
	ForwardRawFrames bool
	// History, when set, records broadcast envelopes per topic and replays
	// the recent ones to joining peers.
	History *history.Store
	// HistoryReplay is the number of entries replayed on join (0 disables
	// replay even when History is set).
	HistoryReplay int

	Logger *slog.Logger
}

// Relay accepts inbound connections, assigns peer identities, and routes
// envelopes between them. It owns the route, session, and rate-limit
// tables; one Relay per listening socket.
type Relay struct {
	cfg Config
	log *slog.Logger

	routes   *RouteTable
	sessions *SessionTable
	limiter  *auth.RateLimiter
	mux      *http.ServeMux

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Relay {
	if cfg.Validator == nil {
		cfg.Validator = auth.AllowAnonymous
	}
	if cfg.Rules == nil {
		cfg.Rules = auth.AllowAll
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Relay{
		cfg:      cfg,
		log:      cfg.Logger,
		routes:   NewRouteTable(),
		sessions: NewSessionTable(),
		mux:      http.NewServeMux(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.limiter = auth.NewRateLimiter(func(key string) float64 {
		return s.cfg.Rules.RateLimit(key)
	})
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("/", s.handleWS)
	return s
}

func (s *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Rules exposes the live rule set (config hot reload swaps its tables).
func (s *Relay) Rules() auth.Rules { return s.cfg.Rules }

// InvalidateRateLimit drops a key's bucket so the next message picks up a
// changed budget.
func (s *Relay) InvalidateRateLimit(key string) {
	s.limiter.Invalidate(key)
}

// Sessions exposes the session table for administrative eviction.
func (s *Relay) Sessions() *SessionTable { return s.sessions }

// Stats is a point-in-time snapshot for the health endpoint.
type Stats struct {
	Connections int `json:"connections"`
	Sessions    int `json:"sessions"`
}

func (s *Relay) Stats() Stats {
	return Stats{
		Connections: s.routes.Count(),
		Sessions:    s.sessions.Len(),
	}
}

func (s *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stats": s.Stats()})
}

// Run serves the relay on addr until ctx is cancelled. A bind failure is
// returned immediately (the daemon exits non-zero on it).
func (s *Relay) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// Close aborts every in-flight read and send loop and closes all
// connections. The root context cancellation guarantees the stop path
// cannot wedge on a slow write.
func (s *Relay) Close() {
	s.cancel()
	for _, c := range s.routes.All() {
		c.close(websocket.StatusGoingAway, "relay shutting down")
	}
	s.wg.Wait()
}

// handleWS is the upgrade path.
func (s *Relay) handleWS(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "..") {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	// Header credential wins over the query parameter.
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		token = strings.TrimPrefix(h, "Bearer ")
	}

	a, err := s.cfg.Validator.Validate(r.Context(), token, r)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if a == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	topic := strings.TrimPrefix(r.URL.Path, "/")
	if topic == "" {
		topic = DefaultTopic
	}
	if !s.cfg.Rules.CanSubscribeToTopic(a.UserID, topic) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	// Mint or restore the peer identity. Untrusted sessionIds are never
	// looked up unless persistence is enabled.
	peerID := uuid.New().String()
	sessionID := a.SessionID
	restored := false
	prevSessionID := ""
	if s.cfg.SessionPersistence {
		if sid := r.URL.Query().Get("sessionId"); sid != "" {
			if prior, ok := s.sessions.Lookup(sid); ok {
				peerID = prior
				restored = true
				prevSessionID = sid
				sessionID = sid
			}
		}
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}
	// Read limit sits above the size gate so oversized frames get an error
	// envelope instead of a transport close; only absurd frames (2× the
	// limit) close the connection.
	sock.SetReadLimit(s.cfg.MaxMessageSize * 2)

	c := newConn(sock, peerID, topic, a, r.RemoteAddr)
	c.SessionID = sessionID
	c.PrevSessionID = prevSessionID

	// A restored identity supersedes any connection still holding it; the
	// old connection's close path is identity-aware and will not evict the
	// new route entry.
	if restored {
		if prev := s.routes.Get(peerID); prev != nil {
			prev.close(websocket.StatusGoingAway, "session superseded")
		}
	}

	s.routes.Add(c)
	if s.cfg.SessionPersistence && sessionID != "" {
		s.sessions.Put(sessionID, peerID)
	}

	s.log.Info("peer connected",
		"peerId", peerID, "topic", topic, "userId", a.UserID,
		"remote", c.RemoteAddr, "restored", restored)

	s.wg.Add(1)
	defer s.wg.Done()
	defer s.closeConn(c)

	ctx, cancelConn := context.WithCancel(s.ctx)
	defer cancelConn()
	go func() {
		select {
		case <-r.Context().Done():
			cancelConn()
		case <-ctx.Done():
		}
	}()

	welcome, _ := json.Marshal(wire.Welcome{
		Category:        wire.CategoryWelcome,
		ClientID:        peerID,
		SessionID:       sessionID,
		RestoredSession: restored,
	})
	if err := c.writeFrame(ctx, welcome); err != nil {
		return
	}

	s.replayHistory(ctx, c)
	s.serveConn(ctx, c)
}

func (s *Relay) closeConn(c *Conn) {
	owned := s.routes.Remove(c)
	if !s.cfg.SessionPersistence && c.SessionID != "" {
		s.sessions.Delete(c.SessionID)
	}
	// A superseded connection shares its rate key with the restored one;
	// only the route owner clears the bucket.
	if owned {
		s.limiter.Forget(c.rateKey())
	}
	c.sock.CloseNow()
	s.log.Info("peer disconnected", "peerId", c.PeerID, "topic", c.Topic)
}

// serveConn is the per-connection dispatch loop.
func (s *Relay) serveConn(ctx context.Context, c *Conn) {
	for {
		_, frame, err := c.sock.Read(ctx)
		if err != nil {
			return
		}
		c.touch()
		s.dispatch(ctx, c, frame)
	}
}

// dispatch applies the size, rate, and authorization gates, then routes the
// frame either direct or to the topic — never both. The relay never
// interprets the payload inside an envelope.
func (s *Relay) dispatch(ctx context.Context, c *Conn, frame []byte) {
	if int64(len(frame)) > s.cfg.MaxMessageSize {
		s.sendError(ctx, c, errMessageTooLarge, "")
		return
	}

	if s.cfg.EnableRateLimit && !s.limiter.Allow(c.rateKey()) {
		s.sendError(ctx, c, errRateLimitExceeded, "")
		return
	}

	kind, err := wire.Sniff(frame)
	if err != nil {
		// Legacy quirk: unparsable frames can be published raw to the topic.
		if s.cfg.ForwardRawFrames {
			s.publish(ctx, c, frame)
			return
		}
		s.log.Debug("dropping unparsable frame", "peerId", c.PeerID)
		return
	}

	switch kind {
	case wire.KindPing:
		var ping wire.Ping
		if err := json.Unmarshal(frame, &ping); err != nil {
			return
		}
		pong, _ := json.Marshal(wire.Ping{Category: wire.CategoryPong, Timestamp: ping.Timestamp})
		c.writeFrame(ctx, pong)
		return
	case wire.KindPong:
		// Liveness acknowledgement; lastActivity already updated.
		return
	}

	var addr struct {
		To string `json:"to"`
	}
	if err := json.Unmarshal(frame, &addr); err != nil {
		return
	}

	if addr.To != "" {
		if !s.cfg.Rules.CanMessagePeer(c.userID(), addr.To) {
			s.sendError(ctx, c, errUnauthorized, addr.To)
			return
		}
		target := s.routes.Get(addr.To)
		if target == nil {
			s.sendError(ctx, c, errTargetNotFound, addr.To)
			return
		}
		if err := target.writeFrame(ctx, frame); err != nil {
			s.log.Debug("direct forward failed", "to", addr.To, "err", err)
		}
		return
	}

	if !s.cfg.Rules.CanPublishToTopic(c.userID(), c.Topic) {
		s.sendError(ctx, c, errUnauthorized, "")
		return
	}
	s.publish(ctx, c, frame)
}

// publish copies a frame to every subscriber of the sender's topic except
// the sender.
func (s *Relay) publish(ctx context.Context, from *Conn, frame []byte) {
	if s.cfg.History != nil {
		if err := s.cfg.History.Append(from.Topic, frame); err != nil {
			s.log.Warn("history append failed", "topic", from.Topic, "err", err)
		}
	}
	for _, sub := range s.routes.Subscribers(from.Topic, from.PeerID) {
		if err := sub.writeFrame(ctx, frame); err != nil {
			s.log.Debug("broadcast write failed", "to", sub.PeerID, "err", err)
		}
	}
}

// replayHistory sends the topic's recent broadcast envelopes to a joining
// peer.
func (s *Relay) replayHistory(ctx context.Context, c *Conn) {
	if s.cfg.History == nil || s.cfg.HistoryReplay <= 0 {
		return
	}
	entries, err := s.cfg.History.Recent(c.Topic, s.cfg.HistoryReplay)
	if err != nil {
		s.log.Warn("history query failed", "topic", c.Topic, "err", err)
		return
	}
	for _, frame := range entries {
		if err := c.writeFrame(ctx, frame); err != nil {
			return
		}
	}
}

func (s *Relay) sendError(ctx context.Context, c *Conn, msg, targetID string) {
	frame, _ := json.Marshal(wire.ErrorMsg{
		Category: wire.CategoryError,
		Error:    msg,
		TargetID: targetID,
	})
	if err := c.writeFrame(ctx, frame); err != nil {
		s.log.Debug("error envelope write failed", "peerId", c.PeerID, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
