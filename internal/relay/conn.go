package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/wirefab/wirefab/internal/auth"
)

const connWriteTimeout = 10 * time.Second

// Conn is the relay-side record for one open connection. The per-connection
// read loop is the only reader; writes from other connections' dispatch
// paths are serialized by writeMu.
type Conn struct {
	PeerID        string
	Topic         string
	Auth          *auth.Auth
	RemoteAddr    string
	SessionID     string
	PrevSessionID string

	sock         *websocket.Conn
	writeMu      sync.Mutex
	lastActivity atomic.Int64
}

func newConn(sock *websocket.Conn, peerID, topic string, a *auth.Auth, remoteAddr string) *Conn {
	c := &Conn{
		PeerID:     peerID,
		Topic:      topic,
		Auth:       a,
		RemoteAddr: remoteAddr,
		sock:       sock,
	}
	c.touch()
	return c
}

// rateKey identifies this connection's token bucket: the userID when
// authenticated, else the peer id.
func (c *Conn) rateKey() string {
	if c.Auth != nil && c.Auth.UserID != "" {
		return c.Auth.UserID
	}
	return c.PeerID
}

func (c *Conn) userID() string {
	if c.Auth == nil {
		return ""
	}
	return c.Auth.UserID
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// LastActivity returns the time of the last frame received on this
// connection.
func (c *Conn) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

// writeFrame forwards bytes unchanged to this connection. Messages to a
// peer that disconnected between lookup and write are silently lost; the
// relay never retries delivery.
func (c *Conn) writeFrame(ctx context.Context, frame []byte) error {
	wctx, cancel := context.WithTimeout(ctx, connWriteTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.Write(wctx, websocket.MessageText, frame)
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.sock.Close(code, reason)
}
