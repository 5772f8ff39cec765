package relay

import "sync"

// RouteTable maps peer ids to open connections and indexes them by topic.
// An entry exists iff the connection is open. Mutation happens only on the
// accept and close paths; lookups come from per-connection dispatch, so
// everything is lock-serialized.
type RouteTable struct {
	mu     sync.RWMutex
	peers  map[string]*Conn
	topics map[string]map[string]*Conn
}

func NewRouteTable() *RouteTable {
	return &RouteTable{
		peers:  make(map[string]*Conn),
		topics: make(map[string]map[string]*Conn),
	}
}

func (t *RouteTable) Add(c *Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[c.PeerID] = c
	subs := t.topics[c.Topic]
	if subs == nil {
		subs = make(map[string]*Conn)
		t.topics[c.Topic] = subs
	}
	subs[c.PeerID] = c
}

// Remove deletes c's entries, but only while the table still maps them to
// this exact connection. A restored session supersedes the peer id; the old
// connection's close path must not evict the new connection's routes.
// Reports whether the peer entry belonged to c.
func (t *RouteTable) Remove(c *Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	owned := false
	if cur, ok := t.peers[c.PeerID]; ok && cur == c {
		delete(t.peers, c.PeerID)
		owned = true
	}
	if subs := t.topics[c.Topic]; subs != nil {
		if cur, ok := subs[c.PeerID]; ok && cur == c {
			delete(subs, c.PeerID)
			if len(subs) == 0 {
				delete(t.topics, c.Topic)
			}
		}
	}
	return owned
}

func (t *RouteTable) Get(peerID string) *Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peers[peerID]
}

// Subscribers returns every connection on a topic except the excluded peer.
func (t *RouteTable) Subscribers(topic, excludePeerID string) []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	subs := t.topics[topic]
	result := make([]*Conn, 0, len(subs))
	for id, c := range subs {
		if id == excludePeerID {
			continue
		}
		result = append(result, c)
	}
	return result
}

// All returns a snapshot of every open connection.
func (t *RouteTable) All() []*Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make([]*Conn, 0, len(t.peers))
	for _, c := range t.peers {
		result = append(result, c)
	}
	return result
}

func (t *RouteTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}
