package relay

import "sync"

// SessionTable maps session ids to peer ids so a reconnecting client can
// reclaim its previous identity. Entries survive disconnection while
// session persistence is enabled; they are evicted on process exit or by
// administrative action.
type SessionTable struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func NewSessionTable() *SessionTable {
	return &SessionTable{sessions: make(map[string]string)}
}

func (t *SessionTable) Put(sessionID, peerID string) {
	t.mu.Lock()
	t.sessions[sessionID] = peerID
	t.mu.Unlock()
}

func (t *SessionTable) Lookup(sessionID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peerID, ok := t.sessions[sessionID]
	return peerID, ok
}

func (t *SessionTable) Delete(sessionID string) {
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
}

// Evict removes a session administratively.
func (t *SessionTable) Evict(sessionID string) {
	t.Delete(sessionID)
}

func (t *SessionTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
