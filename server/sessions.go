package server

import "sync"

// Registry maps logged-in usernames to their live connection and the
// conversation they currently have open. It is the only authority on
// who is online; the command processor consults it to choose between an
// immediate push and an unread increment.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Conn
	peers    map[string]string // username -> open conversation peer
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Conn),
		peers:    make(map[string]string),
	}
}

// Register binds a username to a connection. A second login supersedes
// the first: the old handle is closed and the new one takes over.
func (r *Registry) Register(username string, c *Conn) {
	r.mu.Lock()
	old := r.sessions[username]
	r.sessions[username] = c
	delete(r.peers, username)
	r.mu.Unlock()

	if old != nil && old != c {
		old.Close()
	}
}

// Unregister removes the session only if it still owns the given
// connection, so a stale disconnect cannot evict a fresh login.
func (r *Registry) Unregister(username string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[username] == c {
		delete(r.sessions, username)
		delete(r.peers, username)
	}
}

func (r *Registry) Lookup(username string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[username]
	return c, ok
}

// SetActivePeer records which conversation the user is looking at; an
// empty peer means none.
func (r *Registry) SetActivePeer(username, peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[username]; !ok {
		return
	}
	if peer == "" {
		delete(r.peers, username)
		return
	}
	r.peers[username] = peer
}

func (r *Registry) ActivePeer(username string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[username]
}

// Online reports whether the username has a live session.
func (r *Registry) Online(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[username]
	return ok
}

// Each calls fn for every live session.
func (r *Registry) Each(fn func(username string, c *Conn)) {
	r.mu.RLock()
	snapshot := make(map[string]*Conn, len(r.sessions))
	for username, c := range r.sessions {
		snapshot[username] = c
	}
	r.mu.RUnlock()

	for username, c := range snapshot {
		fn(username, c)
	}
}
