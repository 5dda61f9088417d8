package ws

import (
	"sync"

	"github.com/gorilla/websocket"
)

// conn is one live authenticated connection. Writes are serialized through
// a per-connection mutex: gorilla/websocket permits only one concurrent
// writer, and forwards originate from other users' read loops.
type conn struct {
	username string
	sock     *websocket.Conn
	writeMu  sync.Mutex
}

func (c *conn) send(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.sock.WriteJSON(f)
}

// registry maps each username to exactly one live connection. A newer
// connection for the same user silently supersedes the older one:
// last-connect-wins, single active session per user.
type registry struct {
	mu    sync.Mutex
	conns map[string]*conn
}

func newRegistry() *registry {
	return &registry{conns: make(map[string]*conn)}
}

// register installs c as the user's connection and returns the displaced
// older connection, if any, for the caller to close.
func (r *registry) register(c *conn) *conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.conns[c.username]
	r.conns[c.username] = c
	return old
}

// deregister removes c, but only if it is still the user's current
// connection: a superseded connection must not evict its replacement.
func (r *registry) deregister(c *conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[c.username] == c {
		delete(r.conns, c.username)
	}
}

// sendTo delivers a frame to the named user's registered connection.
// Returns false if no connection is registered or the write fails.
func (r *registry) sendTo(username string, f Frame) bool {
	r.mu.Lock()
	c := r.conns[username]
	r.mu.Unlock()
	if c == nil {
		return false
	}
	return c.send(f) == nil
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
