// Package session tracks which connection each authenticated identity is
// bound to.
package session

import "pkt.systems/slotd/internal/pool"

// Registry maps authenticated identities to their live connection. It is
// keyed by identity, so at most one connection per identity is authenticated
// at a time. Registry is not safe for concurrent use; the connection manager
// owns it on its event loop.
type Registry struct {
	conns map[string]pool.ConnID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]pool.ConnID)}
}

// Authenticate binds identity to conn. It returns false and keeps the
// existing binding when identity is already registered.
func (r *Registry) Authenticate(identity string, conn pool.ConnID) bool {
	if _, ok := r.conns[identity]; ok {
		return false
	}
	r.conns[identity] = conn
	return true
}

// Remove deletes the binding for identity and reports whether one existed.
func (r *Registry) Remove(identity string) bool {
	if _, ok := r.conns[identity]; !ok {
		return false
	}
	delete(r.conns, identity)
	return true
}

// Lookup returns the connection bound to identity.
func (r *Registry) Lookup(identity string) (pool.ConnID, bool) {
	conn, ok := r.conns[identity]
	return conn, ok
}

// Len returns the number of authenticated sessions.
func (r *Registry) Len() int { return len(r.conns) }

// Snapshot returns a copy of the identity to connection map with connection
// handles rendered as strings.
func (r *Registry) Snapshot() map[string]string {
	out := make(map[string]string, len(r.conns))
	for identity, conn := range r.conns {
		out[identity] = conn.String()
	}
	return out
}
