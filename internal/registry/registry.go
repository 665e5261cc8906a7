package registry

import (
	"log/slog"
	"sync"
)

// PresenceHooks is notified when an identity gains its first local
// connection or loses its last one. The cross-process relay uses this to
// manage its channel subscriptions.
type PresenceHooks interface {
	IdentityOnline(handle string)
	IdentityOffline(handle string)
}

// Registry tracks every live connection owned by this process, keyed by
// identity. Presence answered here is process-local only; delivery
// decisions always go through the broker as well.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]map[*Conn]struct{}
	total  int
	hooks  PresenceHooks
	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]map[*Conn]struct{}),
		logger: logger,
	}
}

// SetPresenceHooks installs the online/offline callbacks. Must be called
// before the first connection is accepted.
func (r *Registry) SetPresenceHooks(hooks PresenceHooks) {
	r.hooks = hooks
}

// Register adds a connection to its identity's set.
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	set, ok := r.conns[c.handle]
	if !ok {
		set = make(map[*Conn]struct{})
		r.conns[c.handle] = set
	}
	set[c] = struct{}{}
	r.total++
	first := len(set) == 1
	r.mu.Unlock()

	r.logger.Info("connection registered", "handle", c.handle, "conn", c.id, "total", r.ConnectionCount())

	if first && r.hooks != nil {
		r.hooks.IdentityOnline(c.handle)
	}
}

// Unregister removes a connection and closes its send channel. Safe to
// call more than once for the same connection.
func (r *Registry) Unregister(c *Conn) {
	r.mu.Lock()
	set, ok := r.conns[c.handle]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, c)
	close(c.send)
	r.total--
	last := len(set) == 0
	if last {
		delete(r.conns, c.handle)
	}
	r.mu.Unlock()

	r.logger.Info("connection unregistered", "handle", c.handle, "conn", c.id, "total", r.ConnectionCount())

	if last && r.hooks != nil {
		r.hooks.IdentityOffline(c.handle)
	}
}

// Push delivers payload to every live connection of one identity and
// reports whether at least one delivery was accepted. A connection whose
// send buffer is full is skipped; real write failures close the
// connection from its own write pump.
func (r *Registry) Push(handle string, payload []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := false
	for c := range r.conns[handle] {
		select {
		case c.send <- payload:
			delivered = true
		default:
			r.logger.Warn("send buffer full, frame dropped", "handle", handle, "conn", c.id)
		}
	}
	return delivered
}

// Broadcast delivers payload to every connection across all identities.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, set := range r.conns {
		for c := range set {
			select {
			case c.send <- payload:
			default:
			}
		}
	}
}

// IsPresent reports whether the identity has a live connection on this
// process. Diagnostics only; never a delivery-correctness input.
func (r *Registry) IsPresent(handle string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[handle]) > 0
}

// ConnectionCount returns the number of live connections on this process.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// IdentityCount returns the number of identities with at least one live
// connection on this process.
func (r *Registry) IdentityCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
