package server

import (
	"slices"
	"sync"
)

// Connection is a live client transport as seen by the registry and the
// broadcaster.
type Connection interface {
	ID() string
	IsOpen() bool
	Send(data []byte) error
	// Close closes the connection with a WebSocket close status.
	Close(code int, reason string) error
}

// Registry tracks live connections and the display names of those that have
// joined. Both maps share one lock so removal clears them together.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Connection
	names map[string]string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]Connection),
		names: make(map[string]string),
	}
}

// Add registers conn under id, replacing any previous entry, and returns the
// number of live connections right after insertion.
func (r *Registry) Add(id string, conn Connection) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[id] = conn
	return len(r.conns)
}

// Remove deletes id and its name. named reports whether the connection had
// joined. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) (name string, named bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, named = r.names[id]
	delete(r.conns, id)
	delete(r.names, id)
	return name, named
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

func (r *Registry) NameOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.names[id]
	return name, ok
}

func (r *Registry) HasName(id string) bool {
	_, ok := r.NameOf(id)
	return ok
}

// SetName records the display name for a live connection. It returns false
// if the connection is gone or already has a name.
func (r *Registry) SetName(id, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, live := r.conns[id]; !live {
		return false
	}
	if _, named := r.names[id]; named {
		return false
	}
	r.names[id] = name
	return true
}

// Snapshot copies the live connections so callers can do network I/O
// without holding the lock.
func (r *Registry) Snapshot() []Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// Names returns the joined display names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.names))
	for _, name := range r.names {
		names = append(names, name)
	}
	r.mu.RUnlock()

	slices.Sort(names)
	return names
}
