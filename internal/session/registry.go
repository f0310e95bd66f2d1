package session

import (
	"net"
	"sync"
)

// Registry is the concurrency-safe collection of connected clients. It tracks
// raw stream connections that have not yet completed the handshake separately
// from fully bound sessions, and indexes bound sessions by their datagram
// endpoint for routing inbound datagrams.
type Registry struct {
	mu         sync.RWMutex
	raw        map[net.Conn]struct{}
	sessions   map[uint32]*Session
	byEndpoint map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		raw:        make(map[net.Conn]struct{}),
		sessions:   make(map[uint32]*Session),
		byEndpoint: make(map[string]*Session),
	}
}

// AddRaw records a stream connection that is still mid-handshake.
func (r *Registry) AddRaw(conn net.Conn) {
	r.mu.Lock()
	r.raw[conn] = struct{}{}
	r.mu.Unlock()
}

// RemoveRaw forgets a mid-handshake stream connection.
func (r *Registry) RemoveRaw(conn net.Conn) {
	r.mu.Lock()
	delete(r.raw, conn)
	r.mu.Unlock()
}

// RawCount returns the number of connections still mid-handshake.
func (r *Registry) RawCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.raw)
}

// Add registers a bound session. The session becomes visible to Snapshot and
// FindByEndpoint atomically.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.byEndpoint[s.RemoteDatagramAddr().String()] = s
	r.mu.Unlock()
}

// Remove unregisters a bound session. Safe to call for a session that was
// already removed.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID())
	key := s.RemoteDatagramAddr().String()
	if r.byEndpoint[key] == s {
		delete(r.byEndpoint, key)
	}
	r.mu.Unlock()
}

// Count returns the number of bound sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns a point-in-time copy of the bound session set. The slice
// is owned by the caller; iterating it never blocks registry mutators.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// FindByEndpoint returns the bound session whose remote datagram endpoint
// matches addr (by address and port), or nil.
func (r *Registry) FindByEndpoint(addr *net.UDPAddr) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byEndpoint[addr.String()]
}
