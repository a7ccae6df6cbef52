// Package presence tracks live realtime connections per user.
//
// A user may hold several connections at once (multiple tabs or devices), so
// online/offline is derived from the connection set: a user is online iff the
// set is non-empty. Register and Unregister return transition signals so the
// caller can persist and broadcast exactly one event per edge, never one per
// individual connection.
package presence

import "sync"

// Registry is an in-memory map of userId → set of connection ids. It is the
// single source of truth for reachability within one process; state is rebuilt
// from zero on restart (everyone is offline until they reconnect).
type Registry struct {
	mu    sync.RWMutex
	conns map[string]map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]map[string]bool)}
}

// Register adds a connection for a user. Returns true when this is the user's
// first active connection, i.e. the offline→online transition.
func (r *Registry) Register(userId, connId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[userId] == nil {
		r.conns[userId] = make(map[string]bool)
	}
	first := len(r.conns[userId]) == 0
	r.conns[userId][connId] = true
	return first
}

// Unregister removes a connection for a user. Returns true when this was the
// user's last connection, i.e. the online→offline transition. Removing an
// unknown connection is a no-op and never signals a transition.
func (r *Registry) Unregister(userId, connId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns, ok := r.conns[userId]
	if !ok || !conns[connId] {
		return false
	}
	delete(conns, connId)
	if len(conns) == 0 {
		delete(r.conns, userId)
		return true
	}
	return false
}

// IsOnline reports whether the user has at least one live connection.
func (r *Registry) IsOnline(userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userId]) > 0
}

// Handles returns the user's current connection ids, nil when offline.
func (r *Registry) Handles(userId string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.conns[userId]
	if len(conns) == 0 {
		return nil
	}
	result := make([]string, 0, len(conns))
	for id := range conns {
		result = append(result, id)
	}
	return result
}

// OnlineUsers returns every user with at least one live connection.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := make([]string, 0, len(r.conns))
	for uid := range r.conns {
		users = append(users, uid)
	}
	return users
}

// ConnectionCount returns the total number of live connections across users.
func (r *Registry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, conns := range r.conns {
		total += len(conns)
	}
	return total
}

// Reset clears all state, e.g. after a transport reconnect.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = make(map[string]map[string]bool)
}
