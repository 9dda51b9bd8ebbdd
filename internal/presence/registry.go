// Package presence tracks which live connections belong to which user.
//
// A Registry is owned by one process and is safe for concurrent use. It
// holds references to connections; the transport that created a
// connection owns its lifecycle and must call Remove when it closes.
package presence

import (
	"sync"

	"github.com/fyrsmithlabs/parley/internal/model"
)

// Conn is a live transport session.
type Conn interface {
	// ID is unique among live connections of the process.
	ID() string
	// Notify queues ev for delivery without blocking. It reports false if
	// the event was dropped.
	Notify(ev model.Event) bool
}

// Registry maps user ids to their open connections.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]map[string]Conn
	owner  map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]map[string]Conn),
		owner:  make(map[string]string),
	}
}

// Identify binds c to userID. Repeating the call is a no-op. A connection
// already bound to another user is moved. An empty userID is ignored.
func (r *Registry) Identify(userID string, c Conn) {
	if userID == "" || c == nil {
		return
	}
	id := c.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.owner[id]; ok {
		if prev == userID {
			r.byUser[userID][id] = c
			return
		}
		r.detach(prev, id)
	}

	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[string]Conn)
		r.byUser[userID] = set
	}
	set[id] = c
	r.owner[id] = userID
}

// ConnectionsFor returns a snapshot of userID's connections. The slice is
// owned by the caller.
func (r *Registry) ConnectionsFor(userID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	return conns
}

// Remove unbinds c from its owner. Unknown connections are ignored.
func (r *Registry) Remove(c Conn) {
	if c == nil {
		return
	}
	id := c.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owner[id]; ok {
		r.detach(owner, id)
	}
}

// Owner returns the user c is bound to.
func (r *Registry) Owner(c Conn) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.owner[c.ID()]
	return u, ok
}

// size returns the number of bound connections.
func (r *Registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owner)
}

// users returns the number of users with at least one connection.
func (r *Registry) users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// detach requires r.mu held for writing. An emptied set is deleted.
func (r *Registry) detach(userID, connID string) {
	delete(r.owner, connID)
	set := r.byUser[userID]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.byUser, userID)
	}
}
