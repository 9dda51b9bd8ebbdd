// Package presencetest provides a recording presence.Conn for tests.
package presencetest

import (
	"sync"

	"github.com/fyrsmithlabs/parley/internal/model"
)

// Conn records every event it is notified with.
type Conn struct {
	id string

	mu     sync.Mutex
	events []model.Event
	full   bool
}

// NewConn returns a recording connection with the given id.
func NewConn(id string) *Conn {
	return &Conn{id: id}
}

// ID implements presence.Conn.
func (c *Conn) ID() string { return c.id }

// Notify implements presence.Conn. A full connection drops every event.
func (c *Conn) Notify(ev model.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

// SetFull makes subsequent Notify calls drop events.
func (c *Conn) SetFull(full bool) {
	c.mu.Lock()
	c.full = full
	c.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (c *Conn) Events() []model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Event(nil), c.events...)
}

// EventsOf returns the recorded events of type t.
func (c *Conn) EventsOf(t model.EventType) []model.Event {
	var out []model.Event
	for _, ev := range c.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
