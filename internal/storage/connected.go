package storage

import (
	"sort"
	"strings"

	"github.com/dgnsrekt/realplexor/internal/cursor"
)

// Subscription is one listener attached to an identifier.
type Subscription struct {
	Listener Listener
	Cursor   cursor.Cursor
}

// ConnectedFhs maps identifier -> listener -> last seen cursor.
// An identifier is present only while at least one listener
// references it.
type ConnectedFhs struct {
	byID map[string]map[Listener]cursor.Cursor
}

// NewConnectedFhs creates an empty index.
func NewConnectedFhs() *ConnectedFhs {
	return &ConnectedFhs{byID: make(map[string]map[Listener]cursor.Cursor)}
}

// Add attaches l to id, or moves its cursor if already attached.
func (c *ConnectedFhs) Add(id string, cur cursor.Cursor, l Listener) {
	listeners, ok := c.byID[id]
	if !ok {
		listeners = make(map[Listener]cursor.Cursor)
		c.byID[id] = listeners
	}
	listeners[l] = cur
}

// Remove detaches l from id. Empty identifiers are dropped.
func (c *ConnectedFhs) Remove(id string, l Listener) {
	listeners, ok := c.byID[id]
	if !ok {
		return
	}
	delete(listeners, l)
	if len(listeners) == 0 {
		delete(c.byID, id)
	}
}

// Has reports whether l listens to id.
func (c *ConnectedFhs) Has(id string, l Listener) bool {
	_, ok := c.byID[id][l]
	return ok
}

// Listeners returns a snapshot of id's listeners ordered by listener ID.
func (c *ConnectedFhs) Listeners(id string) []Subscription {
	listeners := c.byID[id]
	subs := make([]Subscription, 0, len(listeners))
	for l, cur := range listeners {
		subs = append(subs, Subscription{Listener: l, Cursor: cur})
	}
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].Listener.ID() < subs[j].Listener.ID()
	})
	return subs
}

// Count returns the number of listeners of id.
func (c *ConnectedFhs) Count(id string) int {
	return len(c.byID[id])
}

// IDs returns every identifier with listeners, sorted.
func (c *ConnectedFhs) IDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of identifiers with listeners.
func (c *ConnectedFhs) Len() int {
	return len(c.byID)
}

// Stats dumps "id => (conn), (conn)" lines.
func (c *ConnectedFhs) Stats() string {
	var sb strings.Builder
	for _, id := range c.IDs() {
		subs := c.Listeners(id)
		names := make([]string, 0, len(subs))
		for _, s := range subs {
			names = append(names, "("+s.Listener.ID()+")")
		}
		sb.WriteString(id + " => " + strings.Join(names, ", ") + "\n")
	}
	return sb.String()
}
