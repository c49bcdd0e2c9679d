package storage

import (
	"sort"

	"github.com/dgnsrekt/realplexor/internal/cursor"
)

// EventType is a presence transition.
type EventType string

const (
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"
)

// Event is one presence transition in the log.
type Event struct {
	Cursor cursor.Cursor
	Type   EventType
	ID     string
}

// Matcher selects identifiers; auth.PrefixChecker satisfies it.
type Matcher interface {
	Matches(id string) bool
}

// Events is an append-only, cursor-ordered presence log holding at
// most capacity entries (0 is unbounded).
type Events struct {
	gen      *cursor.Generator
	capacity int
	chain    []Event
}

// NewEvents creates an empty log stamping entries with gen.
func NewEvents(gen *cursor.Generator, capacity int) *Events {
	return &Events{gen: gen, capacity: capacity}
}

// Notify appends an event for id and returns it.
func (e *Events) Notify(typ EventType, id string) Event {
	ev := Event{Cursor: e.gen.Next(), Type: typ, ID: id}
	e.chain = append(e.chain, ev)
	if e.capacity > 0 && len(e.chain) > e.capacity {
		e.chain = append(e.chain[:0:0], e.chain[len(e.chain)-e.capacity:]...)
	}
	return ev
}

// Since returns the events after from that m matches, oldest first.
func (e *Events) Since(from cursor.Cursor, m Matcher) []Event {
	start := sort.Search(len(e.chain), func(i int) bool { return e.chain[i].Cursor > from })

	var out []Event
	for _, ev := range e.chain[start:] {
		if m != nil && !m.Matches(ev.ID) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Len returns the number of retained events.
func (e *Events) Len() int {
	return len(e.chain)
}
