// Package storage holds the in-memory structures behind the hub: who
// listens to what, which data waits for delivery, the presence event
// log and the per-identifier timers.
//
// None of the types here are safe for concurrent use; the hub
// serializes every access.
package storage

import (
	"sort"

	"github.com/dgnsrekt/realplexor/internal/cursor"
)

// Pair declares "listening to ID, everything up to Cursor already seen".
type Pair struct {
	ID     string
	Cursor cursor.Cursor
}

// LimitIDs restricts delivery of an item to listeners that also
// listen to one of these identifiers.
type LimitIDs map[string]struct{}

// NewLimitIDs builds a set from ids.
func NewLimitIDs(ids ...string) LimitIDs {
	l := make(LimitIDs, len(ids))
	for _, id := range ids {
		l[id] = struct{}{}
	}
	return l
}

// Has reports whether id is in the set.
func (l LimitIDs) Has(id string) bool {
	_, ok := l[id]
	return ok
}

// Keys returns the identifiers, sorted.
func (l LimitIDs) Keys() []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DataRef is one received payload, shared read-only by every queue
// entry created from the same push.
type DataRef struct {
	data []byte
}

// NewDataRef copies b into a new shared payload.
func NewDataRef(b []byte) *DataRef {
	data := make([]byte, len(b))
	copy(data, b)
	return &DataRef{data: data}
}

// Bytes returns the payload. Callers must not modify it.
func (d *DataRef) Bytes() []byte {
	return d.data
}

// Len returns the payload size.
func (d *DataRef) Len() int {
	return len(d.data)
}

// Part is one payload delivered to a listener together with the
// identifiers (and their cursors) it was pushed under.
type Part struct {
	IDs  []Pair
	Data *DataRef
}

// MaxCursor returns the highest cursor in the part.
func (p Part) MaxCursor() cursor.Cursor {
	var c cursor.Cursor
	for _, pair := range p.IDs {
		if pair.Cursor > c {
			c = pair.Cursor
		}
	}
	return c
}

// Listener is a subscriber connection registered in the indexes.
type Listener interface {
	// ID is a stable identity used for ordering and diagnostics.
	ID() string

	// Deliver hands parts to the connection without blocking. It
	// returns false when the listener must be detached afterwards,
	// either because it is one-shot or because it cannot keep up.
	Deliver(parts []Part) bool
}
