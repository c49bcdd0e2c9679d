package storage

import (
	"sort"
	"strings"

	"github.com/dgnsrekt/realplexor/internal/cursor"
)

// PairsByFhs maps listener -> the pairs it listens on. It mirrors
// ConnectedFhs and drives teardown when a listener goes away.
type PairsByFhs struct {
	byListener map[Listener][]Pair
}

// NewPairsByFhs creates an empty index.
func NewPairsByFhs() *PairsByFhs {
	return &PairsByFhs{byListener: make(map[Listener][]Pair)}
}

// Set replaces the pairs of l.
func (p *PairsByFhs) Set(l Listener, pairs []Pair) {
	p.byListener[l] = pairs
}

// Remove drops l and returns the pairs it had.
func (p *PairsByFhs) Remove(l Listener) []Pair {
	pairs := p.byListener[l]
	delete(p.byListener, l)
	return pairs
}

// Pairs returns the pairs of l.
func (p *PairsByFhs) Pairs(l Listener) []Pair {
	return p.byListener[l]
}

// Has reports whether l is registered.
func (p *PairsByFhs) Has(l Listener) bool {
	_, ok := p.byListener[l]
	return ok
}

// UpdateCursor moves the cursor of id for l.
func (p *PairsByFhs) UpdateCursor(l Listener, id string, c cursor.Cursor) {
	pairs := p.byListener[l]
	for i := range pairs {
		if pairs[i].ID == id {
			pairs[i].Cursor = c
		}
	}
}

// ListensAny reports whether l listens to one of ids.
func (p *PairsByFhs) ListensAny(l Listener, ids LimitIDs) bool {
	for _, pair := range p.byListener[l] {
		if ids.Has(pair.ID) {
			return true
		}
	}
	return false
}

// Listeners returns every registered listener ordered by ID.
func (p *PairsByFhs) Listeners() []Listener {
	ls := make([]Listener, 0, len(p.byListener))
	for l := range p.byListener {
		ls = append(ls, l)
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].ID() < ls[j].ID() })
	return ls
}

// Len returns the number of registered listeners.
func (p *PairsByFhs) Len() int {
	return len(p.byListener)
}

// Stats dumps "(conn) => cursor:id, cursor:id" lines.
func (p *PairsByFhs) Stats() string {
	var sb strings.Builder
	for _, l := range p.Listeners() {
		items := make([]string, 0, len(p.byListener[l]))
		for _, pair := range p.byListener[l] {
			items = append(items, pair.Cursor.String()+":"+pair.ID)
		}
		sb.WriteString("(" + l.ID() + ") => " + strings.Join(items, ", ") + "\n")
	}
	return sb.String()
}
