package storage

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"time"
)

// timer is one heap entry. A rearm replaces the entry instead of
// mutating it.
type timer struct {
	id       string
	deadline time.Time
	index    int
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].id < h[j].id
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Timers is a per-identifier countdown registry. An identifier is
// either absent, held (present without deadline) or armed.
type Timers struct {
	queue timerHeap
	byID  map[string]*timer
}

// NewTimers creates an empty registry.
func NewTimers() *Timers {
	return &Timers{byID: make(map[string]*timer)}
}

// Start arms id to expire at deadline, replacing any earlier deadline.
func (t *Timers) Start(id string, deadline time.Time) {
	t.cancel(id)
	entry := &timer{id: id, deadline: deadline}
	heap.Push(&t.queue, entry)
	t.byID[id] = entry
}

// Hold keeps id present with no deadline.
func (t *Timers) Hold(id string) {
	t.cancel(id)
	t.byID[id] = &timer{id: id, index: -1}
}

// Remove drops id. It reports whether id was present.
func (t *Timers) Remove(id string) bool {
	if _, ok := t.byID[id]; !ok {
		return false
	}
	t.cancel(id)
	delete(t.byID, id)
	return true
}

func (t *Timers) cancel(id string) {
	if entry, ok := t.byID[id]; ok && entry.index >= 0 {
		heap.Remove(&t.queue, entry.index)
	}
}

// Has reports whether id is present.
func (t *Timers) Has(id string) bool {
	_, ok := t.byID[id]
	return ok
}

// Expire removes and returns every id whose deadline is not after now,
// in deadline order.
func (t *Timers) Expire(now time.Time) []string {
	var ids []string
	for len(t.queue) > 0 && !t.queue[0].deadline.After(now) {
		entry := heap.Pop(&t.queue).(*timer)
		delete(t.byID, entry.id)
		ids = append(ids, entry.id)
	}
	return ids
}

// IDs returns present identifiers accepted by m, sorted.
func (t *Timers) IDs(m Matcher) []string {
	ids := make([]string, 0, len(t.byID))
	for id := range t.byID {
		if m != nil && !m.Matches(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of present identifiers.
func (t *Timers) Len() int {
	return len(t.byID)
}

// Stats dumps "id => remaining" lines and a total.
func (t *Timers) Stats(now time.Time) string {
	var sb strings.Builder
	for _, id := range t.IDs(nil) {
		entry := t.byID[id]
		if entry.index < 0 {
			sb.WriteString(id + " => held\n")
			continue
		}
		remaining := entry.deadline.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		sb.WriteString(fmt.Sprintf("%s => %s\n", id, remaining.Round(time.Millisecond)))
	}
	sb.WriteString(fmt.Sprintf("total: %d\n", len(t.byID)))
	return sb.String()
}
