package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dgnsrekt/realplexor/internal/cursor"
)

// Item is one buffered payload for an identifier.
type Item struct {
	Cursor cursor.Cursor
	Data   *DataRef
	Limits LimitIDs
}

// DataToSend buffers pushed payloads per identifier in cursor order
// until the identifier's cleanup timer clears them.
type DataToSend struct {
	byID     map[string][]Item
	maxPerID int
}

// NewDataToSend creates an empty buffer keeping at most maxPerID items
// per identifier (0 keeps everything).
func NewDataToSend(maxPerID int) *DataToSend {
	return &DataToSend{
		byID:     make(map[string][]Item),
		maxPerID: maxPerID,
	}
}

// Add queues data for id, keeping items sorted by cursor. Identical
// pushes are not de-duplicated.
func (d *DataToSend) Add(id string, c cursor.Cursor, data *DataRef, limits LimitIDs) {
	items := d.byID[id]
	pos := sort.Search(len(items), func(i int) bool { return items[i].Cursor > c })
	items = append(items, Item{})
	copy(items[pos+1:], items[pos:])
	items[pos] = Item{Cursor: c, Data: data, Limits: limits}

	if d.maxPerID > 0 && len(items) > d.maxPerID {
		items = items[len(items)-d.maxPerID:]
	}
	d.byID[id] = items
}

// Items returns the buffered items of id, oldest first.
func (d *DataToSend) Items(id string) []Item {
	return d.byID[id]
}

// Clear drops everything buffered for id.
func (d *DataToSend) Clear(id string) {
	delete(d.byID, id)
}

// Len returns the number of identifiers with buffered data.
func (d *DataToSend) Len() int {
	return len(d.byID)
}

// Stats dumps "id => [cursor: N bytes, ...]" lines.
func (d *DataToSend) Stats() string {
	ids := make([]string, 0, len(d.byID))
	for id := range d.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, id := range ids {
		items := make([]string, 0, len(d.byID[id]))
		for _, it := range d.byID[id] {
			s := fmt.Sprintf("%s: %d bytes", it.Cursor, it.Data.Len())
			if len(it.Limits) > 0 {
				s += " (limited to " + strings.Join(it.Limits.Keys(), ", ") + ")"
			}
			items = append(items, s)
		}
		sb.WriteString(id + " => [" + strings.Join(items, ", ") + "]\n")
	}
	return sb.String()
}
