package cursor

import (
	"strconv"
	"sync"
	"time"
)

// Cursor orders data points and presence events. The high digits carry
// the clock in 100µs ticks, the low four digits a per-tick counter.
type Cursor uint64

const (
	tickResolution = 100 * time.Microsecond
	counterSpan    = 10000
	counterCycle   = 1000
)

// String returns the decimal form used on the wire.
func (c Cursor) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// Parse parses a decimal cursor.
func Parse(s string) (Cursor, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return Cursor(v), nil
}

// Generator hands out strictly increasing cursors.
type Generator struct {
	mu      sync.Mutex
	now     func() time.Time
	counter uint64
	last    Cursor
}

// NewGenerator creates a Generator reading time from now.
// A nil now uses time.Now.
func NewGenerator(now func() time.Time) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{now: now}
}

// Next returns a cursor greater than every cursor returned before.
func (g *Generator) Next() Cursor {
	g.mu.Lock()
	defer g.mu.Unlock()

	ticks := uint64(g.now().UnixNano() / int64(tickResolution))

	g.counter++
	if g.counter > counterCycle {
		g.counter = 0
	}

	c := Cursor(ticks*counterSpan + g.counter)
	// Counter wrap inside one tick, or the clock stepped back.
	if c <= g.last {
		c = g.last + 1
	}
	g.last = c
	return c
}
