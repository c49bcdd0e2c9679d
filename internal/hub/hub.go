// Package hub owns the subscription state of the server. Every
// mutation of the indexes, the pending buffer, the event log and the
// timers happens under one mutex, and delivery to listeners runs
// inside that critical section.
package hub

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/realplexor/internal/cursor"
	"github.com/dgnsrekt/realplexor/internal/storage"
)

// Options tunes the hub.
type Options struct {
	// CleanIDAfter is how long pushed data stays buffered after the
	// last push to its identifier.
	CleanIDAfter time.Duration

	// OfflineTimeout is the grace period before an identifier without
	// listeners is reported offline. Zero reports it immediately.
	OfflineTimeout time.Duration

	// MaxDataForID bounds buffered items per identifier (0 = unbounded).
	MaxDataForID int

	// EventChainLen bounds the presence log (0 = unbounded).
	EventChainLen int

	// TimerResolution is the tick of Run.
	TimerResolution time.Duration

	// Now is the clock; nil uses time.Now.
	Now func() time.Time
}

// DefaultOptions returns the server defaults.
func DefaultOptions() Options {
	return Options{
		CleanIDAfter:    10 * time.Second,
		MaxDataForID:    20,
		EventChainLen:   100,
		TimerResolution: 100 * time.Millisecond,
	}
}

// OnlineID is an identifier that currently counts as online.
type OnlineID struct {
	ID    string
	Count int
}

// Hub manages listeners, buffered data and presence.
type Hub struct {
	mu        sync.Mutex
	connected *storage.ConnectedFhs
	pairs     *storage.PairsByFhs
	data      *storage.DataToSend
	events    *storage.Events
	online    *storage.Timers
	cleanup   *storage.Timers
	gen       *cursor.Generator
	opts      Options
	now       func() time.Time
	logger    *zap.Logger
}

// New creates a Hub.
func New(opts Options, logger *zap.Logger) *Hub {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.TimerResolution <= 0 {
		opts.TimerResolution = DefaultOptions().TimerResolution
	}
	gen := cursor.NewGenerator(now)

	return &Hub{
		connected: storage.NewConnectedFhs(),
		pairs:     storage.NewPairsByFhs(),
		data:      storage.NewDataToSend(opts.MaxDataForID),
		events:    storage.NewEvents(gen, opts.EventChainLen),
		online:    storage.NewTimers(),
		cleanup:   storage.NewTimers(),
		gen:       gen,
		opts:      opts,
		now:       now,
		logger:    logger,
	}
}

// Generator returns the cursor source shared by pushes and events.
func (h *Hub) Generator() *cursor.Generator {
	return h.gen
}

// Run fires due timers every TimerResolution until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.opts.TimerResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub shutting down")
			h.shutdown()
			return
		case <-ticker.C:
			h.Tick(h.now())
		}
	}
}

// shutdown drops every listener without emitting presence events.
func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, l := range h.pairs.Listeners() {
		for _, pair := range h.pairs.Remove(l) {
			h.connected.Remove(pair.ID, l)
		}
	}
}

// Register attaches l to pairs and immediately delivers whatever is
// buffered past the given cursors. Re-registering replaces the old
// pairs. Duplicate identifiers keep their first cursor.
func (h *Hub) Register(l storage.Listener, pairs []storage.Pair) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pairs.Has(l) {
		h.detach(l)
	}

	seen := make(map[string]struct{}, len(pairs))
	unique := make([]storage.Pair, 0, len(pairs))
	for _, pair := range pairs {
		if _, ok := seen[pair.ID]; ok {
			continue
		}
		seen[pair.ID] = struct{}{}
		unique = append(unique, pair)
	}
	if len(unique) == 0 {
		return
	}

	h.pairs.Set(l, unique)
	ids := make([]string, 0, len(unique))
	for _, pair := range unique {
		h.connected.Add(pair.ID, pair.Cursor, l)
		h.markOnline(pair.ID)
		ids = append(ids, pair.ID)
	}

	h.logger.Debug("listener registered",
		zap.String("connID", l.ID()),
		zap.Strings("ids", ids),
	)

	h.sendPendings(ids, l)
}

// Unregister detaches l. Unknown listeners are ignored.
func (h *Hub) Unregister(l storage.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.pairs.Has(l) {
		return
	}
	h.detach(l)
	h.logger.Debug("listener unregistered", zap.String("connID", l.ID()))
}

// Push buffers data under every pair, re-arms the cleanup timers and
// delivers to the attached listeners before returning. Pairs with a
// zero cursor get a fresh one. The pairs as stored are returned.
func (h *Hub) Push(pairs []storage.Pair, data *storage.DataRef, limits storage.LimitIDs) []storage.Pair {
	h.mu.Lock()
	defer h.mu.Unlock()

	deadline := h.now().Add(h.opts.CleanIDAfter)
	accepted := make([]storage.Pair, 0, len(pairs))
	ids := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		if pair.Cursor == 0 {
			pair.Cursor = h.gen.Next()
		}
		h.data.Add(pair.ID, pair.Cursor, data, limits)
		h.cleanup.Start(pair.ID, deadline)
		accepted = append(accepted, pair)
		ids = append(ids, pair.ID)
	}

	h.sendPendings(ids, nil)
	return accepted
}

// Online lists online identifiers accepted by m with their listener
// counts. An identifier inside its offline grace period has count 0.
func (h *Hub) Online(m storage.Matcher) []OnlineID {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := h.online.IDs(m)
	out := make([]OnlineID, 0, len(ids))
	for _, id := range ids {
		out = append(out, OnlineID{ID: id, Count: h.connected.Count(id)})
	}
	return out
}

// Watch returns presence events after from accepted by m.
func (h *Hub) Watch(from cursor.Cursor, m storage.Matcher) []storage.Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.events.Since(from, m)
}

// Listeners returns the number of attached listeners.
func (h *Hub) Listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.pairs.Len()
}

// Stats dumps the internal state in a human readable form.
func (h *Hub) Stats() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	var sb strings.Builder
	section := func(name, body string) {
		sb.WriteString("[" + name + "]\n")
		sb.WriteString(body)
		sb.WriteString("\n")
	}
	section("connected_fhs", h.connected.Stats())
	section("pairs_by_fhs", h.pairs.Stats())
	section("data_to_send", h.data.Stats())
	section("online_timers", h.online.Stats(now))
	section("cleanup_timers", h.cleanup.Stats(now))
	section("events", "total: "+strconv.Itoa(h.events.Len())+"\n")
	return sb.String()
}

// Tick fires every timer due at now.
func (h *Hub) Tick(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, id := range h.cleanup.Expire(now) {
		h.data.Clear(id)
		h.logger.Info("cleaned, because no data is pushed within last N seconds",
			zap.String("id", id),
			zap.Duration("timeout", h.opts.CleanIDAfter),
		)
	}

	for _, id := range h.online.Expire(now) {
		if h.connected.Count(id) > 0 {
			h.online.Hold(id)
			continue
		}
		h.events.Notify(storage.EventOffline, id)
		h.logger.Debug("identifier offline", zap.String("id", id))
	}
}

// detach removes l from both indexes. Callers hold h.mu.
func (h *Hub) detach(l storage.Listener) {
	for _, pair := range h.pairs.Remove(l) {
		h.connected.Remove(pair.ID, l)
		if h.connected.Count(pair.ID) == 0 {
			h.markOffline(pair.ID)
		}
	}
}

func (h *Hub) markOnline(id string) {
	if !h.online.Has(id) {
		h.events.Notify(storage.EventOnline, id)
		h.logger.Debug("identifier online", zap.String("id", id))
	}
	h.online.Hold(id)
}

func (h *Hub) markOffline(id string) {
	if h.opts.OfflineTimeout <= 0 {
		h.online.Remove(id)
		h.events.Notify(storage.EventOffline, id)
		h.logger.Debug("identifier offline", zap.String("id", id))
		return
	}
	h.online.Start(id, h.now().Add(h.opts.OfflineTimeout))
}

// batch collects the parts bound for one listener, merging identifiers
// that share a payload.
type batch struct {
	listener storage.Listener
	parts    []storage.Part
	byData   map[*storage.DataRef]int
}

func (b *batch) add(id string, item storage.Item) {
	idx, ok := b.byData[item.Data]
	if !ok {
		idx = len(b.parts)
		b.byData[item.Data] = idx
		b.parts = append(b.parts, storage.Part{Data: item.Data})
	}
	b.parts[idx].IDs = append(b.parts[idx].IDs, storage.Pair{ID: id, Cursor: item.Cursor})
}

// sendPendings delivers buffered items of ids newer than each
// listener's cursor. A non-nil only restricts delivery to that
// listener. Callers hold h.mu.
func (h *Hub) sendPendings(ids []string, only storage.Listener) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	batches := make(map[storage.Listener]*batch)
	var order []storage.Listener
	var prev string
	for i, id := range sorted {
		if i > 0 && id == prev {
			continue
		}
		prev = id

		items := h.data.Items(id)
		if len(items) == 0 {
			continue
		}
		for _, sub := range h.connected.Listeners(id) {
			if only != nil && sub.Listener != only {
				continue
			}
			for _, item := range items {
				if item.Cursor <= sub.Cursor {
					continue
				}
				if len(item.Limits) > 0 && !h.pairs.ListensAny(sub.Listener, item.Limits) {
					continue
				}
				b, ok := batches[sub.Listener]
				if !ok {
					b = &batch{listener: sub.Listener, byData: make(map[*storage.DataRef]int)}
					batches[sub.Listener] = b
					order = append(order, sub.Listener)
				}
				b.add(id, item)
			}
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i].ID() < order[j].ID() })
	for _, l := range order {
		b := batches[l]
		sort.SliceStable(b.parts, func(i, j int) bool {
			return b.parts[i].MaxCursor() < b.parts[j].MaxCursor()
		})

		if !l.Deliver(b.parts) {
			h.detach(l)
			h.logger.Debug("listener detached after delivery",
				zap.String("connID", l.ID()),
				zap.Int("parts", len(b.parts)),
			)
			continue
		}
		seen := make(map[string]cursor.Cursor)
		for _, part := range b.parts {
			for _, pair := range part.IDs {
				if pair.Cursor > seen[pair.ID] {
					seen[pair.ID] = pair.Cursor
				}
			}
		}
		for id, c := range seen {
			h.connected.Add(id, c, l)
			h.pairs.UpdateCursor(l, id, c)
		}
	}
}
