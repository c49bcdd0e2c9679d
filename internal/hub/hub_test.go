package hub

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/realplexor/internal/auth"
	"github.com/dgnsrekt/realplexor/internal/cursor"
	"github.com/dgnsrekt/realplexor/internal/storage"
)

type recorder struct {
	id    string
	keep  bool
	mu    sync.Mutex
	parts [][]storage.Part
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Deliver(parts []storage.Part) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parts = append(r.parts, parts)
	return r.keep
}

func (r *recorder) deliveries() [][]storage.Part {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.parts
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

func newTestHub(t *testing.T, mutate func(*Options)) (*Hub, *clock) {
	t.Helper()
	clk := &clock{t: time.Unix(1700000000, 0)}
	opts := DefaultOptions()
	opts.Now = clk.Now
	if mutate != nil {
		mutate(&opts)
	}
	return New(opts, zap.NewNop()), clk
}

func payload(s string) *storage.DataRef {
	return storage.NewDataRef([]byte(s))
}

func TestPushBuffersUntilListenerArrives(t *testing.T) {
	h, _ := newTestHub(t, nil)

	accepted := h.Push([]storage.Pair{{ID: "foo"}}, payload("hello"), nil)
	if len(accepted) != 1 || accepted[0].Cursor == 0 {
		t.Fatalf("expected a fresh cursor, got %+v", accepted)
	}

	l := &recorder{id: "a"}
	h.Register(l, []storage.Pair{{ID: "foo", Cursor: 0}})

	got := l.deliveries()
	if len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected one delivery with one part, got %+v", got)
	}
	part := got[0][0]
	if string(part.Data.Bytes()) != "hello" || part.IDs[0] != accepted[0] {
		t.Errorf("unexpected part: %+v", part)
	}
	if h.Listeners() != 0 {
		t.Errorf("one-shot listener must be detached after delivery, got %d", h.Listeners())
	}
}

func TestPushDeliversBeforeReturning(t *testing.T) {
	h, _ := newTestHub(t, nil)

	l := &recorder{id: "a", keep: true}
	h.Register(l, []storage.Pair{{ID: "foo", Cursor: h.Generator().Next()}})
	if len(l.deliveries()) != 0 {
		t.Fatal("nothing buffered, nothing must be delivered")
	}

	first := h.Push([]storage.Pair{{ID: "foo"}}, payload("1"), nil)
	if len(l.deliveries()) != 1 {
		t.Fatalf("expected delivery before Push returned, got %d", len(l.deliveries()))
	}

	h.Push([]storage.Pair{{ID: "foo"}}, payload("2"), nil)
	got := l.deliveries()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
	if len(got[1]) != 1 || string(got[1][0].Data.Bytes()) != "2" {
		t.Errorf("streaming listener must only get data past its cursor, got %+v", got[1])
	}
	if got[1][0].IDs[0].Cursor <= first[0].Cursor {
		t.Errorf("cursors must increase: %d then %d", first[0].Cursor, got[1][0].IDs[0].Cursor)
	}
}

func TestRegisterSkipsSeenCursors(t *testing.T) {
	h, _ := newTestHub(t, nil)

	first := h.Push([]storage.Pair{{ID: "foo"}}, payload("old"), nil)
	h.Push([]storage.Pair{{ID: "foo"}}, payload("new"), nil)

	l := &recorder{id: "a"}
	h.Register(l, []storage.Pair{{ID: "foo", Cursor: first[0].Cursor}})

	got := l.deliveries()
	if len(got) != 1 || len(got[0]) != 1 || string(got[0][0].Data.Bytes()) != "new" {
		t.Errorf("expected only data after the cursor, got %+v", got)
	}
}

func TestIdenticalPushesAreNotMerged(t *testing.T) {
	h, _ := newTestHub(t, nil)

	h.Push([]storage.Pair{{ID: "foo"}}, payload("same"), nil)
	h.Push([]storage.Pair{{ID: "foo"}}, payload("same"), nil)

	l := &recorder{id: "a"}
	h.Register(l, []storage.Pair{{ID: "foo"}})

	got := l.deliveries()
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected both identical pushes, got %+v", got)
	}
	if got[0][0].IDs[0].Cursor >= got[0][1].IDs[0].Cursor {
		t.Error("parts must be in cursor order")
	}
}

func TestSharedPayloadIsOnePart(t *testing.T) {
	h, _ := newTestHub(t, nil)

	h.Push([]storage.Pair{{ID: "foo"}, {ID: "bar"}}, payload("both"), nil)

	l := &recorder{id: "a"}
	h.Register(l, []storage.Pair{{ID: "foo"}, {ID: "bar"}})

	got := l.deliveries()
	if len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected one merged part, got %+v", got)
	}
	if len(got[0][0].IDs) != 2 {
		t.Errorf("expected both ids in the part, got %+v", got[0][0].IDs)
	}
}

func TestLimitedDelivery(t *testing.T) {
	h, _ := newTestHub(t, nil)

	outsider := &recorder{id: "a", keep: true}
	insider := &recorder{id: "b", keep: true}
	h.Register(outsider, []storage.Pair{{ID: "foo", Cursor: 1}})
	h.Register(insider, []storage.Pair{{ID: "foo", Cursor: 1}, {ID: "lim", Cursor: 1}})

	h.Push([]storage.Pair{{ID: "foo"}}, payload("secret"), storage.NewLimitIDs("lim"))

	if len(outsider.deliveries()) != 0 {
		t.Errorf("listener outside the limiter must not receive data, got %+v", outsider.deliveries())
	}
	if len(insider.deliveries()) != 1 {
		t.Errorf("listener inside the limiter must receive data, got %d", len(insider.deliveries()))
	}
}

func TestCleanupExpiryAndReset(t *testing.T) {
	h, clk := newTestHub(t, func(o *Options) { o.CleanIDAfter = 10 * time.Second })

	h.Push([]storage.Pair{{ID: "foo"}}, payload("1"), nil)
	clk.Advance(5 * time.Second)
	h.Push([]storage.Pair{{ID: "foo"}}, payload("2"), nil)

	// The second push moved the deadline to t0+15s.
	h.Tick(clk.Advance(7 * time.Second))
	l := &recorder{id: "a"}
	h.Register(l, []storage.Pair{{ID: "foo"}})
	if got := l.deliveries(); len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("buffer must survive the old deadline, got %+v", got)
	}

	h.Tick(clk.Advance(3 * time.Second))
	late := &recorder{id: "b"}
	h.Register(late, []storage.Pair{{ID: "foo"}})
	if len(late.deliveries()) != 0 {
		t.Errorf("buffer must be cleared after the deadline, got %+v", late.deliveries())
	}
}

func TestPresenceImmediateOffline(t *testing.T) {
	h, _ := newTestHub(t, nil)
	bob := auth.NewPrefixChecker(nil, auth.OwnerPrefix("bob"))

	l := &recorder{id: "a", keep: true}
	h.Register(l, []storage.Pair{{ID: "bob_x", Cursor: 1}})
	h.Register(&recorder{id: "b", keep: true}, []storage.Pair{{ID: "alice_y", Cursor: 1}})

	online := h.Online(bob)
	if len(online) != 1 || online[0].ID != "bob_x" || online[0].Count != 1 {
		t.Fatalf("unexpected online list: %+v", online)
	}

	h.Unregister(l)
	if got := h.Online(bob); len(got) != 0 {
		t.Errorf("expected bob_x offline, got %+v", got)
	}

	events := h.Watch(0, bob)
	if len(events) != 2 {
		t.Fatalf("expected online and offline events, got %+v", events)
	}
	if events[0].Type != storage.EventOnline || events[1].Type != storage.EventOffline {
		t.Errorf("unexpected event order: %+v", events)
	}

	if got := h.Watch(events[0].Cursor, bob); len(got) != 1 || got[0].Type != storage.EventOffline {
		t.Errorf("expected only the offline event after the first cursor, got %+v", got)
	}
}

func TestPresenceGracePeriod(t *testing.T) {
	h, clk := newTestHub(t, func(o *Options) { o.OfflineTimeout = 5 * time.Second })

	first := &recorder{id: "a", keep: true}
	h.Register(first, []storage.Pair{{ID: "foo", Cursor: 1}})
	h.Unregister(first)

	online := h.Online(nil)
	if len(online) != 1 || online[0].Count != 0 {
		t.Fatalf("expected foo online with no listeners, got %+v", online)
	}

	clk.Advance(2 * time.Second)
	second := &recorder{id: "b", keep: true}
	h.Register(second, []storage.Pair{{ID: "foo", Cursor: 1}})
	h.Tick(clk.Advance(10 * time.Second))

	if got := h.Watch(0, nil); len(got) != 1 {
		t.Fatalf("reconnecting inside the grace period must not emit events, got %+v", got)
	}

	h.Unregister(second)
	h.Tick(clk.Advance(4 * time.Second))
	if got := h.Watch(0, nil); len(got) != 1 {
		t.Fatalf("offline must wait for the grace period, got %+v", got)
	}

	h.Tick(clk.Advance(time.Second))
	got := h.Watch(0, nil)
	if len(got) != 2 || got[1].Type != storage.EventOffline {
		t.Errorf("expected offline event after the grace period, got %+v", got)
	}
	if len(h.Online(nil)) != 0 {
		t.Error("expected no online ids")
	}
}

func TestIndexesStaySymmetric(t *testing.T) {
	h, _ := newTestHub(t, nil)

	a := &recorder{id: "a", keep: true}
	b := &recorder{id: "b", keep: true}
	h.Register(a, []storage.Pair{{ID: "foo", Cursor: 1}, {ID: "bar", Cursor: 1}})
	h.Register(b, []storage.Pair{{ID: "foo", Cursor: 1}})

	// Re-registering replaces the old pairs.
	h.Register(a, []storage.Pair{{ID: "baz", Cursor: 1}, {ID: "baz", Cursor: 7}})

	h.mu.Lock()
	if h.connected.Has("bar", a) || h.connected.Has("foo", a) {
		t.Error("stale subscriptions left after re-register")
	}
	if pairs := h.pairs.Pairs(a); len(pairs) != 1 || pairs[0].Cursor != 1 {
		t.Errorf("expected the first of duplicate pairs, got %+v", pairs)
	}
	h.mu.Unlock()

	h.Unregister(a)
	h.Unregister(b)
	h.Unregister(b)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connected.Len() != 0 || h.pairs.Len() != 0 {
		t.Errorf("indexes not empty: connected=%d pairs=%d", h.connected.Len(), h.pairs.Len())
	}
}

func TestSlowListenerIsDetached(t *testing.T) {
	h, _ := newTestHub(t, nil)

	l := &recorder{id: "a", keep: false}
	h.Register(l, []storage.Pair{{ID: "foo", Cursor: h.Generator().Next()}})
	h.Push([]storage.Pair{{ID: "foo"}}, payload("1"), nil)
	h.Push([]storage.Pair{{ID: "foo"}}, payload("2"), nil)

	if len(l.deliveries()) != 1 {
		t.Errorf("detached listener must not receive further data, got %d", len(l.deliveries()))
	}
}

func TestStreamingCursorAdvancesToHighest(t *testing.T) {
	h, _ := newTestHub(t, nil)

	l := &recorder{id: "a", keep: true}
	h.Register(l, []storage.Pair{{ID: "foo", Cursor: 1}, {ID: "bar", Cursor: 1}})

	h.Push([]storage.Pair{{ID: "foo", Cursor: cursor.Cursor(50)}, {ID: "bar", Cursor: cursor.Cursor(100)}}, payload("a"), nil)
	h.Push([]storage.Pair{{ID: "foo", Cursor: cursor.Cursor(60)}}, payload("b"), nil)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pair := range h.pairs.Pairs(l) {
		want := map[string]cursor.Cursor{"foo": 60, "bar": 100}[pair.ID]
		if pair.Cursor != want {
			t.Errorf("%s: expected cursor %d, got %d", pair.ID, want, pair.Cursor)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h, _ := newTestHub(t, func(o *Options) { o.TimerResolution = time.Millisecond })
	h.Register(&recorder{id: "a", keep: true}, []storage.Pair{{ID: "foo", Cursor: 1}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if h.Listeners() != 0 {
		t.Errorf("expected listeners dropped on shutdown, got %d", h.Listeners())
	}
}

func TestStatsSections(t *testing.T) {
	h, _ := newTestHub(t, nil)
	h.Register(&recorder{id: "a", keep: true}, []storage.Pair{{ID: "foo", Cursor: 1}})

	stats := h.Stats()
	for _, want := range []string{"[connected_fhs]", "foo => (a)", "[pairs_by_fhs]", "[data_to_send]", "[online_timers]", "foo => held", "[cleanup_timers]", "[events]"} {
		if !strings.Contains(stats, want) {
			t.Errorf("stats missing %q:\n%s", want, stats)
		}
	}
}
