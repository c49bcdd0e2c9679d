package wait

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dgnsrekt/realplexor/internal/cursor"
	"github.com/dgnsrekt/realplexor/internal/hub"
	"github.com/dgnsrekt/realplexor/internal/protocol"
	"github.com/dgnsrekt/realplexor/internal/storage"
)

func newTestServer(t *testing.T, cfg Config) (*httptest.Server, *hub.Hub) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	h := hub.New(hub.DefaultOptions(), logger)

	if cfg.WaitTimeout == 0 {
		cfg.WaitTimeout = 5 * time.Second
	}
	cfg.WSEnabled = true
	cfg.SSEEnabled = true

	s, err := NewServer(cfg, h, protocol.NewParser(cfg.Marker, h.Generator()), logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return ts, h
}

func waitForListeners(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Listeners() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d listeners, got %d", n, h.Listeners())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func push(h *hub.Hub, data string, ids ...string) []storage.Pair {
	pairs := make([]storage.Pair, 0, len(ids))
	for _, id := range ids {
		pairs = append(pairs, storage.Pair{ID: id})
	}
	return h.Push(pairs, storage.NewDataRef([]byte(data)), nil)
}

func decodeParts(t *testing.T, body []byte) []jsonPart {
	t.Helper()
	var parts []jsonPart
	if err := json.Unmarshal(body, &parts); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return parts
}

func TestLongPollReturnsBufferedData(t *testing.T) {
	ts, h := newTestServer(t, Config{})
	accepted := push(h, `{"a":1}`, "foo")

	resp, err := http.Get(ts.URL + "/?identifier=0:foo")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	parts := decodeParts(t, body)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %s", body)
	}
	if parts[0].IDs["foo"] != uint64(accepted[0].Cursor) {
		t.Errorf("expected cursor %d, got %v", accepted[0].Cursor, parts[0].IDs)
	}
	if string(parts[0].Data) != `{"a":1}` {
		t.Errorf("expected raw JSON payload, got %s", parts[0].Data)
	}
	if h.Listeners() != 0 {
		t.Errorf("long-poll listener must be gone, got %d", h.Listeners())
	}
}

func TestLongPollWaitsForPush(t *testing.T) {
	ts, h := newTestServer(t, Config{})

	type result struct {
		body []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/?identifier=foo,bar")
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		done <- result{body: body, err: err}
	}()

	waitForListeners(t, h, 1)
	push(h, "plain text", "bar")

	r := <-done
	if r.err != nil {
		t.Fatalf("GET: %v", r.err)
	}
	parts := decodeParts(t, r.body)
	if len(parts) != 1 || string(parts[0].Data) != `"plain text"` {
		t.Errorf("expected quoted payload, got %s", r.body)
	}
	if _, ok := parts[0].IDs["bar"]; !ok {
		t.Errorf("expected bar in ids, got %v", parts[0].IDs)
	}
}

func TestLongPollTimeout(t *testing.T) {
	ts, h := newTestServer(t, Config{WaitTimeout: 50 * time.Millisecond})

	resp, err := http.Get(ts.URL + "/?identifier=foo")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK || len(body) != 0 {
		t.Errorf("expected empty 200, got %d %q", resp.StatusCode, body)
	}
	waitForListeners(t, h, 0)
}

func TestLongPollPostForm(t *testing.T) {
	ts, h := newTestServer(t, Config{Marker: "ident"})
	push(h, `[1,2]`, "foo")

	resp, err := http.Post(ts.URL+"/", "application/x-www-form-urlencoded", strings.NewReader("ident=0:foo"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	parts := decodeParts(t, body)
	if len(parts) != 1 || string(parts[0].Data) != `[1,2]` {
		t.Errorf("unexpected parts: %s", body)
	}
}

func TestLongPollRequiresIdentifier(t *testing.T) {
	ts, _ := newTestServer(t, Config{})

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func dialWS(t *testing.T, ts *httptest.Server, query string, subprotocols ...string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?" + query
	dialer := websocket.Dialer{Subprotocols: subprotocols, HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if len(subprotocols) > 0 && resp.Header.Get("Sec-WebSocket-Protocol") != subprotocols[0] {
		t.Fatalf("expected subprotocol %s, got %q", subprotocols[0], resp.Header.Get("Sec-WebSocket-Protocol"))
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestWebSocketJSONStream(t *testing.T) {
	ts, h := newTestServer(t, Config{})
	conn := dialWS(t, ts, "identifier=foo", SubprotocolJSON)
	waitForListeners(t, h, 1)

	for _, payload := range []string{`{"n":1}`, `{"n":2}`} {
		push(h, payload, "foo")

		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if msgType != websocket.TextMessage {
			t.Errorf("expected text frame, got %d", msgType)
		}
		parts := decodeParts(t, msg)
		if len(parts) != 1 || string(parts[0].Data) != payload {
			t.Errorf("expected %s, got %s", payload, msg)
		}
	}

	if h.Listeners() != 1 {
		t.Errorf("streaming listener must stay attached, got %d", h.Listeners())
	}

	conn.Close()
	waitForListeners(t, h, 0)
}

// decodeFrame reverses EncodeProto.
func decodeFrame(t *testing.T, compressed []byte) []storage.Part {
	t.Helper()
	dec, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()
	frame, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		t.Fatalf("zstd decode: %v", err)
	}

	var parts []storage.Part
	for len(frame) > 0 {
		_, typ, n := protowire.ConsumeTag(frame)
		if n < 0 || typ != protowire.BytesType {
			t.Fatalf("bad frame tag")
		}
		frame = frame[n:]
		partBytes, n := protowire.ConsumeBytes(frame)
		frame = frame[n:]

		var part storage.Part
		for len(partBytes) > 0 {
			num, _, n := protowire.ConsumeTag(partBytes)
			partBytes = partBytes[n:]
			field, n := protowire.ConsumeBytes(partBytes)
			partBytes = partBytes[n:]

			switch num {
			case fieldPartIDs:
				var pair storage.Pair
				for len(field) > 0 {
					cnum, ctyp, n := protowire.ConsumeTag(field)
					field = field[n:]
					if ctyp == protowire.VarintType {
						v, n := protowire.ConsumeVarint(field)
						field = field[n:]
						pair.Cursor = cursor.Cursor(v)
						continue
					}
					s, n := protowire.ConsumeString(field)
					field = field[n:]
					if cnum == fieldCursorID {
						pair.ID = s
					}
				}
				part.IDs = append(part.IDs, pair)
			case fieldPartData:
				part.Data = storage.NewDataRef(field)
			}
		}
		parts = append(parts, part)
	}
	return parts
}

func TestWebSocketProtobufStream(t *testing.T) {
	ts, h := newTestServer(t, Config{})
	conn := dialWS(t, ts, "identifier=foo,bar", SubprotocolProtobuf)
	waitForListeners(t, h, 1)

	accepted := push(h, "binary-ish", "foo", "bar")

	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d", msgType)
	}

	parts := decodeFrame(t, msg)
	if len(parts) != 1 {
		t.Fatalf("expected one merged part, got %d", len(parts))
	}
	if string(parts[0].Data.Bytes()) != "binary-ish" {
		t.Errorf("unexpected payload %q", parts[0].Data.Bytes())
	}
	if len(parts[0].IDs) != 2 {
		t.Fatalf("expected two ids, got %+v", parts[0].IDs)
	}
	got := map[string]uint64{}
	for _, p := range parts[0].IDs {
		got[p.ID] = uint64(p.Cursor)
	}
	for _, p := range accepted {
		if got[p.ID] != uint64(p.Cursor) {
			t.Errorf("%s: expected cursor %d, got %d", p.ID, p.Cursor, got[p.ID])
		}
	}
}

func TestSSEStream(t *testing.T) {
	ts, h := newTestServer(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse?identifier=foo", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	waitForListeners(t, h, 1)

	accepted := push(h, `{"x":true}`, "foo")

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for len(lines) < 3 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}

	if lines[0] != "event: data" {
		t.Errorf("unexpected event line %q", lines[0])
	}
	if lines[1] != "id: "+accepted[0].Cursor.String() {
		t.Errorf("unexpected id line %q", lines[1])
	}
	var part jsonPart
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[2], "data: ")), &part); err != nil {
		t.Fatalf("decode data line %q: %v", lines[2], err)
	}
	if string(part.Data) != `{"x":true}` {
		t.Errorf("unexpected payload %s", part.Data)
	}

	cancel()
	waitForListeners(t, h, 0)
}

func TestMaskCredentials(t *testing.T) {
	got := maskCredentials("identifier="+url.QueryEscape("bob:secret@bob_a"), "identifier")
	values, _ := url.ParseQuery(got)
	if v := values.Get("identifier"); v != "bob:****@bob_a" {
		t.Errorf("expected masked password, got %q", v)
	}

	if got := maskCredentials("identifier=foo", "identifier"); got != "identifier=foo" {
		t.Errorf("query without credentials must be kept, got %q", got)
	}
}

func TestListenerDropsWhenFull(t *testing.T) {
	l := newListener("x", true)
	if l.Deliver(nil) {
		t.Fatal("one-shot listener must ask to be detached")
	}
	if l.Deliver(nil) {
		t.Error("full listener must ask to be detached")
	}
	select {
	case <-l.dropped:
	default:
		t.Error("full listener must be marked dropped")
	}
}
