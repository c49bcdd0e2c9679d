// Package client talks to the IN line of a realplexor server: it
// publishes data and runs the ONLINE, WATCH and STATS commands.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	identifierRe = regexp.MustCompile(`^\w+$`)
	splitRe      = regexp.MustCompile(`\r?\n\r?\n`)
	statusRe     = regexp.MustCompile(`^HTTP/[\d.]+\s+((\d+)[^\r\n]*)`)
	lengthRe     = regexp.MustCompile(`(?i)Content-Length:\s*(\d+)`)
	eventRe      = regexp.MustCompile(`^(\w+)\s+([^:]+):(\S+)\s*$`)
)

// Options configures a Client. Zero values pick the defaults.
type Options struct {
	Namespace  string
	Marker     string
	Timeout    time.Duration
	RatePerSec float64
	RetryCount int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Event is one presence change reported by Watch.
type Event struct {
	Type string
	Pos  uint64
	ID   string
}

// Client is an IN line client. It is safe for concurrent use once
// Logon has been called.
type Client struct {
	addr       string
	namespace  string
	marker     string
	login      string
	password   string
	timeout    time.Duration
	limiter    *rate.Limiter
	retryCount int
	retryDelay time.Duration
	logger     *zap.Logger
}

// New creates a client for the IN line at addr (host:port).
func New(addr string, opts Options) *Client {
	if opts.Marker == "" {
		opts.Marker = "identifier"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RatePerSec > 0 {
		burst := int(opts.RatePerSec * 2)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}

	return &Client{
		addr:       addr,
		namespace:  opts.Namespace,
		marker:     opts.Marker,
		timeout:    opts.Timeout,
		limiter:    limiter,
		retryCount: opts.RetryCount,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
	}
}

// Logon sets the credentials sent with every request. Identifiers of a
// login always start with "login_", so the namespace is prefixed too.
// Credentials are not checked here.
func (c *Client) Logon(login, password string) {
	c.login = login
	c.password = password
	c.namespace = login + "_" + c.namespace
}

// Send pushes data to the identifiers in idsAndCursors (a zero cursor
// lets the server pick one). With showOnlyForIDs set, only listeners
// that also listen to one of those identifiers receive it. It returns
// the cursor assigned to every accepted identifier, namespace trimmed.
func (c *Client) Send(ctx context.Context, idsAndCursors map[string]uint64, data []byte, showOnlyForIDs []string) (map[string]uint64, error) {
	ids := make([]string, 0, len(idsAndCursors))
	for id := range idsAndCursors {
		if !identifierRe.MatchString(id) {
			return nil, fmt.Errorf("%w: %q given", ErrInvalidIdentifier, id)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]string, 0, len(ids)+len(showOnlyForIDs))
	for _, id := range ids {
		full := c.namespace + id
		if cur := idsAndCursors[id]; cur > 0 {
			items = append(items, strconv.FormatUint(cur, 10)+":"+full)
		} else {
			items = append(items, full)
		}
	}
	for _, id := range showOnlyForIDs {
		if !identifierRe.MatchString(id) {
			return nil, fmt.Errorf("%w: %q given", ErrInvalidIdentifier, id)
		}
		items = append(items, "*"+c.namespace+id)
	}

	body, err := c.roundTrip(ctx, strings.Join(items, ","), data)
	if err != nil {
		return nil, err
	}

	result := make(map[string]uint64)
	for _, fields := range c.lines(body) {
		cur, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		result[c.trim(fields[0])] = cur
	}
	return result, nil
}

// SendJSON marshals v and sends it like Send.
func (c *Client) SendJSON(ctx context.Context, idsAndCursors map[string]uint64, v any, showOnlyForIDs []string) (map[string]uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return c.Send(ctx, idsAndCursors, data, showOnlyForIDs)
}

// OnlineWithCounters returns the online identifiers with the number of
// listeners of each, optionally restricted to prefixes.
func (c *Client) OnlineWithCounters(ctx context.Context, prefixes []string) (map[string]int, error) {
	cmd := "online"
	if p := c.prefixes(prefixes); len(p) > 0 {
		cmd += " " + strings.Join(p, " ")
	}
	body, err := c.command(ctx, cmd)
	if err != nil {
		return nil, err
	}

	result := make(map[string]int)
	for _, fields := range c.lines(body) {
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		result[c.trim(fields[0])] = n
	}
	return result, nil
}

// Online returns the online identifiers, sorted.
func (c *Client) Online(ctx context.Context, prefixes []string) ([]string, error) {
	counters, err := c.OnlineWithCounters(ctx, prefixes)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(counters))
	for id := range counters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch returns the presence events after the from cursor.
func (c *Client) Watch(ctx context.Context, from uint64, prefixes []string) ([]Event, error) {
	cmd := "watch " + strconv.FormatUint(from, 10)
	if p := c.prefixes(prefixes); len(p) > 0 {
		cmd += " " + strings.Join(p, " ")
	}
	body, err := c.command(ctx, cmd)
	if err != nil {
		return nil, err
	}

	var events []Event
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		m := eventRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		pos, err := strconv.ParseUint(m[2], 10, 64)
		if err != nil {
			continue
		}
		events = append(events, Event{Type: m[1], Pos: pos, ID: c.trim(m[3])})
	}
	return events, nil
}

// Stats returns the server's diagnostic dump. Only the guest may ask.
func (c *Client) Stats(ctx context.Context) (string, error) {
	return c.command(ctx, "stats")
}

func (c *Client) command(ctx context.Context, cmd string) (string, error) {
	return c.roundTrip(ctx, "", []byte(cmd+"\n"))
}

func (c *Client) prefixes(prefixes []string) []string {
	if c.namespace == "" {
		return prefixes
	}
	if len(prefixes) == 0 {
		return []string{c.namespace}
	}
	out := make([]string, len(prefixes))
	for i, p := range prefixes {
		out[i] = c.namespace + p
	}
	return out
}

func (c *Client) trim(id string) string {
	return strings.TrimPrefix(id, c.namespace)
}

// lines splits a reply into two-field lines, skipping anything else.
func (c *Client) lines(body string) [][]string {
	var out [][]string
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 {
			out = append(out, fields)
		}
	}
	return out
}

func (c *Client) request(identifier string, body []byte) []byte {
	var sb strings.Builder
	sb.WriteString("POST / HTTP/1.1\r\n")
	sb.WriteString("Host: " + c.addr + "\r\n")
	sb.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	sb.WriteString("X-Realplexor: " + c.marker + "=")
	if c.login != "" {
		sb.WriteString(c.login + ":" + c.password + "@")
	}
	sb.WriteString(identifier + "\r\n\r\n")
	return append([]byte(sb.String()), body...)
}

// roundTrip sends one request and returns the response body. Only
// dialing is retried; a request that reached the server never is.
func (c *Client) roundTrip(ctx context.Context, identifier string, body []byte) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	if _, err := conn.Write(c.request(identifier, body)); err != nil {
		return "", fmt.Errorf("writing request: %w", err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return "", fmt.Errorf("closing write side: %w", err)
		}
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return parseResponse(string(raw))
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.timeout}

	var lastErr error
	for attempt := 0; attempt <= c.retryCount; attempt++ {
		if attempt > 0 {
			delay := c.retryDelay * time.Duration(1<<(attempt-1)) // Exponential backoff
			c.logger.Debug("retrying dial", zap.Int("attempt", attempt), zap.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		conn, err := dialer.DialContext(ctx, "tcp", c.addr)
		if err == nil {
			return conn, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dialing %s: %w", c.addr, lastErr)
}

// parseResponse validates an HTTP/1.x reply and returns its body. An
// empty reply is an empty body.
func parseResponse(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}

	loc := splitRe.FindStringIndex(raw)
	if loc == nil {
		return "", fmt.Errorf("%w:\n%s", ErrNonHTTPResponse, raw)
	}
	headers, body := raw[:loc[0]], raw[loc[1]:]

	m := statusRe.FindStringSubmatch(headers)
	if m == nil {
		return "", fmt.Errorf("%w:\n%s", ErrNonHTTPResponse, raw)
	}
	if m[2] != "200" {
		return "", fmt.Errorf("%w: %s\n%s", ErrRequestFailed, m[1], body)
	}

	lm := lengthRe.FindStringSubmatch(headers)
	if lm == nil {
		return "", fmt.Errorf("%w: no Content-Length header:\n%s", ErrNonHTTPResponse, headers)
	}
	need, _ := strconv.Atoi(lm[1])
	if len(body) != need {
		return "", fmt.Errorf("%w: got %d, expected %d", ErrLengthMismatch, len(body), need)
	}
	return body, nil
}
