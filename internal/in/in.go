// Package in implements the IN line: publishers connect, declare the
// identifiers they push to, and either send a body or an auxiliary
// command (ONLINE, WATCH, STATS).
package in

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dgnsrekt/realplexor/internal/auth"
	"github.com/dgnsrekt/realplexor/internal/cursor"
	"github.com/dgnsrekt/realplexor/internal/hub"
	"github.com/dgnsrekt/realplexor/internal/protocol"
	"github.com/dgnsrekt/realplexor/internal/storage"
)

// ErrOverflow is returned when a connection buffers more than the
// configured maximum.
var ErrOverflow = errors.New("overflow")

// ProtocolError is a fatal problem with the data a publisher sent.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s (%s)", e.Err, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// AuthError is a rejected login. The publisher has already been sent
// a 403 reply carrying the reason.
type AuthError struct {
	Login string
	Err   error
}

func (e *AuthError) Error() string { return e.Err.Error() }

func (e *AuthError) Unwrap() error { return e.Err }

// State is the position of a connection in the IN protocol.
type State int

const (
	StateAwaitingHeader State = iota
	StateAuthPending
	StateDataMode
	StateCommandMode
	StateResponded
	StateClosed
	StateTimedOut
	StateErrored
)

var stateNames = map[State]string{
	StateAwaitingHeader: "awaiting_header",
	StateAuthPending:    "auth_pending",
	StateDataMode:       "data_mode",
	StateCommandMode:    "command_mode",
	StateResponded:      "responded",
	StateClosed:         "closed",
	StateTimedOut:       "timed_out",
	StateErrored:        "errored",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Done reports whether the connection accepts no more input.
func (s State) Done() bool {
	return s >= StateResponded
}

// Responder is the transport side of a connection.
type Responder interface {
	// Respond sends b as the only reply, then shuts the connection down.
	Respond(b []byte)

	// StopReading tells the transport no more input is expected.
	StopReading()
}

// Hub is the part of the hub the IN line drives.
type Hub interface {
	Push(pairs []storage.Pair, data *storage.DataRef, limits storage.LimitIDs) []storage.Pair
	Online(m storage.Matcher) []hub.OnlineID
	Watch(from cursor.Cursor, m storage.Matcher) []storage.Event
	Stats() string
}

// In is the protocol state of one publisher connection. It is driven
// by a single goroutine and is not safe for concurrent use.
type In struct {
	connID   string
	hub      Hub
	accounts *auth.Accounts
	parser   *protocol.Parser
	resp     Responder
	maxLen   int
	logger   *zap.Logger

	state  State
	buf    []byte
	header *protocol.Header
}

// New creates the state machine for one connection. maxLen <= 0
// disables the overflow check.
func New(connID string, h Hub, accounts *auth.Accounts, parser *protocol.Parser, resp Responder, maxLen int, logger *zap.Logger) *In {
	return &In{
		connID:   connID,
		hub:      h,
		accounts: accounts,
		parser:   parser,
		resp:     resp,
		maxLen:   maxLen,
		logger:   logger.With(zap.String("connID", connID)),
		state:    StateAwaitingHeader,
	}
}

// State returns the current state.
func (c *In) State() State {
	return c.state
}

// OnRead consumes a chunk of input.
func (c *In) OnRead(chunk []byte) error {
	if c.state.Done() {
		return nil
	}
	c.buf = append(c.buf, chunk...)

	if c.header == nil {
		if h, ok := c.parser.ExtractPairs(c.buf); ok {
			c.header = h
			c.state = StateAuthPending
			c.logParsed(h)
			if len(h.Pairs) > 0 {
				if err := c.authorize(); err != nil {
					return err
				}
			}
			c.state = StateDataMode
		}
	}

	if handled, err := c.tryCommand(false); handled {
		return err
	}

	if c.maxLen > 0 && len(c.buf) > c.maxLen {
		size := len(c.buf)
		c.reset()
		c.state = StateErrored
		return &ProtocolError{
			Reason: fmt.Sprintf("received %d bytes total", size),
			Err:    ErrOverflow,
		}
	}
	return nil
}

// OnClose runs when the publisher has finished sending: a pending
// command wins over a data push.
func (c *In) OnClose() {
	if c.state.Done() {
		return
	}
	if handled, err := c.tryCommand(true); handled {
		if err != nil {
			c.logger.Debug("command rejected", zap.Error(err))
		}
		return
	}
	c.tryPush()
	if !c.state.Done() {
		c.state = StateClosed
	}
}

// OnTimeout drops everything received.
func (c *In) OnTimeout() {
	c.reset()
	c.state = StateTimedOut
}

// OnError drops everything received.
func (c *In) OnError(err error) {
	c.logger.Warn("connection error", zap.Error(err))
	c.reset()
	c.state = StateErrored
}

func (c *In) reset() {
	c.buf = nil
	c.header = nil
}

func (c *In) credentials() protocol.Credentials {
	if c.header == nil {
		return protocol.Credentials{}
	}
	return c.header.Credentials
}

func (c *In) authorize() error {
	creds := c.credentials()
	if err := c.accounts.Verify(creds.Login, creds.Password); err != nil {
		c.reset()
		c.respond(protocol.StatusAccessDenied, err.Error()+"\n")
		return &AuthError{Login: creds.Login, Err: err}
	}
	return nil
}

func (c *In) checker(prefixes []string) *auth.PrefixChecker {
	return auth.NewPrefixChecker(prefixes, auth.OwnerPrefix(c.credentials().Login))
}

func (c *In) tryCommand(finished bool) (bool, error) {
	if len(c.buf) == 0 {
		return false, nil
	}
	cmd, ok := protocol.MatchCommand(c.buf, finished)
	if !ok {
		return false, nil
	}

	creds := c.credentials()
	c.buf = nil
	if c.header != nil {
		c.header.Pairs = nil
	}
	if err := c.authorize(); err != nil {
		return true, err
	}

	c.state = StateCommandMode
	c.logger.Debug("received aux command",
		zap.String("command", string(cmd.Verb)),
		zap.String("arg", cmd.Arg),
	)
	c.resp.StopReading()

	switch cmd.Verb {
	case protocol.VerbOnline:
		c.cmdOnline(cmd.Arg)
	case protocol.VerbWatch:
		c.cmdWatch(cmd.Arg)
	case protocol.VerbStats:
		c.cmdStats(creds)
	}
	return true, nil
}

func (c *In) cmdOnline(arg string) {
	online := c.hub.Online(c.checker(auth.ParsePrefixes(arg)))
	c.logger.Debug("sending online identifiers", zap.Int("count", len(online)))

	var sb strings.Builder
	for _, o := range online {
		sb.WriteString(o.ID + " " + strconv.Itoa(o.Count) + "\n")
	}
	c.respond("", sb.String())
}

func (c *In) cmdWatch(arg string) {
	from, prefixes := protocol.ParseWatchArg(arg)
	events := c.hub.Watch(from, c.checker(prefixes))
	c.logger.Debug("sending events", zap.Int("count", len(events)))

	var sb strings.Builder
	for _, e := range events {
		sb.WriteString(string(e.Type) + " " + e.Cursor.String() + ":" + e.ID + "\n")
	}
	c.respond("", sb.String())
}

func (c *In) cmdStats(creds protocol.Credentials) {
	if creds.Login != "" {
		c.respond(protocol.StatusAccessDenied, "stats are available to the guest only\n")
		return
	}
	c.logger.Debug("sending stats")
	c.respond("", c.hub.Stats())
}

func (c *In) tryPush() {
	if len(c.buf) == 0 || c.header == nil || len(c.header.Pairs) == 0 {
		return
	}

	body, ok := protocol.HTTPBody(c.buf)
	if !ok {
		c.logger.Debug("passed empty HTTP body, ignored")
		c.reset()
		return
	}

	checker := c.checker(nil)
	login := c.credentials().Login
	pairs := make([]storage.Pair, 0, len(c.header.Pairs))
	for _, pair := range c.header.Pairs {
		if !checker.Matches(pair.ID) {
			c.logger.Debug("skipping not owned identifier",
				zap.String("id", pair.ID),
				zap.String("login", login),
			)
			continue
		}
		pairs = append(pairs, pair)
	}

	accepted := c.hub.Push(pairs, storage.NewDataRef(body), c.header.Limits)
	if len(accepted) > 0 {
		ids := make([]string, 0, len(accepted))
		for _, p := range accepted {
			ids = append(ids, p.ID)
		}
		c.logger.Info("added data", zap.Strings("ids", ids), zap.Int("bytes", len(body)))
	}

	var sb strings.Builder
	for _, p := range accepted {
		sb.WriteString(p.ID + " " + p.Cursor.String() + "\n")
	}
	c.respond("", sb.String())
}

func (c *In) respond(status, body string) {
	c.resp.Respond(protocol.Response(status, body))
	c.reset()
	c.state = StateResponded
}

func (c *In) logParsed(h *protocol.Header) {
	fields := []zap.Field{zap.Strings("ids", h.IDs())}
	if len(h.Limits) > 0 {
		fields = append(fields, zap.Strings("limiters", h.Limits.Keys()))
	}
	if h.Credentials.Login != "" {
		fields = append(fields, zap.String("login", h.Credentials.Login))
	}
	c.logger.Debug("parsed IDs", fields...)
}
