// Package protocol parses the IN line wire format: the identifier
// header, the auxiliary commands and the HTTP-shaped body, and frames
// the replies.
package protocol

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/dgnsrekt/realplexor/internal/cursor"
	"github.com/dgnsrekt/realplexor/internal/storage"
)

// DefaultMarker is the name of the identifier parameter.
const DefaultMarker = "identifier"

// ErrEmptyIdentifier is returned when an identifier value holds no ids.
var ErrEmptyIdentifier = errors.New("no identifiers given")

// Credentials are the login and password sent with a request. The
// empty login is the guest.
type Credentials struct {
	Login    string
	Password string
}

// Header is what a request declared before its body.
type Header struct {
	Pairs       []storage.Pair
	Limits      storage.LimitIDs
	Credentials Credentials
}

// IDs returns the identifiers of the pairs in order.
func (h *Header) IDs() []string {
	ids := make([]string, 0, len(h.Pairs))
	for _, p := range h.Pairs {
		ids = append(ids, p.ID)
	}
	return ids
}

var httpRequestLine = regexp.MustCompile(`^[A-Za-z]+ \S+ HTTP/\d`)

var commandLine = regexp.MustCompile(`(?i)^(?:ONLINE|STATS|WATCH)(?:\s|$)`)

// Parser extracts headers. Pairs sent without a usable cursor get a
// fresh one from gen, or keep cursor 0 when gen is nil. The IN line
// parses with a nil gen so the hub draws push cursors under its lock.
type Parser struct {
	marker *regexp.Regexp
	gen    *cursor.Generator
}

// NewParser creates a Parser for the given marker name.
func NewParser(marker string, gen *cursor.Generator) *Parser {
	if marker == "" {
		marker = DefaultMarker
	}
	return &Parser{
		marker: regexp.MustCompile(`(?:^|[^\w-])` + regexp.QuoteMeta(marker) + `=([^\s&]*)[\s&]`),
		gen:    gen,
	}
}

// ExtractPairs looks for the header in the data received so far. It
// reports false while the header may still be incomplete. Once the
// blank line ending the header has arrived it always reports true,
// possibly with no pairs.
func (p *Parser) ExtractPairs(data []byte) (*Header, bool) {
	end, complete := headerEnd(data)
	region := data
	if complete {
		// The blank line terminates the last value.
		region = append(data[:end:end], '\n')
	}

	if m := p.marker.FindSubmatch(region); m != nil {
		h := p.ParseIdentifier(string(m[1]))
		return &h, true
	}
	if !complete {
		return nil, false
	}

	h := Header{Limits: storage.NewLimitIDs()}
	if httpRequestLine.Match(region) {
		return &h, true
	}
	p.parseTokens(string(region), &h)
	return &h, true
}

// ParseIdentifier parses a marker value: [login:password@]item,item,...
// where each item is "cursor:id", "id" or "*limiter". An explicit
// cursor, 0 included, is kept.
func (p *Parser) ParseIdentifier(value string) Header {
	h := Header{Limits: storage.NewLimitIDs()}

	if at := strings.LastIndexByte(value, '@'); at >= 0 {
		login, password, _ := strings.Cut(value[:at], ":")
		h.Credentials = Credentials{Login: login, Password: password}
		value = value[at+1:]
	}

	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		switch {
		case item == "":
		case strings.HasPrefix(item, "*"):
			if id := item[1:]; id != "" {
				h.Limits[id] = struct{}{}
			}
		default:
			h.Pairs = append(h.Pairs, p.pair(item))
		}
	}
	return h
}

func (p *Parser) pair(item string) storage.Pair {
	if raw, id, ok := strings.Cut(item, ":"); ok && id != "" {
		if c, err := cursor.Parse(raw); err == nil {
			return storage.Pair{ID: id, Cursor: c}
		}
	}
	return storage.Pair{ID: item, Cursor: p.fresh()}
}

func (p *Parser) fresh() cursor.Cursor {
	if p.gen == nil {
		return 0
	}
	return p.gen.Next()
}

// parseTokens reads the plain form: one "id [cursor]", "login:password"
// or "*limiter" per line.
func (p *Parser) parseTokens(region string, h *Header) {
	for _, line := range strings.Split(region, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || commandLine.MatchString(line) {
			continue
		}

		fields := strings.Fields(line)
		first := fields[0]
		switch {
		case strings.HasPrefix(first, "*"):
			for _, f := range fields {
				if id := strings.TrimPrefix(f, "*"); id != "" {
					h.Limits[id] = struct{}{}
				}
			}
		case strings.Contains(first, ":") && len(fields) == 1:
			login, password, _ := strings.Cut(first, ":")
			h.Credentials = Credentials{Login: login, Password: password}
		case len(fields) >= 2:
			c, err := cursor.Parse(fields[1])
			if err != nil || c == 0 {
				c = p.fresh()
			}
			h.Pairs = append(h.Pairs, storage.Pair{ID: first, Cursor: c})
		default:
			h.Pairs = append(h.Pairs, storage.Pair{ID: first, Cursor: p.fresh()})
		}
	}
}

// headerEnd returns the offset of the blank line ending the header.
func headerEnd(data []byte) (int, bool) {
	lf := bytes.Index(data, []byte("\n\n"))
	crlf := bytes.Index(data, []byte("\n\r\n"))
	switch {
	case lf < 0 && crlf < 0:
		return 0, false
	case lf < 0:
		return crlf, true
	case crlf < 0:
		return lf, true
	case lf < crlf:
		return lf, true
	default:
		return crlf, true
	}
}

// HTTPBody returns the part of data after the blank line ending the
// header.
func HTTPBody(data []byte) ([]byte, bool) {
	end, ok := headerEnd(data)
	if !ok {
		return nil, false
	}
	if data[end+1] == '\r' {
		return data[end+3:], true
	}
	return data[end+2:], true
}
