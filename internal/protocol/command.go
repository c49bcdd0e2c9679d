package protocol

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dgnsrekt/realplexor/internal/cursor"
)

// Verb is an auxiliary IN line command.
type Verb string

const (
	VerbOnline Verb = "ONLINE"
	VerbStats  Verb = "STATS"
	VerbWatch  Verb = "WATCH"
)

// Command is a recognized auxiliary command with its raw argument.
type Command struct {
	Verb Verb
	Arg  string
}

// A command starts the data or follows the blank line after a header
// and is terminated by another blank line, or by the end of data (with
// an optional trailing newline) once the peer has finished sending.
var (
	commandOpen     = regexp.MustCompile(`(?i)(?:^|\r?\n\r?\n)(ONLINE|STATS|WATCH)(?:\s+([^\r\n]*))?(?:\r?\n\r?\n)`)
	commandFinished = regexp.MustCompile(`(?i)(?:^|\r?\n\r?\n)(ONLINE|STATS|WATCH)(?:\s+([^\r\n]*))?(?:\r?\n\r?\n|\r?\n?$)`)
)

// MatchCommand looks for a command in data. finished reports whether
// the peer has stopped sending.
func MatchCommand(data []byte, finished bool) (Command, bool) {
	re := commandOpen
	if finished {
		re = commandFinished
	}
	m := re.FindSubmatch(data)
	if m == nil {
		return Command{}, false
	}
	return Command{
		Verb: Verb(strings.ToUpper(string(m[1]))),
		Arg:  strings.TrimSpace(string(m[2])),
	}, true
}

var watchArg = regexp.MustCompile(`^(\S+)\s+(.*)$`)

// ParseWatchArg splits "cursor [prefixes]". An unparsable cursor is 0.
func ParseWatchArg(arg string) (cursor.Cursor, []string) {
	raw, prefixes := arg, ""
	if m := watchArg.FindStringSubmatch(arg); m != nil {
		raw, prefixes = m[1], m[2]
	}
	c, err := cursor.Parse(raw)
	if err != nil {
		c = 0
	}
	return c, strings.Fields(prefixes)
}

// Reply statuses.
const (
	StatusOK           = "200 OK"
	StatusAccessDenied = "403 Access Denied"
)

// Response frames body as an HTTP/1.0 reply.
func Response(status, body string) []byte {
	if status == "" {
		status = StatusOK
	}
	return []byte(fmt.Sprintf(
		"HTTP/1.0 %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n%s",
		status, len(body), body,
	))
}
