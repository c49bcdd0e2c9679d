package wait

import (
	"sync"

	"github.com/dgnsrekt/realplexor/internal/storage"
)

const (
	// Parts batches buffered per streaming listener.
	sendBufferSize = 256
)

// listener is a WAIT connection registered in the hub. Deliver never
// blocks: a full buffer drops the listener.
type listener struct {
	connID  string
	oneShot bool
	send    chan []storage.Part

	dropOnce sync.Once
	dropped  chan struct{}
}

func newListener(connID string, oneShot bool) *listener {
	size := sendBufferSize
	if oneShot {
		size = 1
	}
	return &listener{
		connID:  connID,
		oneShot: oneShot,
		send:    make(chan []storage.Part, size),
		dropped: make(chan struct{}),
	}
}

func (l *listener) ID() string { return l.connID }

func (l *listener) Deliver(parts []storage.Part) bool {
	select {
	case l.send <- parts:
	default:
		// Buffer full, disconnect.
		l.dropOnce.Do(func() { close(l.dropped) })
		return false
	}
	return !l.oneShot
}
