// Package chanpipe connects two in-memory core.Channel ends for tests.
package chanpipe

import (
	"errors"
	"sync"

	"github.com/dkeye/wdi/internal/core"
)

var (
	ErrClosed     = errors.New("chanpipe: closed")
	ErrPeerClosed = errors.New("chanpipe: peer closed")
)

const inboxSize = 1024

type item struct {
	binary bool
	data   core.Frame
	close  bool
	err    error
}

// End is one side of a pipe. Messages are delivered to the listener in send
// order; a close is delivered after everything queued before it.
type End struct {
	peer  *End
	inbox chan item

	mu     sync.Mutex
	closed bool
	sent   []core.Frame
}

// New returns two connected ends.
func New() (*End, *End) {
	a := &End{inbox: make(chan item, inboxSize)}
	b := &End{inbox: make(chan item, inboxSize)}
	a.peer, b.peer = b, a
	return a, b
}

func (e *End) Send(f core.Frame) error {
	return e.send(false, f)
}

// SendBinary sends f flagged as a binary frame.
func (e *End) SendBinary(f core.Frame) error {
	return e.send(true, f)
}

func (e *End) send(binary bool, f core.Frame) error {
	cp := append(core.Frame(nil), f...)
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.sent = append(e.sent, cp)
	e.mu.Unlock()
	return e.peer.push(item{binary: binary, data: cp})
}

func (e *End) push(it item) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrPeerClosed
	}
	// one slot stays free for the close notification
	if len(e.inbox) >= inboxSize-1 {
		return errors.New("chanpipe: inbox full")
	}
	e.inbox <- it
	return nil
}

func (e *End) Listen(h core.ChannelHandler) {
	go func() {
		for it := range e.inbox {
			if it.close {
				h.OnClose(it.err)
				return
			}
			h.OnMessage(it.binary, it.data)
		}
	}()
}

func (e *End) Close() error {
	if !e.shut(nil) {
		return nil
	}
	e.peer.shut(ErrPeerClosed)
	return nil
}

// shut marks the end closed and queues the close notification.
func (e *End) shut(err error) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	e.inbox <- item{close: true, err: err}
	return true
}

// Closed reports whether either side closed this end.
func (e *End) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Sent returns a copy of every frame sent from this end.
func (e *End) Sent() []core.Frame {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Frame(nil), e.sent...)
}
