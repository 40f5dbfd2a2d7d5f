package fakertc

import (
	"sync"

	"github.com/dkeye/wdi/internal/core"
)

// DataChannel is one end of an in-memory data channel pair.
type DataChannel struct {
	label string
	peer  *DataChannel

	mu      sync.Mutex
	onOpen  func()
	onMsg   func(core.Frame)
	onClose func()
	opened  bool
	closed  bool
	sent    []core.Frame
}

func newDataChannelPair(label string) (*DataChannel, *DataChannel) {
	a := &DataChannel{label: label}
	b := &DataChannel{label: label}
	a.peer, b.peer = b, a
	return a, b
}

func (d *DataChannel) Label() string { return d.label }

func (d *DataChannel) SendText(f core.Frame) error {
	d.mu.Lock()
	if d.closed || !d.opened {
		d.mu.Unlock()
		return ErrClosed
	}
	d.sent = append(d.sent, append(core.Frame(nil), f...))
	d.mu.Unlock()

	d.peer.mu.Lock()
	fn := d.peer.onMsg
	d.peer.mu.Unlock()
	if fn != nil {
		go fn(f)
	}
	return nil
}

func (d *DataChannel) OnOpen(fn func()) {
	d.mu.Lock()
	d.onOpen = fn
	opened := d.opened
	d.mu.Unlock()
	if opened && fn != nil {
		go fn()
	}
}

func (d *DataChannel) OnMessage(fn func(core.Frame)) {
	d.mu.Lock()
	d.onMsg = fn
	d.mu.Unlock()
}

func (d *DataChannel) OnClose(fn func()) {
	d.mu.Lock()
	d.onClose = fn
	d.mu.Unlock()
}

func (d *DataChannel) open() {
	d.mu.Lock()
	if d.opened {
		d.mu.Unlock()
		return
	}
	d.opened = true
	fn := d.onOpen
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *DataChannel) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	fn := d.onClose
	d.mu.Unlock()
	if fn != nil {
		go fn()
	}
	return d.peer.Close()
}

// Sent returns every frame sent from this end.
func (d *DataChannel) Sent() []core.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.Frame(nil), d.sent...)
}
