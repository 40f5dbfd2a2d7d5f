package rtc

import (
	"github.com/dkeye/wdi/internal/core"
	"github.com/pion/webrtc/v4"
)

// dataChannel adapts a pion data channel to core.DataChannel. Only text
// messages are delivered.
type dataChannel struct {
	dc *webrtc.DataChannel
}

func (d dataChannel) Label() string { return d.dc.Label() }

func (d dataChannel) SendText(f core.Frame) error { return d.dc.SendText(string(f)) }

func (d dataChannel) OnOpen(fn func()) { d.dc.OnOpen(fn) }

func (d dataChannel) OnMessage(fn func(core.Frame)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		fn(core.Frame(msg.Data))
	})
}

func (d dataChannel) OnClose(fn func()) { d.dc.OnClose(fn) }

func (d dataChannel) Close() error { return d.dc.Close() }
