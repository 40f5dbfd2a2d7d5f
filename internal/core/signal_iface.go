package core

// Frame is a raw signaling payload.
type Frame []byte

// Channel abstracts a duplex message transport used for signaling.
// Owned by the adapter; the adapter must Close() it.
type Channel interface {
	// Send queues one complete text message. Messages leave in call order.
	Send(Frame) error
	// Listen starts delivering inbound traffic to h. Call it once.
	Listen(h ChannelHandler)
	Close() error
}

// ChannelHandler receives channel events from a single goroutine, in arrival order.
type ChannelHandler interface {
	OnMessage(binary bool, data Frame)
	// OnClose is called exactly once. err is nil when the local side closed.
	OnClose(err error)
}
