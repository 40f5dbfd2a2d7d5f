// Package ws carries signaling over a WebSocket.
package ws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("ws: connection closed")
)

const (
	writeWait    = 5 * time.Second
	closeWait    = time.Second
	sendBuffer   = 256
	defaultPing  = 30 * time.Second
	defaultLimit = 2 * protocol.MaxMessageLength
)

type Option func(*Conn)

// WithPingPeriod sets how often the write pump pings; zero disables pings.
func WithPingPeriod(d time.Duration) Option {
	return func(c *Conn) { c.pingPeriod = d }
}

// WithReadLimit caps how much of an inbound frame is buffered. Longer frames
// reach the handler cut to limit+1 bytes so it can still answer with a
// diagnostic. Limits below protocol.MaxMessageLength are raised to it.
func WithReadLimit(n int64) Option {
	return func(c *Conn) { c.readLimit = n }
}

// Conn is a core.Channel over a gorilla connection. One pump writes queued
// frames, one pump reads and feeds the handler.
type Conn struct {
	conn       *websocket.Conn
	send       chan core.Frame
	pingPeriod time.Duration
	readLimit  int64
	logger     zerolog.Logger

	mu       sync.RWMutex
	closed   bool
	closing  chan struct{}
	readDone chan struct{}
	listened bool
}

func newConn(conn *websocket.Conn, opts ...Option) *Conn {
	c := &Conn{
		conn:       conn,
		send:       make(chan core.Frame, sendBuffer),
		pingPeriod: defaultPing,
		readLimit:  defaultLimit,
		closing:    make(chan struct{}),
		readDone:   make(chan struct{}),
		logger:     log.With().Str("module", "ws").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.writePump()
	return c
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade turns an HTTP request into a signaling channel.
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...Option) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws, opts...), nil
}

// Dial opens a signaling channel to url.
func Dial(ctx context.Context, url string, opts ...Option) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws, opts...), nil
}

// Dialer adapts Dial to a dialer returning core.Channel.
func Dialer(opts ...Option) func(ctx context.Context, url string) (core.Channel, error) {
	return func(ctx context.Context, url string) (core.Channel, error) {
		return Dial(ctx, url, opts...)
	}
}

// Send queues f; it fails fast when the write pump has fallen behind.
func (c *Conn) Send(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Listen(h core.ChannelHandler) {
	c.mu.Lock()
	if c.listened {
		c.mu.Unlock()
		return
	}
	c.listened = true
	c.mu.Unlock()
	go c.readPump(h)
}

// Close flushes queued frames, sends a close frame and releases the socket.
// It does not wait, so it is safe to call from a handler.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.closing)
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conn) writePump() {
	var ping <-chan time.Time
	if c.pingPeriod > 0 {
		ticker := time.NewTicker(c.pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	defer func() {
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.closing:
			c.drain()
			c.shutdown()
			return
		case <-c.readDone:
			c.logger.Debug().Msg("writePump: read side ended")
			return
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("writePump write error")
				return
			}
		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Conn) write(mt int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(mt, data)
}

// drain writes whatever was queued before Close.
func (c *Conn) drain() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// shutdown sends a close frame and gives the peer a moment to answer it.
func (c *Conn) shutdown() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.write(websocket.CloseMessage, msg); err != nil {
		return
	}
	c.mu.RLock()
	listened := c.listened
	c.mu.RUnlock()
	if !listened {
		return
	}
	select {
	case <-c.readDone:
	case <-time.After(closeWait):
	}
}

func (c *Conn) readPump(h core.ChannelHandler) {
	var cause error
	defer func() {
		close(c.readDone)
		if c.isClosed() {
			cause = nil
		} else {
			c.mu.Lock()
			c.closed = true
			c.mu.Unlock()
		}
		c.logger.Debug().AnErr("cause", cause).Msg("readPump closing")
		h.OnClose(cause)
	}()

	limit := max(c.readLimit, int64(protocol.MaxMessageLength))
	if c.pingPeriod > 0 {
		pongWait := c.pingPeriod * 2
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		mt, data, err := c.readFrame(limit)
		if err != nil {
			cause = err
			return
		}
		if c.pingPeriod > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.pingPeriod * 2))
		}
		h.OnMessage(mt == websocket.BinaryMessage, core.Frame(data))
	}
}

// readFrame buffers at most limit+1 bytes of the next frame and discards the
// rest, so an oversized frame still reaches the handler as one that is too long.
func (c *Conn) readFrame(limit int64) (int, []byte, error) {
	mt, r, err := c.conn.NextReader()
	if err != nil {
		return 0, nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return 0, nil, err
	}
	if int64(len(data)) > limit {
		n, err := io.Copy(io.Discard, r)
		if err != nil {
			return 0, nil, err
		}
		c.logger.Debug().Int64("dropped", n).Msg("oversized frame truncated")
	}
	return mt, data, nil
}
