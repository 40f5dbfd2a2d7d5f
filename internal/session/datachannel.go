package session

import (
	"context"
	"time"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/protocol"
	"github.com/pion/webrtc/v4"
)

// ControlLabel names the data channel carrying session control messages.
const ControlLabel = "wdi"

func (s *Session) setDataChannel(dc core.DataChannel) {
	s.mu.Lock()
	if s.dc != nil {
		s.mu.Unlock()
		s.logger.Debug().Msg("control channel already set")
		return
	}
	s.dc = dc
	opened := s.dcOpen
	s.mu.Unlock()

	dc.OnOpen(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		select {
		case <-opened:
		default:
			close(opened)
		}
	})
	dc.OnMessage(s.onControl)
}

func (s *Session) onControl(data core.Frame) {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		s.logger.Warn().Err(err).Msg("bad control message")
		return
	}
	switch msg.Type {
	case protocol.ControlClosing:
		s.logger.Info().Msg("remote is closing")
		go func() { _ = s.Disconnect(context.Background(), false) }()
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("unknown control message")
	}
}

// Disconnect ends the session. With notify the remote is told over the control
// channel first and given the grace period to react.
func (s *Session) Disconnect(ctx context.Context, notify bool) error {
	if s.closed.Load() || !s.disconnecting.CompareAndSwap(false, true) {
		return nil
	}
	if notify {
		s.notifyClosing(ctx)
	}
	if err := s.transport.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("transport close")
	}
	s.setState(webrtc.PeerConnectionStateDisconnected)
	s.shutdown(nil)
	return nil
}

func (s *Session) notifyClosing(ctx context.Context) {
	s.mu.Lock()
	dc := s.dc
	opened := s.dcOpen
	s.mu.Unlock()
	if dc == nil {
		return
	}
	select {
	case <-opened:
	default:
		return
	}

	data, err := protocol.EncodeControl(protocol.Control{Type: protocol.ControlClosing})
	if err != nil {
		return
	}
	if err := dc.SendText(data); err != nil {
		s.logger.Debug().Err(err).Msg("send closing")
		return
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
