package app

import (
	"context"
	"sync"

	"github.com/dkeye/wdi/internal/app/sfu"
	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
	"github.com/dkeye/wdi/internal/session"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Orchestrator ties the registry to the relay manager: pulls for urls other
// sessions pushed are answered by relaying, and relays follow session state.
type Orchestrator struct {
	Registry *Registry
	Relays   *sfu.RelayManager

	mu    sync.Mutex
	unsub map[domain.SessionID]func()
	stop  []func()
}

func NewOrchestrator(newTransport core.TransportFactory, opts ...RegistryOption) *Orchestrator {
	reg := NewRegistry(newTransport, opts...)
	o := &Orchestrator{
		Registry: reg,
		Relays:   sfu.NewRelayManager(reg),
		unsub:    make(map[domain.SessionID]func()),
	}
	reg.AddStreamResolver(o.Relays.Resolve)
	o.stop = []func(){
		reg.OnSessionAdded(o.onSessionAdded),
		reg.OnSessionClosed(o.onSessionClosed),
	}
	return o
}

func (o *Orchestrator) onSessionAdded(s *session.Session) {
	sid := s.ID()
	unsub := s.OnStateChange(func(st webrtc.PeerConnectionState) {
		switch st {
		case webrtc.PeerConnectionStateDisconnected:
			o.Relays.SetMuted(sid, true)
		case webrtc.PeerConnectionStateConnected:
			o.Relays.SetMuted(sid, false)
		}
	})
	o.mu.Lock()
	o.unsub[sid] = unsub
	o.mu.Unlock()
}

func (o *Orchestrator) onSessionClosed(s *session.Session) {
	o.mu.Lock()
	unsub, ok := o.unsub[s.ID()]
	delete(o.unsub, s.ID())
	o.mu.Unlock()
	if ok {
		unsub()
	}
	o.Relays.DropSession(s.ID())
	log.Debug().Str("module", "app.orchestrator").Str("sid", s.ID().Short()).Msg("relays dropped")
}

// Close disconnects every session and detaches from the registry.
func (o *Orchestrator) Close(ctx context.Context) error {
	err := o.Registry.Close(ctx)
	for _, fn := range o.stop {
		fn()
	}
	return err
}
