package session

import (
	"sync"

	"github.com/dkeye/wdi/internal/core"
	"github.com/dkeye/wdi/internal/domain"
)

// AddedStream is a local stream offered to the remote, with the senders of
// the tracks attached so far.
type AddedStream struct {
	Stream core.LocalStream
	// guarded by Session.tracksMu once the stream is listed
	Identity domain.StreamIdentity

	// keyed by track id; guarded by Session.tracksMu
	senders   map[string]core.Sender
	announced bool
}

func newAddedStream(stream core.LocalStream, identity domain.StreamIdentity) *AddedStream {
	return &AddedStream{
		Stream:   stream,
		Identity: identity,
		senders:  make(map[string]core.Sender),
	}
}

// RemoteStream is a stream received from the remote side. Its identity may
// arrive after the stream itself.
type RemoteStream struct {
	Stream    core.MediaStream
	SessionID domain.SessionID

	mu       sync.RWMutex
	identity domain.StreamIdentity

	endOnce sync.Once
	ended   chan struct{}
}

func newRemoteStream(sid domain.SessionID, st core.MediaStream, identity domain.StreamIdentity) *RemoteStream {
	return &RemoteStream{
		Stream:    st,
		SessionID: sid,
		identity:  identity,
		ended:     make(chan struct{}),
	}
}

func (r *RemoteStream) ID() string { return r.Stream.ID() }

// Identity returns a copy of the identity, or nil while the stream is anonymous.
func (r *RemoteStream) Identity() domain.StreamIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return nil
	}
	return r.identity.Clone()
}

func (r *RemoteStream) setIdentity(id domain.StreamIdentity) {
	r.mu.Lock()
	r.identity = id
	r.mu.Unlock()
}

// Ended is closed when the remote removes the stream or the session ends.
func (r *RemoteStream) Ended() <-chan struct{} { return r.ended }

func (r *RemoteStream) end() {
	r.endOnce.Do(func() { close(r.ended) })
}
