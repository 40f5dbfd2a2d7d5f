// Package discovery advertises and finds signaling endpoints over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
)

const (
	Service       = "_wdi._tcp"
	DefaultDomain = "local."
	DefaultPath   = "/api/ws/signal"
)

var (
	ErrClosed         = errors.New("discovery: advertiser closed")
	ErrAlreadyStarted = errors.New("discovery: already advertising")
	ErrNotFound       = errors.New("discovery: no endpoint found")
)

// Server is a running mDNS registration.
type Server interface {
	Shutdown()
}

// ServerFactory registers services. The default uses grandcat/zeroconf.
type ServerFactory interface {
	Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error)
}

type zeroconfServerFactory struct{}

func (zeroconfServerFactory) Register(instance, service, domain string, port int, txt []string, ifaces []net.Interface) (Server, error) {
	return zeroconf.Register(instance, service, domain, port, txt, ifaces)
}

type AdvertiserConfig struct {
	Instance string
	Port     int
	// Path is the signaling path announced in the TXT record.
	Path       string
	Interfaces []net.Interface
	Factory    ServerFactory
}

// Advertiser publishes the signaling endpoint of this server.
type Advertiser struct {
	cfg AdvertiserConfig

	mu     sync.Mutex
	server Server
	closed bool
}

func NewAdvertiser(cfg AdvertiserConfig) *Advertiser {
	if cfg.Factory == nil {
		cfg.Factory = zeroconfServerFactory{}
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	return &Advertiser{cfg: cfg}
}

func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.server != nil {
		return ErrAlreadyStarted
	}
	txt := []string{"path=" + a.cfg.Path, "v=1"}
	server, err := a.cfg.Factory.Register(a.cfg.Instance, Service, DefaultDomain, a.cfg.Port, txt, a.cfg.Interfaces)
	if err != nil {
		return fmt.Errorf("advertiser: mDNS registration failed: %w", err)
	}
	a.server = server
	log.Info().
		Str("module", "discovery").
		Str("instance", a.cfg.Instance).
		Int("port", a.cfg.Port).
		Msg("advertising")
	return nil
}

func (a *Advertiser) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Resolver browses mDNS. Implementations close entries when they finish.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

type zeroconfResolver struct {
	r *zeroconf.Resolver
}

func NewZeroconfResolver() (Resolver, error) {
	r, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return zeroconfResolver{r: r}, nil
}

func (z zeroconfResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	return z.r.Browse(ctx, service, domain, entries)
}

// Endpoint is one discovered signaling server.
type Endpoint struct {
	Instance string
	URL      string
}

// EndpointOf builds the WebSocket url of entry, preferring IPv4.
func EndpointOf(entry *zeroconf.ServiceEntry) (Endpoint, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return Endpoint{}, false
	}
	path := DefaultPath
	for _, kv := range entry.Text {
		if v, ok := strings.CutPrefix(kv, "path="); ok && v != "" {
			path = v
		}
	}
	host := net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port))
	return Endpoint{Instance: entry.Instance, URL: "ws://" + host + path}, true
}

// Browse streams endpoints until ctx ends.
func Browse(ctx context.Context, r Resolver) (<-chan Endpoint, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.Browse(ctx, Service, DefaultDomain, entries); err != nil {
		return nil, fmt.Errorf("browse: %w", err)
	}
	out := make(chan Endpoint)
	go func() {
		defer close(out)
		for entry := range entries {
			ep, ok := EndpointOf(entry)
			if !ok {
				continue
			}
			select {
			case out <- ep:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Find returns the first endpoint seen, optionally matching instance.
func Find(ctx context.Context, r Resolver, instance string) (Endpoint, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	found, err := Browse(ctx, r)
	if err != nil {
		return Endpoint{}, err
	}
	for ep := range found {
		if instance == "" || ep.Instance == instance {
			return ep, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return Endpoint{}, ErrNotFound
}
