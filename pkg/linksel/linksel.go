// Package linksel turns a peer descriptor into a live channel pair, trying
// candidate links in priority order: mesh first for input-only sessions
// (bounded by a deadline), then the local network with probe-based endpoint
// resolution, then a configured relay.
package linksel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"aircast/pkg/discovery"
	"aircast/pkg/transport"
	"aircast/pkg/transport/lan"
	"aircast/pkg/transport/mesh"
	"aircast/pkg/transport/relay"
)

var ErrNoPath = errors.New("linksel: no reachable link for peer")

// Config carries the link-selection knobs.
type Config struct {
	// MeshDeadline bounds the mesh attempt before falling back to LAN.
	MeshDeadline time.Duration
	// ResolveTimeout bounds the endpoint-resolution probe.
	ResolveTimeout time.Duration
	// ControlPort/MediaPort are the host's data ports, dialed against the
	// resolved address.
	ControlPort int
	MediaPort   int
	// RelayAddress, when set, enables the relay fallback ("host:port").
	RelayAddress   string
	RelayMediaPort int
}

// Selector picks and opens links.
type Selector struct {
	cfg   Config
	lan   transport.Dialer
	mesh  transport.Dialer
	relay transport.Dialer
}

// New builds a selector with the standard dialers.
func New(cfg Config) *Selector {
	if cfg.MeshDeadline <= 0 {
		cfg.MeshDeadline = 2 * time.Second
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 3 * time.Second
	}
	return &Selector{cfg: cfg, lan: lan.New(), mesh: mesh.New(), relay: relay.New()}
}

// NewWithDialers injects dialers; tests use it.
func NewWithDialers(cfg Config, lanD, meshD, relayD transport.Dialer) *Selector {
	s := New(cfg)
	if lanD != nil {
		s.lan = lanD
	}
	if meshD != nil {
		s.mesh = meshD
	}
	if relayD != nil {
		s.relay = relayD
	}
	return s
}

// Open resolves a reachable endpoint for the peer and returns a live channel
// pair. inputOnly sessions may ride the mesh link; media sessions go
// straight to the LAN path. Every call re-resolves; no endpoint caching.
func (s *Selector) Open(ctx context.Context, peer discovery.PeerDescriptor, inputOnly bool) (*transport.ChannelPair, error) {
	var lastErr error

	if inputOnly && peer.HasMesh() {
		mctx, cancel := context.WithTimeout(ctx, s.cfg.MeshDeadline)
		pair, err := s.mesh.Dial(mctx, transport.Endpoint{Host: peer.MeshHost, ControlPort: peer.MeshPort})
		cancel()
		if err == nil {
			zap.L().Info("link up", zap.String("kind", pair.Link.String()), zap.String("peer", peer.ID))
			return pair, nil
		}
		lastErr = err
		zap.L().Debug("mesh attempt failed, falling back",
			zap.String("peer", peer.ID), zap.Error(err))
	}

	if peer.HasLAN() {
		pair, err := s.openLAN(ctx, peer)
		if err == nil {
			zap.L().Info("link up", zap.String("kind", pair.Link.String()), zap.String("peer", peer.ID))
			return pair, nil
		}
		lastErr = err
		zap.L().Debug("lan attempt failed", zap.String("peer", peer.ID), zap.Error(err))
	}

	if s.cfg.RelayAddress != "" {
		host, portStr, err := net.SplitHostPort(s.cfg.RelayAddress)
		if err != nil {
			return nil, fmt.Errorf("linksel: relay address: %w", err)
		}
		port, _ := strconv.Atoi(portStr)
		mediaPort := s.cfg.RelayMediaPort
		if mediaPort == 0 {
			mediaPort = port + 1
		}
		pair, err := s.relay.Dial(ctx, transport.Endpoint{Host: host, ControlPort: port, MediaPort: mediaPort})
		if err == nil {
			zap.L().Info("link up", zap.String("kind", pair.Link.String()), zap.String("peer", peer.ID))
			return pair, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = ErrNoPath
	}
	return nil, lastErr
}

// openLAN resolves the advertised service endpoint to a numeric address,
// then dials the data connections against it.
func (s *Selector) openLAN(ctx context.Context, peer discovery.PeerDescriptor) (*transport.ChannelPair, error) {
	ip, err := s.resolve(ctx, peer.LANHost, peer.LANPort)
	if err != nil {
		return nil, fmt.Errorf("linksel: resolve %s: %w", peer.LANHost, err)
	}
	return s.lan.Dial(ctx, transport.Endpoint{
		Host:        ip,
		ControlPort: s.cfg.ControlPort,
		MediaPort:   s.cfg.MediaPort,
	})
}

// resolve opens a throwaway connection to the advertised service endpoint
// and reads the numeric address off the active network path. The probe is
// closed as soon as it yields an address; it is never reused for data.
func (s *Selector) resolve(ctx context.Context, host string, port int) (string, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveTimeout)
	defer cancel()
	var d net.Dialer
	c, err := d.DialContext(rctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return "", err
	}
	defer c.Close()
	ta, ok := c.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return "", fmt.Errorf("linksel: unexpected addr type %T", c.RemoteAddr())
	}
	return ta.IP.String(), nil
}
