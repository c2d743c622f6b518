package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ManualSource announces a single user-entered address (typically a relay
// endpoint for a host outside the local network) as a discoverable peer and
// re-announces it periodically so the descriptor does not age out.
type ManualSource struct {
	Address  string // "host:port" of the reliable channel
	Interval time.Duration
}

func (m *ManualSource) Name() string { return "manual" }

func (m *ManualSource) Start(ctx context.Context, sink Sink) error {
	host, portStr, err := net.SplitHostPort(m.Address)
	if err != nil {
		return fmt.Errorf("discovery: manual address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("discovery: manual port: %w", err)
	}
	p := PeerDescriptor{
		ID:      "manual:" + m.Address,
		Name:    m.Address,
		LANHost: host,
		LANPort: port,
	}
	iv := m.Interval
	if iv <= 0 {
		iv = 3 * time.Second
	}
	go func() {
		t := time.NewTicker(iv)
		defer t.Stop()
		sink.PeerFound(p, m.Name())
		for {
			select {
			case <-ctx.Done():
				sink.PeerLost(p.ID, m.Name())
				return
			case <-t.C:
				sink.PeerFound(p, m.Name())
			}
		}
	}()
	return nil
}
