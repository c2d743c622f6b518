// Package lan dials the two session channels over the local IP network:
// a TCP stream for the reliable channel and a UDP socket for media datagrams.
package lan

import (
	"context"
	"errors"
	"fmt"
	"net"

	"aircast/pkg/protocol"
	"aircast/pkg/transport"
)

const maxDatagram = 64 * 1024

// Dialer opens LAN channel pairs. The zero value is usable.
type Dialer struct {
	// LinkKind lets the relay package reuse this dialer with its own kind.
	LinkKind transport.Kind
}

func New() *Dialer { return &Dialer{LinkKind: transport.KindLAN} }

func (d *Dialer) Kind() transport.Kind {
	if d.LinkKind == transport.KindUnknown {
		return transport.KindLAN
	}
	return d.LinkKind
}

// Dial opens the TCP control connection and the UDP media socket against the
// resolved endpoint. A first ping datagram is sent so the host learns the
// client's media address before any chunks flow.
func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (*transport.ChannelPair, error) {
	if ep.Host == "" {
		return nil, errors.New("lan: empty endpoint host")
	}
	var nd net.Dialer
	tc, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(ep.Host, fmt.Sprint(ep.ControlPort)))
	if err != nil {
		return nil, fmt.Errorf("lan: control dial: %w", err)
	}
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ep.Host, fmt.Sprint(ep.MediaPort)))
	if err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("lan: media resolve: %w", err)
	}
	uc, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("lan: media dial: %w", err)
	}
	dc := &datagramChannel{kind: d.Kind(), c: uc}
	if err := dc.SendDatagram([]byte{byte(protocol.MsgPing)}); err != nil {
		_ = tc.Close()
		_ = uc.Close()
		return nil, fmt.Errorf("lan: media hello: %w", err)
	}
	return &transport.ChannelPair{
		Control: transport.NewStreamChannel(tc, d.Kind()),
		Media:   dc,
		Link:    d.Kind(),
	}, nil
}

type datagramChannel struct {
	kind transport.Kind
	c    *net.UDPConn
}

func (dc *datagramChannel) Kind() transport.Kind { return dc.kind }
func (dc *datagramChannel) Close() error         { return dc.c.Close() }

func (dc *datagramChannel) SendDatagram(b []byte) error {
	_, err := dc.c.Write(b)
	return err
}

func (dc *datagramChannel) RecvDatagram() ([]byte, error) {
	buf := make([]byte, maxDatagram)
	n, err := dc.c.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}
