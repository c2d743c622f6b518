// Package mesh realizes both session channels over a single peer-to-peer
// QUIC connection: the reliable channel is a bidirectional stream with the
// host framing, the media channel rides QUIC datagrams. Mesh links have
// lower throughput than the LAN path and are preferred only for input-only
// sessions.
package mesh

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"aircast/pkg/protocol"
	"aircast/pkg/transport"
)

const alpn = "aircast"

// Dialer opens mesh channel pairs.
type Dialer struct {
	quicConf *quic.Config
}

func New() *Dialer {
	return &Dialer{quicConf: &quic.Config{
		EnableDatagrams:      true,
		HandshakeIdleTimeout: 5 * time.Second,
		MaxIdleTimeout:       30 * time.Second,
	}}
}

func (d *Dialer) Kind() transport.Kind { return transport.KindMesh }

// Dial connects to the peer's advertised mesh endpoint and opens the control
// stream. Certificate verification is skipped; the peer is authenticated at
// the application layer by the pairing handshake.
func (d *Dialer) Dial(ctx context.Context, ep transport.Endpoint) (*transport.ChannelPair, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // NOTE: identity is verified by the pairing handshake
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	addr := net.JoinHostPort(ep.Host, fmt.Sprint(ep.ControlPort))
	conn, err := quic.DialAddr(ctx, addr, tlsConf, d.quicConf)
	if err != nil {
		return nil, fmt.Errorf("mesh: dial: %w", err)
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("mesh: open control stream: %w", err)
	}
	return newPair(conn, st), nil
}

// Listener accepts inbound mesh sessions; the host end and tests use it.
type Listener struct {
	ln *quic.Listener
}

// Listen starts a mesh listener with an ephemeral self-signed certificate.
func Listen(addr string) (*Listener, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return nil, fmt.Errorf("mesh: listen: %w", err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }
func (l *Listener) Close() error   { return l.ln.Close() }

// Accept waits for an inbound session and its control stream.
func (l *Listener) Accept(ctx context.Context) (*transport.ChannelPair, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return newPair(conn, st), nil
}

func newPair(conn quic.Connection, st quic.Stream) *transport.ChannelPair {
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := &stream{conn: conn, st: st, establishedAt: time.Now()}
	media := &datagrams{conn: conn, ctx: ctx, cancel: cancel}
	return &transport.ChannelPair{Control: ctrl, Media: media, Link: transport.KindMesh}
}

// stream is the reliable channel over the QUIC control stream.
type stream struct {
	mu   sync.Mutex
	conn quic.Connection
	st   quic.Stream

	establishedAt time.Time
	lastSeen      time.Time
}

func (s *stream) Kind() transport.Kind { return transport.KindMesh }
func (s *stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *stream) Quality() transport.Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *stream) Send(m protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := protocol.WriteMessage(s.st, m); err != nil {
		return err
	}
	s.lastSeen = time.Now()
	return nil
}

func (s *stream) Recv() (protocol.Message, error) {
	m, err := protocol.ReadMessage(s.st)
	if err != nil {
		return protocol.Message{}, err
	}
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
	return m, nil
}

func (s *stream) Close() error {
	_ = s.st.Close()
	return s.conn.CloseWithError(0, "")
}

// datagrams is the unreliable channel over QUIC datagrams.
type datagrams struct {
	conn   quic.Connection
	ctx    context.Context
	cancel context.CancelFunc
}

func (d *datagrams) Kind() transport.Kind { return transport.KindMesh }

func (d *datagrams) SendDatagram(b []byte) error { return d.conn.SendDatagram(b) }

func (d *datagrams) RecvDatagram() ([]byte, error) { return d.conn.ReceiveDatagram(d.ctx) }

func (d *datagrams) Close() error {
	d.cancel()
	return nil
}

// selfSignedCert generates a short-lived self-signed TLS certificate for
// local mesh use.
func selfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}
