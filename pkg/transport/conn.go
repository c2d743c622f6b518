package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"aircast/pkg/protocol"
)

// streamChannel implements ReliableChannel over any net.Conn with the host
// framing. Shared by the lan, relay and mem links.
type streamChannel struct {
	mu   sync.Mutex
	kind Kind
	c    net.Conn
	br   *bufio.Reader
	bw   *bufio.Writer

	establishedAt time.Time
	lastSeen      time.Time
}

// NewStreamChannel wraps an established byte stream as a reliable channel.
func NewStreamChannel(c net.Conn, kind Kind) ReliableChannel {
	return &streamChannel{
		kind:          kind,
		c:             c,
		br:            bufio.NewReader(c),
		bw:            bufio.NewWriter(c),
		establishedAt: time.Now(),
	}
}

func (s *streamChannel) Kind() Kind           { return s.kind }
func (s *streamChannel) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *streamChannel) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *streamChannel) Close() error         { return s.c.Close() }

func (s *streamChannel) Quality() Quality {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Quality{EstablishedAt: s.establishedAt, LastSeen: s.lastSeen}
}

func (s *streamChannel) Send(m protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := protocol.WriteMessage(s.bw, m); err != nil {
		return err
	}
	if err := s.bw.Flush(); err != nil {
		return err
	}
	s.lastSeen = time.Now()
	return nil
}

func (s *streamChannel) Recv() (protocol.Message, error) {
	m, err := protocol.ReadMessage(s.br)
	if err != nil {
		return protocol.Message{}, err
	}
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
	return m, nil
}
