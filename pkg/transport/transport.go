package transport

import (
	"context"
	"net"
	"time"

	"aircast/pkg/protocol"
)

// Kind identifies the physical link a channel pair runs over.
type Kind int

const (
	KindUnknown Kind = iota
	KindLAN
	KindMesh
	KindRelay
	KindMem
)

func (k Kind) String() string {
	switch k {
	case KindLAN:
		return "lan"
	case KindMesh:
		return "mesh"
	case KindRelay:
		return "relay"
	case KindMem:
		return "mem"
	default:
		return "unknown"
	}
}

// Quality is a liveness snapshot for a channel.
type Quality struct {
	EstablishedAt time.Time
	LastSeen      time.Time
}

// ReliableChannel is the ordered, in-order message stream used for
// handshake, input events and nack requests. Exactly one reader and one
// writer goroutine are expected; Send is safe for concurrent use.
type ReliableChannel interface {
	Send(protocol.Message) error
	// Recv blocks for the next message. A peer-closed stream is returned as
	// a synthetic MsgDisconnect, not an error.
	Recv() (protocol.Message, error)
	Kind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Quality() Quality
	Close() error
}

// DatagramChannel is the best-effort, unordered path used for media chunks.
type DatagramChannel interface {
	SendDatagram([]byte) error
	RecvDatagram() ([]byte, error)
	Kind() Kind
	Close() error
}

// ChannelPair bundles the two logical channels of one session over one link.
type ChannelPair struct {
	Control ReliableChannel
	Media   DatagramChannel
	Link    Kind
}

// Close tears down both channels. Safe on a partially constructed pair.
func (p *ChannelPair) Close() {
	if p == nil {
		return
	}
	if p.Media != nil {
		_ = p.Media.Close()
	}
	if p.Control != nil {
		_ = p.Control.Close()
	}
}

// Endpoint is a dialable location for one peer on one link.
type Endpoint struct {
	Host        string // numeric address or hostname, link-dependent
	ControlPort int
	MediaPort   int
}

// Dialer opens a channel pair over a specific link kind.
type Dialer interface {
	Kind() Kind
	Dial(ctx context.Context, ep Endpoint) (*ChannelPair, error)
}
