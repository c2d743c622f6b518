package session

import (
	"aircast/pkg/discovery"
	"aircast/pkg/handshake"
)

// State is the session lifecycle phase. Exactly one session manager exists
// per client process and its transitions are serialized on the control
// goroutine.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateConnecting
	StateConnected
	StateStreaming
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EventKind tags an observable session event.
type EventKind int

const (
	// EventState reports a state transition with a human-readable status.
	EventState EventKind = iota
	// EventMediaFrame delivers one completed media frame, in arrival order.
	EventMediaFrame
	// EventAudio delivers one opaque audio payload.
	EventAudio
	// EventPeerFound and EventPeerLost mirror the discovered-peer list.
	EventPeerFound
	EventPeerLost
)

// Event is one observable occurrence. Which fields are set depends on Kind.
type Event struct {
	Kind   EventKind
	State  State
	Status string
	Err    error
	Peer   discovery.PeerDescriptor
	Frame  []byte
	Ack    handshake.Ack
}
