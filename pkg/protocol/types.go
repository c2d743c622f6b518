// Package protocol defines the byte-exact wire format spoken with the host:
// the framed reliable-channel messages, the media chunk datagram layout and
// the structured control payloads carried inside them.
package protocol

// MsgType is the 1-byte message discriminant used on both channels.
// The enumeration is closed; unknown values are ignored by receivers,
// never treated as fatal.
type MsgType uint8

const (
	MsgUnknown       MsgType = 0
	MsgHandshake     MsgType = 1
	MsgHandshakeAck  MsgType = 2
	MsgMediaFrame    MsgType = 3
	MsgMediaChunk    MsgType = 4
	MsgInputEvent    MsgType = 5
	MsgScrollEvent   MsgType = 6
	MsgKeyEvent      MsgType = 7
	MsgDisconnect    MsgType = 8
	MsgPing          MsgType = 9
	MsgPong          MsgType = 10
	MsgNack          MsgType = 11
	MsgPairingFailed MsgType = 12
	MsgAudio         MsgType = 13
	MsgMediaKey      MsgType = 14
)

func (t MsgType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgHandshakeAck:
		return "handshake-ack"
	case MsgMediaFrame:
		return "media-frame"
	case MsgMediaChunk:
		return "media-chunk"
	case MsgInputEvent:
		return "input-event"
	case MsgScrollEvent:
		return "scroll-event"
	case MsgKeyEvent:
		return "key-event"
	case MsgDisconnect:
		return "disconnect"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	case MsgNack:
		return "nack-request"
	case MsgPairingFailed:
		return "pairing-failed"
	case MsgAudio:
		return "audio"
	case MsgMediaKey:
		return "media-key"
	default:
		return "unknown"
	}
}

// Known reports whether t is part of the closed enumeration.
func (t MsgType) Known() bool { return t >= MsgHandshake && t <= MsgMediaKey }
