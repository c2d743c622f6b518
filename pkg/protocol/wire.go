package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Reliable-channel framing: type:u8 | length:u32 (big-endian) | payload.
// Length zero is a valid zero-payload message.
const (
	frameHeaderSize = 5

	// MaxPayload guards against absurd lengths from a corrupt stream.
	MaxPayload = 1 << 24
)

var ErrPayloadTooLarge = errors.New("protocol: payload too large")

// Message is one typed unit on the reliable channel.
type Message struct {
	Type    MsgType
	Payload []byte
}

// WriteMessage writes one framed message to w.
func WriteMessage(w io.Writer, m Message) error {
	if len(m.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	var hdr [frameHeaderSize]byte
	hdr[0] = byte(m.Type)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(m.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		if _, err := w.Write(m.Payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads the next framed message from r. A clean EOF before the
// first header byte means the peer closed the stream; that is surfaced as a
// synthetic disconnect message rather than an error so callers have a single
// teardown path. A partial header or payload is still an error.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Message{Type: MsgDisconnect}, nil
		}
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > MaxPayload {
		return Message{}, fmt.Errorf("protocol: frame length %d exceeds limit", n)
	}
	m := Message{Type: MsgType(hdr[0])}
	if n > 0 {
		m.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

// ParseDatagram splits one datagram into its type byte and payload.
// Datagram framing: type:u8 | payload:rest.
func ParseDatagram(b []byte) (MsgType, []byte, error) {
	if len(b) < 1 {
		return MsgUnknown, nil, errors.New("protocol: empty datagram")
	}
	return MsgType(b[0]), b[1:], nil
}
