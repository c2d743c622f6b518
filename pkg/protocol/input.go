package protocol

import (
	cbor "github.com/fxamacker/cbor/v2"
)

// Structured payloads are deterministic CBOR (RFC 8949 core profile) so the
// same message always encodes to the same bytes across client versions.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

// MarshalBody encodes v as canonical CBOR.
func MarshalBody(v any) ([]byte, error) { return encMode.Marshal(v) }

// UnmarshalBody decodes a CBOR payload into v.
func UnmarshalBody(data []byte, v any) error { return decMode.Unmarshal(data, v) }

// InputEvent is a pointer/trackpad event sent to the host.
type InputEvent struct {
	X       float64 `cbor:"x"`
	Y       float64 `cbor:"y"`
	Buttons uint8   `cbor:"btn"`
	Phase   uint8   `cbor:"phase"` // 0=move 1=down 2=up
	TsMs    int64   `cbor:"ts"`
}

// ScrollEvent is a two-axis scroll delta.
type ScrollEvent struct {
	DX   float64 `cbor:"dx"`
	DY   float64 `cbor:"dy"`
	TsMs int64   `cbor:"ts"`
}

// KeyEvent is a key press/release with modifier state.
type KeyEvent struct {
	Code      uint16 `cbor:"code"`
	Down      bool   `cbor:"down"`
	Modifiers uint16 `cbor:"mods"`
	TsMs      int64  `cbor:"ts"`
}

// MediaKeyEvent carries play/pause/volume style keys.
type MediaKeyEvent struct {
	Key  uint8 `cbor:"key"`
	TsMs int64 `cbor:"ts"`
}

// DisconnectInfo is the optional payload of a MsgDisconnect from the host,
// carrying a human-readable reason for the goodbye.
type DisconnectInfo struct {
	Reason string `cbor:"reason,omitempty"`
}

// EncodeEvent wraps a structured event into its reliable-channel message.
func EncodeEvent(t MsgType, v any) (Message, error) {
	b, err := MarshalBody(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Payload: b}, nil
}
