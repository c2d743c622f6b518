// Package handshake builds and validates the session-establishment exchange:
// the client sends a Request with its capabilities and pairing secret, the
// host answers with an Ack carrying the negotiated stream parameters.
// No media is accepted before a valid Ack.
package handshake

import (
	"errors"
	"fmt"

	"aircast/pkg/protocol"
)

const Version = 1

var (
	ErrBadSecret   = errors.New("handshake: pairing secret rejected")
	ErrBadVersion  = errors.New("handshake: unsupported protocol version")
	ErrEmptySecret = errors.New("handshake: empty pairing secret")
)

// Capabilities is what the client asks for when connecting.
type Capabilities struct {
	Video     bool   `cbor:"video"`
	Audio     bool   `cbor:"audio"`
	Width     uint32 `cbor:"w"`
	Height    uint32 `cbor:"h"`
	FrameRate uint32 `cbor:"fps"`
	Quality   string `cbor:"quality"` // low, balanced, high
}

// InputOnly reports whether the session carries no sustained media and may
// therefore prefer the lower-throughput mesh link.
func (c Capabilities) InputOnly() bool { return !c.Video && !c.Audio }

// Request is the immutable client half of the exchange.
type Request struct {
	Version   uint32       `cbor:"ver"`
	SessionID string       `cbor:"sid"`
	Secret    string       `cbor:"secret"`
	Caps      Capabilities `cbor:"caps"`
}

// Ack is the immutable host half: the negotiated parameters.
type Ack struct {
	Accepted    bool   `cbor:"ok"`
	Reason      string `cbor:"reason,omitempty"`
	Width       uint32 `cbor:"w"`
	Height      uint32 `cbor:"h"`
	FrameRate   uint32 `cbor:"fps"`
	BitrateKbps uint32 `cbor:"kbps"`
	Quality     string `cbor:"quality"`
}

// BuildRequest constructs a Request for one connect attempt.
func BuildRequest(sessionID, secret string, caps Capabilities) (Request, error) {
	if secret == "" {
		return Request{}, ErrEmptySecret
	}
	if caps.Quality == "" {
		caps.Quality = "balanced"
	}
	return Request{Version: Version, SessionID: sessionID, Secret: secret, Caps: caps}, nil
}

// Encode wraps the request into its reliable-channel message.
func (r Request) Encode() (protocol.Message, error) {
	return protocol.EncodeEvent(protocol.MsgHandshake, r)
}

// DecodeRequest parses a MsgHandshake payload.
func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := protocol.UnmarshalBody(payload, &r); err != nil {
		return Request{}, fmt.Errorf("handshake: decode request: %w", err)
	}
	return r, nil
}

// Encode wraps the ack into its reliable-channel message.
func (a Ack) Encode() (protocol.Message, error) {
	return protocol.EncodeEvent(protocol.MsgHandshakeAck, a)
}

// DecodeAck parses a MsgHandshakeAck payload.
func DecodeAck(payload []byte) (Ack, error) {
	var a Ack
	if err := protocol.UnmarshalBody(payload, &a); err != nil {
		return Ack{}, fmt.Errorf("handshake: decode ack: %w", err)
	}
	return a, nil
}

// Limits bounds what a host is willing to serve.
type Limits struct {
	MaxWidth    uint32
	MaxHeight   uint32
	MaxRate     uint32
	BitrateKbps uint32
}

// Verify checks a request against the expected pairing secret. Used by the
// host end and by tests standing in for one.
func Verify(r Request, secret string) error {
	if r.Version != Version {
		return ErrBadVersion
	}
	if r.Secret == "" || r.Secret != secret {
		return ErrBadSecret
	}
	return nil
}

// Negotiate clamps the requested capabilities to the host limits and
// produces an accepting Ack.
func Negotiate(r Request, l Limits) Ack {
	a := Ack{
		Accepted:    true,
		Width:       clamp(r.Caps.Width, l.MaxWidth),
		Height:      clamp(r.Caps.Height, l.MaxHeight),
		FrameRate:   clamp(r.Caps.FrameRate, l.MaxRate),
		BitrateKbps: l.BitrateKbps,
		Quality:     r.Caps.Quality,
	}
	if a.Quality == "" {
		a.Quality = "balanced"
	}
	return a
}

// Reject builds a refusing Ack with a reason string.
func Reject(reason string) Ack { return Ack{Accepted: false, Reason: reason} }

func clamp(want, limit uint32) uint32 {
	if limit > 0 && (want == 0 || want > limit) {
		return limit
	}
	return want
}
