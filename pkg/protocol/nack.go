package protocol

import (
	"encoding/binary"
	"errors"
)

// NackRequest asks the host to retransmit specific chunks of an in-flight
// frame. It travels on the reliable channel as the payload of MsgNack:
//
//	0..3   frameId u32 BE
//	4..5   count   u16 BE
//	6..    count * chunkIndex u16 BE
type NackRequest struct {
	FrameID uint32
	Missing []uint16
}

var ErrBadNack = errors.New("protocol: malformed nack payload")

// EncodeNack serializes n into a MsgNack message.
func EncodeNack(n NackRequest) Message {
	out := make([]byte, 6+2*len(n.Missing))
	binary.BigEndian.PutUint32(out[0:4], n.FrameID)
	binary.BigEndian.PutUint16(out[4:6], uint16(len(n.Missing)))
	for i, idx := range n.Missing {
		binary.BigEndian.PutUint16(out[6+2*i:], idx)
	}
	return Message{Type: MsgNack, Payload: out}
}

// DecodeNack parses a MsgNack payload.
func DecodeNack(b []byte) (NackRequest, error) {
	if len(b) < 6 {
		return NackRequest{}, ErrBadNack
	}
	n := NackRequest{FrameID: binary.BigEndian.Uint32(b[0:4])}
	count := int(binary.BigEndian.Uint16(b[4:6]))
	if len(b) != 6+2*count {
		return NackRequest{}, ErrBadNack
	}
	n.Missing = make([]uint16, count)
	for i := 0; i < count; i++ {
		n.Missing[i] = binary.BigEndian.Uint16(b[6+2*i:])
	}
	return n, nil
}
