package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Media chunk datagram layout:
//
//	0      type       u8 (MsgMediaChunk)
//	1..4   frameId    u32 BE
//	5..6   chunkIndex u16 BE
//	7..8   totalChunks u16 BE
//	9..    data
const chunkHeaderSize = 9

var (
	ErrShortChunk  = errors.New("protocol: short chunk datagram")
	ErrChunkBounds = errors.New("protocol: chunk index out of bounds")
)

// Chunk is one network-sized fragment of an encoded media frame.
type Chunk struct {
	FrameID uint32
	Index   uint16
	Total   uint16
	Payload []byte
}

// EncodeChunk returns the full datagram for c, including the type byte.
func EncodeChunk(c Chunk) ([]byte, error) {
	if c.Total == 0 || c.Index >= c.Total {
		return nil, ErrChunkBounds
	}
	out := make([]byte, chunkHeaderSize+len(c.Payload))
	out[0] = byte(MsgMediaChunk)
	binary.BigEndian.PutUint32(out[1:5], c.FrameID)
	binary.BigEndian.PutUint16(out[5:7], c.Index)
	binary.BigEndian.PutUint16(out[7:9], c.Total)
	copy(out[chunkHeaderSize:], c.Payload)
	return out, nil
}

// DecodeChunk parses a media chunk datagram. The payload slice aliases b.
func DecodeChunk(b []byte) (Chunk, error) {
	if len(b) < chunkHeaderSize {
		return Chunk{}, ErrShortChunk
	}
	if MsgType(b[0]) != MsgMediaChunk {
		return Chunk{}, fmt.Errorf("protocol: not a media chunk: type %d", b[0])
	}
	c := Chunk{
		FrameID: binary.BigEndian.Uint32(b[1:5]),
		Index:   binary.BigEndian.Uint16(b[5:7]),
		Total:   binary.BigEndian.Uint16(b[7:9]),
		Payload: b[chunkHeaderSize:],
	}
	if c.Total == 0 || c.Index >= c.Total {
		return Chunk{}, ErrChunkBounds
	}
	return c, nil
}

// SplitFrame fragments one encoded frame into chunk datagrams no larger than
// mtu bytes each. The host side uses this; the client uses it in tests.
func SplitFrame(frameID uint32, payload []byte, mtu int) ([][]byte, error) {
	if mtu <= chunkHeaderSize {
		return nil, fmt.Errorf("protocol: mtu %d below chunk header size", mtu)
	}
	size := mtu - chunkHeaderSize
	total := (len(payload) + size - 1) / size
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("protocol: frame needs %d chunks, limit 65535", total)
	}
	out := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		d, err := EncodeChunk(Chunk{
			FrameID: frameID,
			Index:   uint16(i),
			Total:   uint16(total),
			Payload: payload[start:end],
		})
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
