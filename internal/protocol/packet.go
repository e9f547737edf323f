package protocol

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed media packet header size:
// SequenceNumber(4) + TimestampMs(4) + FrameType(1).
const HeaderSize = 9

// Packet is one media unit on the wire. The header is big-endian; the payload
// length is implicit (the remainder of the delimited message) and is never
// encoded separately except at the transport framing layer.
type Packet struct {
	SequenceNumber uint32
	TimestampMs    uint32 // milliseconds, truncated to 32 bits
	FrameType      FrameType
	Payload        []byte
}

// EncodeHeader serializes the 9-byte media packet header.
func EncodeHeader(seq, timestampMs uint32, frameType FrameType) [HeaderSize]byte {
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], seq)
	binary.BigEndian.PutUint32(buf[4:8], timestampMs)
	buf[8] = byte(frameType)
	return buf
}

// Header holds the decoded packet header fields plus the offset at which the
// payload begins.
type Header struct {
	SequenceNumber uint32
	TimestampMs    uint32
	FrameType      FrameType
	PayloadOffset  int
}

// DecodeHeader parses the 9-byte header from the front of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("packet too short: %d bytes (need at least %d)", len(data), HeaderSize)
	}
	return Header{
		SequenceNumber: binary.BigEndian.Uint32(data[0:4]),
		TimestampMs:    binary.BigEndian.Uint32(data[4:8]),
		FrameType:      FrameType(data[8]),
		PayloadOffset:  HeaderSize,
	}, nil
}

// Encode serializes the full packet (header + payload) for transmission.
func (p *Packet) Encode() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.SequenceNumber)
	binary.BigEndian.PutUint32(buf[4:8], p.TimestampMs)
	buf[8] = byte(p.FrameType)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// DecodePacket parses a full packet. The payload is copied so the caller may
// reuse the input buffer.
func DecodePacket(data []byte) (*Packet, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	p := &Packet{
		SequenceNumber: h.SequenceNumber,
		TimestampMs:    h.TimestampMs,
		FrameType:      h.FrameType,
	}
	if len(data) > HeaderSize {
		p.Payload = make([]byte, len(data)-HeaderSize)
		copy(p.Payload, data[HeaderSize:])
	}
	return p, nil
}
