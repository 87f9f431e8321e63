package codec

import (
	"encoding/binary"
	"errors"

	"github.com/groupwire/p2pcore/nodeid"
)

// PayloadKind discriminates the variants carried inside a
// RouteLayerPacket's body.
type PayloadKind uint16

const (
	KindP2PPacket PayloadKind = iota + 1
	KindTransDatagram
	KindPing
	KindPong
	KindRoutingUpdate
	KindHeartBeat
	KindShutdown
)

// DefaultTTL is the recommended default TTL for freshly originated
// RouteLayerPackets.
const DefaultTTL uint8 = 16

// RouteLayerPacket is the wire frame at L1.
type RouteLayerPacket struct {
	From nodeid.NodeId
	To   nodeid.NodeId
	TTL  uint8
	Seq  uint32
	Kind PayloadKind
	Body []byte
}

var (
	ErrShortBuffer    = errors.New("codec: buffer too short")
	ErrBodyTooLarge   = errors.New("codec: body exceeds maximum frame size")
	ErrMalformedFrame = errors.New("codec: malformed frame")
)

// MaxBodySize bounds the body length field to guard against a corrupt
// or hostile length prefix causing an unbounded allocation.
const MaxBodySize = 16 << 20 // 16 MiB

// EncodeRouteLayerPacket serializes p as:
// from(16) to(16) ttl(1) seq(4) kind(2) body-length(4) body.
func EncodeRouteLayerPacket(p RouteLayerPacket) ([]byte, error) {
	if len(p.Body) > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	out := make([]byte, 16+16+1+4+2+4+len(p.Body))
	off := 0
	copy(out[off:], p.From[:])
	off += 16
	copy(out[off:], p.To[:])
	off += 16
	out[off] = p.TTL
	off++
	binary.BigEndian.PutUint32(out[off:], p.Seq)
	off += 4
	binary.BigEndian.PutUint16(out[off:], uint16(p.Kind))
	off += 2
	binary.BigEndian.PutUint32(out[off:], uint32(len(p.Body)))
	off += 4
	copy(out[off:], p.Body)
	return out, nil
}

// DecodeRouteLayerPacket parses the layout written by
// EncodeRouteLayerPacket.
func DecodeRouteLayerPacket(data []byte) (RouteLayerPacket, error) {
	const headerLen = 16 + 16 + 1 + 4 + 2 + 4
	if len(data) < headerLen {
		return RouteLayerPacket{}, ErrShortBuffer
	}
	var p RouteLayerPacket
	off := 0
	copy(p.From[:], data[off:off+16])
	off += 16
	copy(p.To[:], data[off:off+16])
	off += 16
	p.TTL = data[off]
	off++
	p.Seq = binary.BigEndian.Uint32(data[off:])
	off += 4
	p.Kind = PayloadKind(binary.BigEndian.Uint16(data[off:]))
	off += 2
	bodyLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if bodyLen > MaxBodySize || len(data[off:]) < int(bodyLen) {
		return RouteLayerPacket{}, ErrMalformedFrame
	}
	p.Body = make([]byte, bodyLen)
	copy(p.Body, data[off:off+int(bodyLen)])
	return p, nil
}

// Flag is the TransDatagram flag bitset.
type Flag uint8

const (
	FlagSYN Flag = 1 << 0
	FlagACK Flag = 1 << 1
	FlagCON Flag = 1 << 2
	FlagFIN Flag = 1 << 3
	// FlagGen carries one bit of the sending side's per-slot generation
	// parity. It toggles each time a slot is reallocated, letting the
	// receiver tell a retransmission of the slot's current occupant
	// apart from a brand new occupant after the window has wrapped.
	FlagGen Flag = 1 << 4
)

const (
	FirstHandShakeFlag  = FlagSYN | FlagCON
	SecondHandShakeFlag = FlagSYN | FlagACK | FlagCON
	ThirdHandShakeFlag  = FlagACK | FlagCON
)

// Has reports whether f contains all bits of other.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// BufferLength is the size of the sliding-window slot space.
const BufferLength = 256

// TransDatagram is the L3 reliable-transport frame carried inside a
// RouteLayerPacket's body.
type TransDatagram struct {
	Flag       Flag
	SynOrAck   uint16
	HasPayload bool
	Payload    []byte
}

// EncodeTransDatagram serializes d as: flag(1) syn_or_ack(2)
// has-payload(1) [payload-length(4) payload].
func EncodeTransDatagram(d TransDatagram) ([]byte, error) {
	if d.SynOrAck >= BufferLength {
		return nil, ErrMalformedFrame
	}
	size := 1 + 2 + 1
	if d.HasPayload {
		size += 4 + len(d.Payload)
	}
	out := make([]byte, size)
	off := 0
	out[off] = byte(d.Flag)
	off++
	binary.BigEndian.PutUint16(out[off:], d.SynOrAck)
	off += 2
	if d.HasPayload {
		out[off] = 1
		off++
		binary.BigEndian.PutUint32(out[off:], uint32(len(d.Payload)))
		off += 4
		copy(out[off:], d.Payload)
	} else {
		out[off] = 0
	}
	return out, nil
}

// DecodeTransDatagram parses the layout written by EncodeTransDatagram.
func DecodeTransDatagram(data []byte) (TransDatagram, error) {
	if len(data) < 4 {
		return TransDatagram{}, ErrShortBuffer
	}
	var d TransDatagram
	off := 0
	d.Flag = Flag(data[off])
	off++
	d.SynOrAck = binary.BigEndian.Uint16(data[off:])
	off += 2
	hasPayload := data[off]
	off++
	if hasPayload == 0 {
		return d, nil
	}
	if len(data[off:]) < 4 {
		return TransDatagram{}, ErrShortBuffer
	}
	plen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if plen > MaxBodySize || len(data[off:]) < int(plen) {
		return TransDatagram{}, ErrMalformedFrame
	}
	d.HasPayload = true
	d.Payload = make([]byte, plen)
	copy(d.Payload, data[off:off+int(plen)])
	return d, nil
}
