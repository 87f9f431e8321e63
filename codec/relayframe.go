package codec

import (
	"encoding/binary"
	"io"
)

// RelayFrame is the minimal framing used on a relay session's QUIC
// stream: kind(2) body-length(4) body. Unlike RouteLayerPacket it
// carries no from/to/ttl/seq — a relay session is a single
// already-established bidirectional channel, not a multi-hop route.
func EncodeRelayFrame(kind PayloadKind, body []byte) []byte {
	out := make([]byte, 2+4+len(body))
	binary.BigEndian.PutUint16(out[0:], uint16(kind))
	binary.BigEndian.PutUint32(out[2:], uint32(len(body)))
	copy(out[6:], body)
	return out
}

// DecodeRelayFrame reads one frame written by EncodeRelayFrame from r.
func DecodeRelayFrame(r io.Reader) (PayloadKind, []byte, error) {
	var header [6]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	kind := PayloadKind(binary.BigEndian.Uint16(header[0:]))
	bodyLen := binary.BigEndian.Uint32(header[2:])
	if bodyLen > MaxBodySize {
		return 0, nil, ErrBodyTooLarge
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, err
		}
	}
	return kind, body, nil
}
