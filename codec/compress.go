package codec

import "github.com/golang/snappy"

// P2PPacket is the L1 frame carrying an already-encoded TransDatagram
// between two peers, compressed with a streaming compressor. Brotli
// wire compatibility was considered and dropped: no Brotli binding
// exists anywhere in the retrieval pack, so this implementation
// substitutes the nearest real streaming-compressor dependency
// available in the corpus (see DESIGN.md).
type P2PPacket struct {
	Payload []byte
}

// CompressPayload compresses raw bytes for inclusion in a P2PPacket.
func CompressPayload(raw []byte) []byte {
	return snappy.Encode(nil, raw)
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(compressed []byte) ([]byte, error) {
	return snappy.Decode(nil, compressed)
}

// EncodeP2PPacket compresses pkt.Payload. It adds no length prefix of
// its own; the enclosing RouteLayerPacket's body length frames it.
func EncodeP2PPacket(pkt P2PPacket) []byte {
	return CompressPayload(pkt.Payload)
}

// DecodeP2PPacket decompresses a P2PPacket body produced by
// EncodeP2PPacket.
func DecodeP2PPacket(data []byte) (P2PPacket, error) {
	raw, err := DecompressPayload(data)
	if err != nil {
		return P2PPacket{}, err
	}
	return P2PPacket{Payload: raw}, nil
}

// EncodeTransDatagramAsP2PPacket encodes dg and compresses the result,
// producing the bytes carried in a RouteLayerPacket of KindP2PPacket:
// an application payload enters at L3, gets wrapped in a
// TransDatagram, is encoded here, and is handed to L2 addressed as an
// L1 P2PPacket to the peer.
func EncodeTransDatagramAsP2PPacket(dg TransDatagram) ([]byte, error) {
	raw, err := EncodeTransDatagram(dg)
	if err != nil {
		return nil, err
	}
	return CompressPayload(raw), nil
}

// DecodeP2PPacketAsTransDatagram reverses
// EncodeTransDatagramAsP2PPacket.
func DecodeP2PPacketAsTransDatagram(data []byte) (TransDatagram, error) {
	raw, err := DecompressPayload(data)
	if err != nil {
		return TransDatagram{}, err
	}
	return DecodeTransDatagram(raw)
}

// HeartBeat and ShutdownMessage have empty bodies; their "encoding" is
// the zero-length byte slice, and decoding only checks the frame's
// kind discriminator (the RelayFrame kind on a relay session), never
// the body.
type HeartBeat struct{}

type ShutdownMessage struct{}

// EncodeHeartBeat returns the empty-body encoding.
func EncodeHeartBeat() []byte { return nil }

// EncodeShutdownMessage returns the empty-body encoding.
func EncodeShutdownMessage() []byte { return nil }
