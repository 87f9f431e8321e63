package nodeid

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// NodeId is an opaque 128-bit identifier, unique per client and stable
// for the lifetime of a signin. The zero value is reserved as
// unset/broadcast-suppressed.
type NodeId [16]byte

// SessionId is an opaque handle assigned by the network layer to an
// established bidirectional byte channel with a neighbor. It is
// distinct from NodeId at the type level.
type SessionId [16]byte

// Nil is the reserved zero NodeId.
var Nil NodeId

// NilSession is the reserved zero SessionId.
var NilSession SessionId

// NewNodeId generates a fresh random NodeId.
func NewNodeId() NodeId {
	return NodeId(uuid.New())
}

// NewSessionId generates a fresh random SessionId.
func NewSessionId() SessionId {
	return SessionId(uuid.New())
}

// String renders the identifier as a UUID-formatted hex string.
func (id NodeId) String() string {
	return uuid.UUID(id).String()
}

// String renders the identifier as a UUID-formatted hex string.
func (id SessionId) String() string {
	return uuid.UUID(id).String()
}

// IsZero reports whether id is the reserved unset value.
func (id NodeId) IsZero() bool {
	return id == Nil
}

// ParseNodeId decodes a hex-encoded NodeId, used by configuration and
// test fixtures rather than the wire path (the wire path decodes the
// raw 16 bytes directly, see codec.DecodeRouteLayerPacket).
func ParseNodeId(s string) (NodeId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, err
	}
	return NodeId(u), nil
}

// Bytes returns the 16 raw bytes of the identifier.
func (id NodeId) Bytes() []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

// ShortHex returns the first 4 bytes hex-encoded, for compact log
// fields.
func (id NodeId) ShortHex() string {
	return hex.EncodeToString(id[:4])
}
