// Package nodeid defines the opaque 128-bit identifiers used throughout
// the transport core: NodeId addresses a client, SessionId addresses an
// attached relay session. The two are distinct Go types so a NodeId can
// never be passed where a SessionId is expected, or vice versa.
package nodeid
