// Package relay implements L3': RelaySessionManager. It tracks every
// attached relay session's liveness via a heartbeat protocol and runs
// a watchdog that evicts sessions that have gone silent.
//
// The session registry is a sync.Map keyed by nodeid.SessionId,
// following the teacher-adjacent udisondev-sendy router's peer
// registry (a sync.Map indexed by peer identity, populated on accept
// and cleared on disconnect) generalized from TCP peer connections to
// attached relay sessions over QUIC.
package relay
