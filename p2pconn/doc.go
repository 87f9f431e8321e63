// Package p2pconn implements L3: P2PConnection. Each connection
// performs a three-way handshake with its peer and then implements a
// circular sliding-window ACK protocol over a dispatcher.Dispatcher to
// deliver ordered(-ish), reliable messages.
//
// A connection's window state has three touch points: the application
// writer, the inbound ACK handler, and the retransmission ticker.
// These are modeled as a single-writer actor — a goroutine draining a
// mailbox of closures — rather than a mutex shared across call sites.
// This mirrors the teacher's messaging.Message.mu-guarded state
// machine generalized from a mutex to a mailbox, because the
// retransmission ticker and inbound handling are naturally expressed
// as actor messages here.
//
// A connection holding a dispatcher whose subscription callbacks close
// over the connection would create a reference cycle between the two,
// and would also require a new subscription per peer. The Manager in
// this package breaks that by indexing connections by NodeId; the
// single dispatcher subscription it registers looks a connection up by
// sender NodeId on each inbound frame rather than capturing any
// particular connection in a closure.
package p2pconn
