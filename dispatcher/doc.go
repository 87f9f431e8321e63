// Package dispatcher implements L2: RouterPacketDispatcher. It
// multiplexes typed packets on top of a router.Router, offering
// fire-and-forget Send, one-shot request/response via
// SendAndListenOnce, and persistent typed subscriptions via OnReceive.
//
// Handlers for distinct payload kinds may run concurrently; handlers
// for the same kind are serialized per sender so that the order in
// which the router delivered their enclosing frames is preserved.
// This is implemented with a lazily-created per (kind, sender) FIFO
// queue, one persistent worker goroutine draining it in arrival order
// — the same mailbox/actor shape p2pconn.Connection uses for its own
// state, chosen over a shared mutex because a mutex gives no ordering
// guarantee between goroutines contending for it; routing by a lookup
// key follows the teacher's net.callbackRouter pattern, with a
// worker-per-key queue standing in for callbackRouter's per-connection
// serialization.
package dispatcher
