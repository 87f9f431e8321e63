package router

import (
	"sync"

	"github.com/groupwire/p2pcore/nodeid"
)

// RoutingTable maps a destination NodeId to the neighbor NodeId a
// frame should be handed to next. It is a flat map guarded by a
// RWMutex, adapted from the teacher's dht.RoutingTable locking
// discipline (read-mostly, rare writes) without the k-bucket structure
// a Kademlia DHT needs — this router has no notion of ID-space
// distance, only "do I have a next hop for this destination".
type RoutingTable struct {
	mu     sync.RWMutex
	hops   map[nodeid.NodeId]nodeid.NodeId
}

// NewRoutingTable creates an empty routing table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{hops: make(map[nodeid.NodeId]nodeid.NodeId)}
}

// SetRoute records that frames destined for dest should go to nextHop.
func (t *RoutingTable) SetRoute(dest, nextHop nodeid.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hops[dest] = nextHop
}

// RemoveRoute forgets any route to dest.
func (t *RoutingTable) RemoveRoute(dest nodeid.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hops, dest)
}

// NextHop returns the next-hop NodeId for dest, if known.
func (t *RoutingTable) NextHop(dest nodeid.NodeId) (nodeid.NodeId, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	hop, ok := t.hops[dest]
	return hop, ok
}

// Routes returns a snapshot of the current table, for diagnostics.
func (t *RoutingTable) Routes() map[nodeid.NodeId]nodeid.NodeId {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[nodeid.NodeId]nodeid.NodeId, len(t.hops))
	for k, v := range t.hops {
		out[k] = v
	}
	return out
}
