// Package router implements L1 of the transport core: forwarding of
// RouteLayerPacket frames between NodeIds across direct or multi-hop
// paths. It decrements TTL, drops expired or duplicate frames, and
// hands frames addressed to the local node up to L2.
//
// Routing here is a flat NodeId -> next-hop NodeId table, not a
// Kademlia-style distributed hash table: peer discovery is the job of
// an external coordinator, so Router only needs to know, for a
// destination it is not itself, which neighbor to hand the frame to
// next.
package router
