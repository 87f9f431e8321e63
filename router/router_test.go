package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
)

func TestForwardDropsExpiredTTL(t *testing.T) {
	self := nodeid.NewNodeId()
	r := New(self, nil, func(nodeid.NodeId, codec.RouteLayerPacket) error { return nil }, func(codec.RouteLayerPacket) {})

	err := r.Forward(codec.RouteLayerPacket{From: nodeid.NewNodeId(), To: nodeid.NewNodeId(), TTL: 0})
	assert.ErrorIs(t, err, ErrTTLExpired)
}

func TestForwardDecrementsTTL(t *testing.T) {
	self := nodeid.NewNodeId()
	dest := nodeid.NewNodeId()
	neighbor := nodeid.NewNodeId()

	var gotTTL uint8
	var gotTo nodeid.NodeId
	table := NewRoutingTable()
	table.SetRoute(dest, neighbor)

	r := New(self, table, func(hop nodeid.NodeId, pkt codec.RouteLayerPacket) error {
		gotTTL = pkt.TTL
		gotTo = hop
		return nil
	}, func(codec.RouteLayerPacket) {})

	err := r.Forward(codec.RouteLayerPacket{From: nodeid.NewNodeId(), To: dest, TTL: 5, Seq: 1})
	require.NoError(t, err)
	assert.Equal(t, uint8(4), gotTTL)
	assert.Equal(t, neighbor, gotTo)
}

func TestForwardDeliversToSelf(t *testing.T) {
	self := nodeid.NewNodeId()

	delivered := false
	r := New(self, nil, func(nodeid.NodeId, codec.RouteLayerPacket) error { return nil }, func(pkt codec.RouteLayerPacket) {
		delivered = true
	})

	err := r.Forward(codec.RouteLayerPacket{From: nodeid.NewNodeId(), To: self, TTL: 5, Seq: 1})
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestForwardDropsUnknownDestination(t *testing.T) {
	self := nodeid.NewNodeId()
	r := New(self, nil, func(nodeid.NodeId, codec.RouteLayerPacket) error { return nil }, func(codec.RouteLayerPacket) {})

	err := r.Forward(codec.RouteLayerPacket{From: nodeid.NewNodeId(), To: nodeid.NewNodeId(), TTL: 5, Seq: 1})
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestForwardDropsDuplicates(t *testing.T) {
	self := nodeid.NewNodeId()
	from := nodeid.NewNodeId()

	var calls int
	r := New(self, nil, func(nodeid.NodeId, codec.RouteLayerPacket) error { return nil }, func(codec.RouteLayerPacket) {
		calls++
	})

	pkt := codec.RouteLayerPacket{From: from, To: self, TTL: 5, Seq: 7}
	require.NoError(t, r.Forward(pkt))
	err := r.Forward(pkt)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, calls)
}

func TestRoutingTableSetAndRemove(t *testing.T) {
	table := NewRoutingTable()
	dest := nodeid.NewNodeId()
	hop := nodeid.NewNodeId()

	_, ok := table.NextHop(dest)
	assert.False(t, ok)

	table.SetRoute(dest, hop)
	got, ok := table.NextHop(dest)
	require.True(t, ok)
	assert.Equal(t, hop, got)

	table.RemoveRoute(dest)
	_, ok = table.NextHop(dest)
	assert.False(t, ok)
}
