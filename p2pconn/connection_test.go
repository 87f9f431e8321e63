package p2pconn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/dispatcher"
	"github.com/groupwire/p2pcore/nodeid"
	"github.com/groupwire/p2pcore/router"
)

// lossyLink wires two dispatchers together through a router pair,
// optionally dropping frames matching drop.
type lossyLink struct {
	mu   sync.Mutex
	drop func(codec.RouteLayerPacket) bool
}

func (l *lossyLink) shouldDrop(pkt codec.RouteLayerPacket) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.drop != nil && l.drop(pkt)
}

func newPair(t *testing.T) (aID, bID nodeid.NodeId, a, b *dispatcher.Dispatcher, linkAtoB, linkBtoA *lossyLink) {
	t.Helper()
	aID = nodeid.NewNodeId()
	bID = nodeid.NewNodeId()
	linkAtoB = &lossyLink{}
	linkBtoA = &lossyLink{}

	var rA, rB *router.Router
	rA = router.New(aID, nil, func(hop nodeid.NodeId, pkt codec.RouteLayerPacket) error {
		if linkAtoB.shouldDrop(pkt) {
			return nil
		}
		return rB.Forward(pkt)
	}, func(pkt codec.RouteLayerPacket) { a.HandleInbound(pkt) })
	rB = router.New(bID, nil, func(hop nodeid.NodeId, pkt codec.RouteLayerPacket) error {
		if linkBtoA.shouldDrop(pkt) {
			return nil
		}
		return rA.Forward(pkt)
	}, func(pkt codec.RouteLayerPacket) { b.HandleInbound(pkt) })

	tableA := router.NewRoutingTable()
	tableA.SetRoute(bID, bID)
	rA.Table = tableA
	tableB := router.NewRoutingTable()
	tableB.SetRoute(aID, aID)
	rB.Table = tableB

	a = dispatcher.New(rA)
	b = dispatcher.New(rB)
	return aID, bID, a, b, linkAtoB, linkBtoA
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !cond() {
		t.Fatal("condition did not become true before timeout")
	}
}

func TestHandshakeCompletesBothSides(t *testing.T) {
	aID, bID, a, b, _, _ := newPair(t)

	var received [][]byte
	var recvMu sync.Mutex
	mgrB := NewManager(b, func(session nodeid.SessionId, peer nodeid.NodeId, payload []byte) {
		recvMu.Lock()
		defer recvMu.Unlock()
		received = append(received, payload)
	})
	mgrA := NewManager(a, func(nodeid.SessionId, nodeid.NodeId, []byte) {})
	_ = aID

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	connA, err := mgrA.Connect(ctx, bID)
	require.NoError(t, err)
	assert.True(t, connA.IsConnected())

	waitFor(t, time.Second, func() bool {
		_, ok := mgrB.Get(aID)
		return ok
	})
	connB, ok := mgrB.Get(aID)
	require.True(t, ok)
	assert.True(t, connB.IsConnected())
}

func TestHandshakeTimesOutWithNoResponder(t *testing.T) {
	old := handshakeTimeout
	handshakeTimeout = 30 * time.Millisecond
	defer func() { handshakeTimeout = old }()

	_, bID, a, _, _, _ := newPair(t)
	mgrA := NewManager(a, func(nodeid.SessionId, nodeid.NodeId, []byte) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := mgrA.Connect(ctx, bID)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
}

func TestNonBlockingSendReturnsErrWouldBlock(t *testing.T) {
	aID, bID, a, b, _, linkBtoA := newPair(t)
	_ = aID

	NewManager(b, func(nodeid.SessionId, nodeid.NodeId, []byte) {})
	mgrA := NewManager(a, func(nodeid.SessionId, nodeid.NodeId, []byte) {}, WithNonBlockingSend())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	connA, err := mgrA.Connect(ctx, bID)
	require.NoError(t, err)

	// Once the handshake is done, drop everything B sends (its ACKs) so
	// the window never advances, forcing it to fill.
	linkBtoA.mu.Lock()
	linkBtoA.drop = func(pkt codec.RouteLayerPacket) bool { return true }
	linkBtoA.mu.Unlock()

	var lastErr error
	for i := 0; i < int(codec.BufferLength)+2; i++ {
		if err := connA.Send([]byte{byte(i)}); err != nil {
			lastErr = err
			break
		}
	}
	assert.ErrorIs(t, lastErr, ErrWouldBlock)
}

// fakeSender is a bare-bones sender that only records outbound sends;
// it never answers SendAndListenOnce, since the idempotence test below
// only needs Send.
type fakeSender struct {
	mu   sync.Mutex
	sent []codec.PayloadKind
}

func (f *fakeSender) Send(to nodeid.NodeId, kind codec.PayloadKind, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, kind)
}

func (f *fakeSender) SendAndListenOnce(ctx context.Context, to nodeid.NodeId, reqKind codec.PayloadKind, reqBody []byte, respKind codec.PayloadKind, predicate func(codec.RouteLayerPacket) bool, deadline time.Duration) (codec.RouteLayerPacket, error) {
	<-ctx.Done()
	return codec.RouteLayerPacket{}, ctx.Err()
}

func ackPacket(from nodeid.NodeId, slot uint16) codec.RouteLayerPacket {
	body, err := codec.EncodeTransDatagramAsP2PPacket(codec.TransDatagram{Flag: codec.FlagACK, SynOrAck: slot})
	if err != nil {
		panic(err)
	}
	return codec.RouteLayerPacket{From: from, Kind: codec.KindP2PPacket, Body: body}
}

func TestDuplicateAckIsIdempotent(t *testing.T) {
	peer := nodeid.NewNodeId()
	fs := &fakeSender{}
	conn := newConnection(peer, fs, func(nodeid.SessionId, nodeid.NodeId, []byte) {})
	defer conn.Close()

	require.NoError(t, conn.Send([]byte("a")))
	require.NoError(t, conn.Send([]byte("b")))

	pkt := ackPacket(peer, 0)
	conn.deliverInbound(pkt)
	waitFor(t, time.Second, func() bool { return conn.ackPointer == 1 })

	// Replaying the same ACK must not double-advance ackPointer or
	// corrupt sendPointer.
	conn.deliverInbound(pkt)
	conn.deliverInbound(pkt)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, conn.ackPointer)
	assert.EqualValues(t, 2, conn.sendPointer)
}
