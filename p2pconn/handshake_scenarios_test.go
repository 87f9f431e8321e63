package p2pconn

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
)

// Scenario: peer A connects to peer B over a perfect link. Both sides
// observe is_connected=true within a short window.
func TestScenarioHappyPathHandshake(t *testing.T) {
	aID, bID, a, b, _, _ := newPair(t)
	_ = aID

	mgrB := NewManager(b, func(nodeid.SessionId, nodeid.NodeId, []byte) {})
	mgrA := NewManager(a, func(nodeid.SessionId, nodeid.NodeId, []byte) {})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	connA, err := mgrA.Connect(ctx, bID)
	require.NoError(t, err)
	assert.True(t, connA.IsConnected())

	waitFor(t, 100*time.Millisecond, func() bool {
		connB, ok := mgrB.Get(aID)
		return ok && connB.IsConnected()
	})
}

// Scenario: peer A connects to a peer whose route is black-holed.
// connect() fails after the handshake deadline and is_connected stays
// false. No retransmission work should be left running against a slot
// that never existed.
func TestScenarioHandshakeTimeoutNoRoute(t *testing.T) {
	old := handshakeTimeout
	handshakeTimeout = 30 * time.Millisecond
	defer func() { handshakeTimeout = old }()

	aID, _, a, _, _, _ := newPair(t)
	_ = aID
	mgrA := NewManager(a, func(nodeid.SessionId, nodeid.NodeId, []byte) {})

	unreachable := nodeid.NewNodeId()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := mgrA.Connect(ctx, unreachable)
	assert.ErrorIs(t, err, ErrHandshakeTimeout)
	conn, _ := mgrA.Get(unreachable)
	require.NotNil(t, conn) // the registry keeps the half-open Connection

	time.Sleep(50 * time.Millisecond)
	assert.False(t, conn.IsConnected())
}

// Scenario: A sends ten payloads to B while the link drops
// even-indexed frames on their first attempt. After retransmission, B
// observes exactly the multiset {P1..P10}, and A's ack_pointer
// eventually catches up to its send_pointer.
func TestScenarioReliableDeliveryUnderLoss(t *testing.T) {
	oldRT := retransmitTimeout
	oldPoll := retransmitPollPeriod
	retransmitTimeout = 30 * time.Millisecond
	retransmitPollPeriod = 5 * time.Millisecond
	defer func() {
		retransmitTimeout = oldRT
		retransmitPollPeriod = oldPoll
	}()

	aID, bID, a, b, linkAtoB, _ := newPair(t)
	_ = aID

	var received [][]byte
	var recvMu sync.Mutex
	mgrB := NewManager(b, func(session nodeid.SessionId, peer nodeid.NodeId, payload []byte) {
		recvMu.Lock()
		defer recvMu.Unlock()
		received = append(received, append([]byte{}, payload...))
	})
	_ = mgrB
	mgrA := NewManager(a, func(nodeid.SessionId, nodeid.NodeId, []byte) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	connA, err := mgrA.Connect(ctx, bID)
	require.NoError(t, err)

	// Frames are indexed by their window slot, so a retransmission of a
	// slot counts as a later attempt and is let through.
	sent := make(map[uint16]bool)
	var sentMu sync.Mutex
	linkAtoB.mu.Lock()
	linkAtoB.drop = func(pkt codec.RouteLayerPacket) bool {
		dg, err := codec.DecodeP2PPacketAsTransDatagram(pkt.Body)
		if err != nil || !dg.HasPayload {
			return false
		}
		sentMu.Lock()
		defer sentMu.Unlock()
		idx := dg.SynOrAck
		drop := idx%2 == 0 && !sent[idx]
		sent[idx] = true
		return drop
	}
	linkAtoB.mu.Unlock()

	payloads := make([][]byte, 10)
	for i := 0; i < 10; i++ {
		payloads[i] = []byte(fmt.Sprintf("P%d", i+1))
		require.NoError(t, connA.Send(payloads[i]))
	}

	waitFor(t, time.Second, func() bool {
		recvMu.Lock()
		defer recvMu.Unlock()
		return len(received) == 10
	})
	waitFor(t, time.Second, func() bool {
		return connA.ackPointer == connA.sendPointer
	})

	recvMu.Lock()
	got := make([]string, len(received))
	for i, p := range received {
		got[i] = string(p)
	}
	recvMu.Unlock()
	sort.Strings(got)
	want := make([]string, 10)
	for i := range want {
		want[i] = fmt.Sprintf("P%d", i+1)
	}
	sort.Strings(want)
	assert.Equal(t, want, got)
}

// Scenario: A sends BufferLength+50 = 306 payloads with every ACK
// delivered promptly. B receives all 306; A's send_pointer and
// ack_pointer both wrap around the 256-slot buffer and end up equal,
// and no slot index observed along the way escapes [0, 256).
func TestScenarioWindowWrap(t *testing.T) {
	aID, bID, a, b, _, _ := newPair(t)
	_ = aID

	const total = int(codec.BufferLength) + 50

	var count int
	var mu sync.Mutex
	var sawOutOfRange bool
	mgrB := NewManager(b, func(_ nodeid.SessionId, _ nodeid.NodeId, payload []byte) {
		mu.Lock()
		count++
		if len(payload) != 1 {
			sawOutOfRange = true
		}
		mu.Unlock()
	})
	mgrA := NewManager(a, func(nodeid.SessionId, nodeid.NodeId, []byte) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	connA, err := mgrA.Connect(ctx, bID)
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		require.NoError(t, connA.Send([]byte{byte(i)}))
		if connA.sendPointer >= codec.BufferLength || connA.ackPointer >= codec.BufferLength {
			t.Fatalf("slot index escaped [0, %d) at iteration %d", codec.BufferLength, i)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == total
	})
	waitFor(t, 2*time.Second, func() bool {
		return connA.ackPointer == connA.sendPointer
	})

	mu.Lock()
	assert.False(t, sawOutOfRange)
	mu.Unlock()
	assert.Equal(t, connA.ackPointer, connA.sendPointer)

	_, ok := mgrB.Get(aID)
	assert.True(t, ok)
}
