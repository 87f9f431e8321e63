package p2pconn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
)

var (
	// ErrHandshakeTimeout is returned by Connect when no SecondHandShake
	// arrives within the handshake deadline.
	ErrHandshakeTimeout = errors.New("p2pconn: handshake timed out")
	// ErrWouldBlock is returned by Send when the window is full and the
	// connection was constructed with WithNonBlockingSend.
	ErrWouldBlock = errors.New("p2pconn: send window full")
	// ErrClosed is returned by Send/Connect on a connection that has
	// been torn down.
	ErrClosed = errors.New("p2pconn: connection closed")
)

// These are vars, not consts, so tests can shrink them instead of
// waiting out real handshake/retransmission timers.
var (
	handshakeTimeout     = 5 * time.Second
	retransmitTimeout    = 5 * time.Second
	retransmitPollPeriod = 100 * time.Millisecond
)

// AppDispatchFunc delivers a decoded inbound payload to the
// application-level dispatcher. Direct P2P deliveries are tagged with
// a sentinel session handle (DirectSession) since, unlike the relay's
// attached sessions, a P2PConnection has no SessionId of its own.
type AppDispatchFunc func(session nodeid.SessionId, peer nodeid.NodeId, payload []byte)

// DirectSession is the sentinel SessionId used for payloads delivered
// over a direct P2PConnection rather than an attached relay session.
var DirectSession = nodeid.SessionId{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// sender is the minimal dispatcher surface a Connection needs. It is
// satisfied by *dispatcher.Dispatcher; kept as an interface here so
// Connection itself does not depend on dispatcher's concrete type,
// keeping the back-reference from connection to dispatcher weak.
type sender interface {
	Send(to nodeid.NodeId, kind codec.PayloadKind, body []byte)
	SendAndListenOnce(ctx context.Context, to nodeid.NodeId, reqKind codec.PayloadKind, reqBody []byte, respKind codec.PayloadKind, predicate func(codec.RouteLayerPacket) bool, deadline time.Duration) (codec.RouteLayerPacket, error)
}

// Connection implements P2PConnection.
type Connection struct {
	Peer nodeid.NodeId

	disp        sender
	appDispatch AppDispatchFunc
	nonBlocking bool

	isConnected bool

	sendBufferAck [codec.BufferLength]bool
	sendGen       [codec.BufferLength]bool
	recvSeen      [codec.BufferLength]bool
	recvGen       [codec.BufferLength]bool
	sendPointer   uint16
	ackPointer    uint16
	lastAckTime   time.Time
	pending       map[uint16][]byte

	mailbox chan func()
	closeCh chan struct{}

	log *logrus.Entry
}

// Option configures a Connection at construction time.
type Option func(*Connection)

// WithNonBlockingSend makes Send return ErrWouldBlock instead of
// blocking when the window is full.
func WithNonBlockingSend() Option {
	return func(c *Connection) { c.nonBlocking = true }
}

// newConnection constructs a Connection and starts its actor and
// retransmission goroutines. Callers outside this package should go
// through Manager instead of calling this directly, so the
// cycle-breaking registry lookup in Manager stays the only path to a
// live Connection.
func newConnection(peer nodeid.NodeId, disp sender, appDispatch AppDispatchFunc, opts ...Option) *Connection {
	c := &Connection{
		Peer:        peer,
		disp:        disp,
		appDispatch: appDispatch,
		pending:     make(map[uint16][]byte),
		lastAckTime: time.Now(),
		mailbox:     make(chan func(), 64),
		closeCh:     make(chan struct{}),
		log:         logrus.WithField("component", "p2pconn").WithField("peer", peer.ShortHex()),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.runActor()
	go c.runRetransmitter()
	return c
}

func (c *Connection) runActor() {
	for {
		select {
		case fn := <-c.mailbox:
			fn()
		case <-c.closeCh:
			return
		}
	}
}

func (c *Connection) runRetransmitter() {
	ticker := time.NewTicker(retransmitPollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case c.mailbox <- c.tick:
			case <-c.closeCh:
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// Close tears down the connection's goroutines. Outstanding retained
// payloads are dropped; undelivered payloads do not survive a Close.
func (c *Connection) Close() {
	close(c.closeCh)
}

// IsConnected reports whether the handshake has completed. The read is
// posted through the actor mailbox since isConnected is only ever
// mutated from within actor closures.
func (c *Connection) IsConnected() bool {
	result := make(chan bool, 1)
	select {
	case c.mailbox <- func() { result <- c.isConnected }:
		return <-result
	case <-c.closeCh:
		return false
	}
}

// Connect performs the initiator side of the three-way handshake. It
// does not suspend inside the actor — the handshake exchange
// happens on the dispatcher's own waiter, and only the final state
// mutation (isConnected = true) is posted to the actor mailbox.
func (c *Connection) Connect(ctx context.Context) error {
	firstBody, err := codec.EncodeTransDatagramAsP2PPacket(codec.TransDatagram{Flag: codec.FirstHandShakeFlag, SynOrAck: 0})
	if err != nil {
		return fmt.Errorf("p2pconn: encode first handshake: %w", err)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	peer := c.Peer
	_, err = c.disp.SendAndListenOnce(hctx, peer, codec.KindP2PPacket, firstBody, codec.KindP2PPacket,
		func(pkt codec.RouteLayerPacket) bool {
			if pkt.From != peer {
				return false
			}
			dg, err := codec.DecodeP2PPacketAsTransDatagram(pkt.Body)
			if err != nil {
				return false
			}
			return dg.Flag == codec.SecondHandShakeFlag && dg.SynOrAck == 1
		},
		// No separate dispatcher deadline: hctx already carries the
		// handshake deadline, so expiry surfaces as DeadlineExceeded.
		0,
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrHandshakeTimeout
		}
		return err
	}

	thirdBody, err := codec.EncodeTransDatagramAsP2PPacket(codec.TransDatagram{Flag: codec.ThirdHandShakeFlag, SynOrAck: 2})
	if err != nil {
		return fmt.Errorf("p2pconn: encode third handshake: %w", err)
	}
	c.disp.Send(peer, codec.KindP2PPacket, thirdBody)

	done := make(chan struct{})
	select {
	case c.mailbox <- func() {
		c.isConnected = true
		close(done)
	}:
		<-done
	case <-c.closeCh:
		return ErrClosed
	}
	return nil
}

// Send allocates the current send slot for payload, emits a SYN
// TransDatagram via the dispatcher, and retains payload for eventual
// retransmission. Window-full behavior depends on WithNonBlockingSend.
func (c *Connection) Send(payload []byte) error {
	for {
		result := make(chan error, 1)
		posted := false
		select {
		case c.mailbox <- func() {
			if c.windowFull() {
				result <- ErrWouldBlock
				return
			}
			result <- c.sendLocked(payload)
		}:
			posted = true
		case <-c.closeCh:
			return ErrClosed
		}
		if !posted {
			continue
		}
		err := <-result
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrWouldBlock) || c.nonBlocking {
			return err
		}
		// Blocking policy: wait for the window to move before retrying.
		select {
		case <-time.After(retransmitPollPeriod):
		case <-c.closeCh:
			return ErrClosed
		}
	}
}

func (c *Connection) windowFull() bool {
	return nextSlot(c.sendPointer) == c.ackPointer
}

func (c *Connection) sendLocked(payload []byte) error {
	slot := c.sendPointer
	c.sendBufferAck[slot] = false
	c.sendGen[slot] = !c.sendGen[slot]
	c.pending[slot] = payload
	c.sendPointer = nextSlot(c.sendPointer)

	body, err := codec.EncodeTransDatagramAsP2PPacket(codec.TransDatagram{
		Flag:       c.synFlag(slot),
		SynOrAck:   slot,
		HasPayload: true,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("p2pconn: encode data syn: %w", err)
	}
	c.disp.Send(c.Peer, codec.KindP2PPacket, body)
	return nil
}

// synFlag returns the data-SYN flag for slot's current occupant,
// including its generation parity bit. The bit flips each time the
// slot is reallocated (sendLocked) and stays fixed across any
// retransmissions of that same occupant (tick), so the receiver can
// tell "still the same in-flight payload" apart from "the window
// wrapped and this slot holds a brand new payload".
func (c *Connection) synFlag(slot uint16) codec.Flag {
	flag := codec.FlagSYN
	if c.sendGen[slot] {
		flag |= codec.FlagGen
	}
	return flag
}

// deliverInbound is called by Manager with a decoded RouteLayerPacket
// addressed to this connection's local node from this connection's
// peer. It posts the decode-and-process step to the actor mailbox.
func (c *Connection) deliverInbound(pkt codec.RouteLayerPacket) {
	dg, err := codec.DecodeP2PPacketAsTransDatagram(pkt.Body)
	if err != nil {
		c.log.WithError(err).Warn("dropping malformed inbound transdatagram")
		return
	}
	select {
	case c.mailbox <- func() { c.processInbound(dg) }:
	case <-c.closeCh:
	}
}

func (c *Connection) processInbound(dg codec.TransDatagram) {
	switch {
	case dg.Flag == codec.FirstHandShakeFlag:
		c.handleFirstHandshake()
	case dg.Flag.Has(codec.FlagSYN):
		c.handleSyn(dg)
	case dg.Flag.Has(codec.FlagACK):
		c.handleAck(dg)
	}
}

// handleFirstHandshake implements the responder side of the handshake.
// isConnected is set optimistically on the first SYN — the third
// handshake ACK is informational only and does not gate it.
func (c *Connection) handleFirstHandshake() {
	body, err := codec.EncodeTransDatagramAsP2PPacket(codec.TransDatagram{Flag: codec.SecondHandShakeFlag, SynOrAck: 1})
	if err != nil {
		c.log.WithError(err).Error("failed to encode second handshake")
		return
	}
	c.disp.Send(c.Peer, codec.KindP2PPacket, body)
	c.isConnected = true
}

// handleSyn processes an inbound data SYN: dispatch the payload, then
// unconditionally ACK — the ACK acknowledges receipt of the bytes, not
// the success of decoding or dispatch.
//
// Deduplication is scoped to "the slot's current occupant", not "this
// slot index, ever": recvSeen/recvGen together record the generation
// parity of the last payload dispatched for slot. A retransmission of
// that same occupant arrives with the same parity bit and is dropped;
// once the window wraps and the slot is reallocated to a brand new
// payload, the sender's parity bit flips and the new payload is
// dispatched even though the slot index repeats.
func (c *Connection) handleSyn(dg codec.TransDatagram) {
	slot := dg.SynOrAck
	if dg.HasPayload {
		gen := dg.Flag.Has(codec.FlagGen)
		if !c.recvSeen[slot] || c.recvGen[slot] != gen {
			c.recvSeen[slot] = true
			c.recvGen[slot] = gen
			if c.appDispatch != nil {
				c.appDispatch(DirectSession, c.Peer, dg.Payload)
			}
		}
	}

	ackBody, err := codec.EncodeTransDatagramAsP2PPacket(codec.TransDatagram{Flag: codec.FlagACK, SynOrAck: slot})
	if err != nil {
		c.log.WithError(err).Error("failed to encode ack")
		return
	}
	c.disp.Send(c.Peer, codec.KindP2PPacket, ackBody)
}

// handleAck marks slot acked and, if it is the oldest pending slot,
// advances ackPointer past every already-acked slot in order. Acks
// outside the pending window, or repeats of an already-advanced slot,
// are no-ops.
func (c *Connection) handleAck(dg codec.TransDatagram) {
	slot := dg.SynOrAck
	if slot >= codec.BufferLength {
		return
	}
	if !c.inPendingWindow(slot) {
		return
	}

	c.sendBufferAck[slot] = true
	delete(c.pending, slot)

	if slot == c.ackPointer {
		c.lastAckTime = time.Now()
		for c.ackPointer != c.sendPointer && c.sendBufferAck[c.ackPointer] {
			c.sendBufferAck[c.ackPointer] = false
			c.ackPointer = nextSlot(c.ackPointer)
		}
	}
}

// inPendingWindow reports whether slot lies in [ackPointer, sendPointer).
func (c *Connection) inPendingWindow(slot uint16) bool {
	if c.ackPointer == c.sendPointer {
		return false
	}
	if c.ackPointer < c.sendPointer {
		return slot >= c.ackPointer && slot < c.sendPointer
	}
	return slot >= c.ackPointer || slot < c.sendPointer
}

// tick implements the retransmission predicate and resend loop: if the
// window has pending slots and none have been acked within
// retransmitTimeout, resend every still-pending slot's retained
// payload and reset lastAckTime.
func (c *Connection) tick() {
	if c.ackPointer == c.sendPointer {
		return
	}
	if time.Since(c.lastAckTime) <= retransmitTimeout {
		return
	}

	for slot := c.ackPointer; slot != c.sendPointer; slot = nextSlot(slot) {
		if c.sendBufferAck[slot] {
			continue
		}
		payload, ok := c.pending[slot]
		if !ok {
			continue
		}
		body, err := codec.EncodeTransDatagramAsP2PPacket(codec.TransDatagram{
			Flag:       c.synFlag(slot),
			SynOrAck:   slot,
			HasPayload: true,
			Payload:    payload,
		})
		if err != nil {
			c.log.WithError(err).Error("failed to encode retransmission")
			continue
		}
		c.disp.Send(c.Peer, codec.KindP2PPacket, body)
	}
	c.lastAckTime = time.Now()
}

func nextSlot(s uint16) uint16 {
	return (s + 1) % codec.BufferLength
}
