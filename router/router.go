package router

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
)

var (
	// ErrNoRoute means the destination has no known next hop. It is
	// never propagated to the sender; it is returned internally only
	// so tests can observe the drop reason.
	ErrNoRoute = errors.New("router: no route to destination")
	// ErrTTLExpired means the frame's TTL reached zero before delivery.
	ErrTTLExpired = errors.New("router: ttl expired")
	// ErrDuplicate means the frame's (from, seq) pair was already seen.
	ErrDuplicate = errors.New("router: duplicate frame")
)

// SendFunc enqueues a RouteLayerPacket on the channel toward nextHop.
// It must not block the caller for long — a non-suspending enqueue.
type SendFunc func(nextHop nodeid.NodeId, pkt codec.RouteLayerPacket) error

// DeliverFunc hands a RouteLayerPacket addressed to the local node up
// to L2.
type DeliverFunc func(pkt codec.RouteLayerPacket)

// Router implements L1 packet forwarding.
type Router struct {
	Self    nodeid.NodeId
	Table   *RoutingTable
	send    SendFunc
	deliver DeliverFunc
	seen    *seenCache

	log *logrus.Entry
}

// New creates a Router for self. send is invoked to hand a frame to a
// neighbor; deliver is invoked when a frame's destination is self.
func New(self nodeid.NodeId, table *RoutingTable, send SendFunc, deliver DeliverFunc) *Router {
	if table == nil {
		table = NewRoutingTable()
	}
	return &Router{
		Self:    self,
		Table:   table,
		send:    send,
		deliver: deliver,
		seen:    newSeenCache(minSeenCacheSize),
		log:     logrus.WithField("component", "router").WithField("self", self.ShortHex()),
	}
}

// Forward applies TTL, dedup, and next-hop rules to an inbound frame.
// The returned error is for observability only (tests, metrics)
// — callers must not surface it to whoever sent the frame.
func (r *Router) Forward(pkt codec.RouteLayerPacket) error {
	if pkt.TTL == 0 {
		r.log.WithFields(logrus.Fields{
			"from": pkt.From.ShortHex(),
			"to":   pkt.To.ShortHex(),
			"seq":  pkt.Seq,
		}).Debug("dropping frame with expired ttl")
		return ErrTTLExpired
	}

	pkt.TTL--

	if r.seen.seenBefore(pkt.From, pkt.Seq) {
		r.log.WithFields(logrus.Fields{
			"from": pkt.From.ShortHex(),
			"seq":  pkt.Seq,
		}).Debug("dropping duplicate frame")
		return ErrDuplicate
	}

	if pkt.To == r.Self {
		r.deliver(pkt)
		return nil
	}

	nextHop, ok := r.Table.NextHop(pkt.To)
	if !ok {
		r.log.WithFields(logrus.Fields{
			"to": pkt.To.ShortHex(),
		}).Debug("dropping frame with no known route")
		return ErrNoRoute
	}

	if err := r.send(nextHop, pkt); err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"to":      pkt.To.ShortHex(),
			"nextHop": nextHop.ShortHex(),
		}).Warn("failed to enqueue forwarded frame")
		return err
	}
	return nil
}

// Originate wraps kind/body/to into a fresh RouteLayerPacket addressed
// from self with DefaultTTL and a monotonic seq, and forwards it (which
// for a directly-reachable peer just means handing it to send).
func (r *Router) Originate(to nodeid.NodeId, kind codec.PayloadKind, body []byte, seq uint32) error {
	pkt := codec.RouteLayerPacket{
		From: r.Self,
		To:   to,
		TTL:  codec.DefaultTTL,
		Seq:  seq,
		Kind: kind,
		Body: body,
	}
	return r.Forward(pkt)
}
