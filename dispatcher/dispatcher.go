package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
	"github.com/groupwire/p2pcore/router"
)

// ErrTimeout is returned by SendAndListenOnce when the deadline
// elapses before a matching response arrives.
var ErrTimeout = errors.New("dispatcher: timed out waiting for response")

// Context exposes metadata about an inbound packet to handlers,
// including the sender NodeId.
type Context struct {
	Sender nodeid.NodeId
}

// Handler processes a persistently-subscribed packet kind.
type Handler func(pkt codec.RouteLayerPacket, ctx Context)

type waiter struct {
	predicate func(codec.RouteLayerPacket) bool
	ch        chan codec.RouteLayerPacket
}

// Dispatcher implements L2 on top of a *router.Router.
type Dispatcher struct {
	r *router.Router

	seq uint32

	subMu sync.RWMutex
	subs  map[codec.PayloadKind][]Handler

	waitMu  sync.Mutex
	waiters map[codec.PayloadKind][]*waiter

	serialQueues sync.Map // key -> *serialQueue, per (kind, sender)

	log *logrus.Entry
}

type serialKey struct {
	kind   codec.PayloadKind
	sender nodeid.NodeId
}

// serialQueue is a single-worker FIFO of subscription dispatches for
// one (kind, sender) pair, mirroring p2pconn.Connection's mailbox: one
// goroutine drains jobs in arrival order, so handler invocation order
// matches the order frames were handed to HandleInbound rather than
// whatever order goroutines happen to win a shared lock.
type serialQueue struct {
	jobs chan func()
}

func (q *serialQueue) run() {
	for fn := range q.jobs {
		fn()
	}
}

// New wraps r with dispatcher semantics. r's DeliverFunc must be wired
// to call d.HandleInbound.
func New(r *router.Router) *Dispatcher {
	d := &Dispatcher{
		r:       r,
		subs:    make(map[codec.PayloadKind][]Handler),
		waiters: make(map[codec.PayloadKind][]*waiter),
		log:     logrus.WithField("component", "dispatcher"),
	}
	return d
}

// HandleInbound is the router.DeliverFunc entry point: it is called
// whenever a RouteLayerPacket's destination is the local node. A
// packet that resolves a pending SendAndListenOnce waiter is consumed
// by that waiter exclusively and not also fanned out to persistent
// subscribers — request/response correlation takes priority over
// general subscription, keeping the one-shot request/response contract
// exclusive of persistent subscriptions.
func (d *Dispatcher) HandleInbound(pkt codec.RouteLayerPacket) {
	if d.resolveWaiters(pkt) {
		return
	}
	d.runSubscriptions(pkt)
}

func (d *Dispatcher) resolveWaiters(pkt codec.RouteLayerPacket) bool {
	d.waitMu.Lock()
	list := d.waiters[pkt.Kind]
	for i, w := range list {
		if w.predicate(pkt) {
			d.waiters[pkt.Kind] = append(list[:i:i], list[i+1:]...)
			d.waitMu.Unlock()
			w.ch <- pkt
			return true
		}
	}
	d.waitMu.Unlock()
	return false
}

func (d *Dispatcher) runSubscriptions(pkt codec.RouteLayerPacket) {
	d.subMu.RLock()
	handlers := d.subs[pkt.Kind]
	d.subMu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	key := serialKey{kind: pkt.Kind, sender: pkt.From}
	q := d.queueFor(key)
	q.jobs <- func() {
		ctx := Context{Sender: pkt.From}
		for _, h := range handlers {
			h(pkt, ctx)
		}
	}
}

// queueFor returns the serialQueue for key, creating and starting its
// worker on first use. A candidate queue is only started if this call
// actually wins the LoadOrStore race — the loser's queue is discarded
// unstarted, so no orphaned worker goroutine is ever left running.
func (d *Dispatcher) queueFor(key serialKey) *serialQueue {
	candidate := &serialQueue{jobs: make(chan func(), 64)}
	actual, loaded := d.serialQueues.LoadOrStore(key, candidate)
	q := actual.(*serialQueue)
	if !loaded {
		go q.run()
	}
	return q
}

// Send is fire-and-forget: it encodes body as kind, wraps it in a
// RouteLayerPacket with a fresh seq and codec.DefaultTTL, and hands it
// to the router. It never suspends.
func (d *Dispatcher) Send(to nodeid.NodeId, kind codec.PayloadKind, body []byte) {
	seq := atomic.AddUint32(&d.seq, 1)
	if err := d.r.Originate(to, kind, body, seq); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{
			"to":   to.ShortHex(),
			"kind": kind,
		}).Debug("send did not reach the router (best-effort, no caller-visible failure)")
	}
}

// SendAndListenOnce sends req to `to` and waits for the first inbound
// packet of respKind from any peer matching predicate, honoring ctx
// cancellation and an optional deadline. On any terminal outcome the
// waiter is removed — no subscription leak.
func (d *Dispatcher) SendAndListenOnce(
	ctx context.Context,
	to nodeid.NodeId,
	reqKind codec.PayloadKind,
	reqBody []byte,
	respKind codec.PayloadKind,
	predicate func(codec.RouteLayerPacket) bool,
	deadline time.Duration,
) (codec.RouteLayerPacket, error) {
	w := &waiter{predicate: predicate, ch: make(chan codec.RouteLayerPacket, 1)}

	d.waitMu.Lock()
	d.waiters[respKind] = append(d.waiters[respKind], w)
	d.waitMu.Unlock()

	removeWaiter := func() {
		d.waitMu.Lock()
		list := d.waiters[respKind]
		for i, other := range list {
			if other == w {
				d.waiters[respKind] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		d.waitMu.Unlock()
	}

	d.Send(to, reqKind, reqBody)

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if deadline > 0 {
		timer = time.NewTimer(deadline)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-ctx.Done():
		removeWaiter()
		return codec.RouteLayerPacket{}, ctx.Err()
	case <-timeoutCh:
		removeWaiter()
		return codec.RouteLayerPacket{}, ErrTimeout
	}
}

// OnReceive registers a persistent handler for an inbound packet kind.
func (d *Dispatcher) OnReceive(kind codec.PayloadKind, h Handler) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subs[kind] = append(d.subs[kind], h)
}
