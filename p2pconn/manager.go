package p2pconn

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/dispatcher"
	"github.com/groupwire/p2pcore/nodeid"
)

// Manager owns every Connection for the local node, keyed by peer
// NodeId, and registers the one dispatcher subscription that routes
// inbound KindP2PPacket frames to the right Connection. This is the
// cycle-breaking indirection described in doc.go: Connection never
// holds a reference back into Manager's registry, and the
// subscription closure never captures a particular Connection.
type Manager struct {
	disp        *dispatcher.Dispatcher
	appDispatch AppDispatchFunc
	opts        []Option

	mu    sync.RWMutex
	conns map[nodeid.NodeId]*Connection

	log *logrus.Entry
}

// NewManager wires disp's KindP2PPacket subscription to the manager's
// registry and returns it ready for use. appDispatch receives decoded
// application payloads from every connection the manager creates.
func NewManager(disp *dispatcher.Dispatcher, appDispatch AppDispatchFunc, opts ...Option) *Manager {
	m := &Manager{
		disp:        disp,
		appDispatch: appDispatch,
		opts:        opts,
		conns:       make(map[nodeid.NodeId]*Connection),
		log:         logrus.WithField("component", "p2pconn.manager"),
	}
	disp.OnReceive(codec.KindP2PPacket, m.handleInbound)
	return m
}

// handleInbound is the dispatcher.Handler registered for KindP2PPacket.
// It decodes only far enough to recognize a first handshake frame
// (needed to decide whether to create a connection); the Connection
// itself re-decodes the full TransDatagram.
func (m *Manager) handleInbound(pkt codec.RouteLayerPacket, ctx dispatcher.Context) {
	dg, err := codec.DecodeP2PPacketAsTransDatagram(pkt.Body)
	if err != nil {
		m.log.WithError(err).WithField("from", ctx.Sender.ShortHex()).Warn("dropping malformed inbound p2p packet")
		return
	}

	conn, existed := m.lookupOrCreate(ctx.Sender, dg.Flag == codec.FirstHandShakeFlag)
	if conn == nil {
		m.log.WithField("from", ctx.Sender.ShortHex()).Debug("dropping frame for unknown peer with no open connection")
		return
	}
	if !existed {
		m.log.WithField("peer", ctx.Sender.ShortHex()).Info("accepted inbound connection")
	}
	conn.deliverInbound(pkt)
}

func (m *Manager) lookupOrCreate(peer nodeid.NodeId, createIfMissing bool) (conn *Connection, existed bool) {
	m.mu.RLock()
	conn, existed = m.conns[peer]
	m.mu.RUnlock()
	if existed {
		return conn, true
	}
	if !createIfMissing {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, existed = m.conns[peer]; existed {
		return conn, true
	}
	conn = newConnection(peer, m.disp, m.appDispatch, m.opts...)
	m.conns[peer] = conn
	return conn, false
}

// Connect returns the Connection for peer, creating and handshaking a
// new one if none exists yet. Concurrent calls for the same peer share
// the same Connection. An existing Connection that is already connected
// is returned without a handshake; otherwise every caller runs its own
// handshake on it, including a caller that arrives while another
// handshake for the same peer is still in flight. On handshake failure
// Connect returns a nil Connection and the error; the Connection stays
// in the registry.
func (m *Manager) Connect(ctx context.Context, peer nodeid.NodeId) (*Connection, error) {
	m.mu.Lock()
	conn, existed := m.conns[peer]
	if !existed {
		conn = newConnection(peer, m.disp, m.appDispatch, m.opts...)
		m.conns[peer] = conn
	}
	m.mu.Unlock()

	if existed && conn.IsConnected() {
		return conn, nil
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// Get returns the Connection for peer, if one has been created.
func (m *Manager) Get(peer nodeid.NodeId) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[peer]
	return conn, ok
}

// Close tears down every managed connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, conn := range m.conns {
		conn.Close()
		delete(m.conns, peer)
	}
}
