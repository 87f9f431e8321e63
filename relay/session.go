package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
)

// DefaultTimeout is the liveness timeout applied to a session that has
// no explicit override. It must exceed the client's heartbeat period
// (~2s) by a healthy margin.
const DefaultTimeout = 10 * time.Second

// WatchdogInterval is how often the watchdog loop scans for stale
// sessions.
const WatchdogInterval = 500 * time.Millisecond

// ErrAlreadyAttached is returned by Attach when id is already
// registered; the caller should treat this as "already attached", not
// as a hard failure.
var ErrAlreadyAttached = errors.New("relay: session already attached")

// Session is the minimal transport handle a SessionManager needs: a
// way to push a relay frame to the client and a way to tear the
// channel down. It is implemented by *quicSession in this package, and
// kept as an interface so the watchdog and heartbeat logic below are
// testable without a real QUIC listener.
type Session interface {
	SendFrame(kind codec.PayloadKind, body []byte) error
	Close() error
}

type watchEntry struct {
	session         Session
	lastHeartbeatAt time.Time
	timeout         time.Duration
	evicted         atomic.Bool
}

// DisconnectFunc is invoked exactly once per session, when the
// watchdog evicts it or a shutdown message / explicit removal closes
// it.
type DisconnectFunc func(id nodeid.SessionId)

// SessionManager implements RelaySessionManager: attach/heartbeat
// bookkeeping plus a watchdog that evicts silent sessions.
type SessionManager struct {
	sessions sync.Map // nodeid.SessionId -> *watchEntry

	onDisconnected DisconnectFunc

	controlMu  sync.RWMutex
	control    nodeid.SessionId
	hasControl bool

	closeCh chan struct{}
	wg      sync.WaitGroup

	log *logrus.Entry
}

// NewSessionManager constructs a SessionManager and starts its
// watchdog goroutine. onDisconnected may be nil.
func NewSessionManager(onDisconnected DisconnectFunc) *SessionManager {
	if onDisconnected == nil {
		onDisconnected = func(nodeid.SessionId) {}
	}
	m := &SessionManager{
		onDisconnected: onDisconnected,
		closeCh:        make(chan struct{}),
		log:            logrus.WithField("component", "relay.session"),
	}
	m.wg.Add(1)
	go m.watchdog()
	return m
}

// Shutdown stops the watchdog goroutine. It does not touch attached
// sessions.
func (m *SessionManager) Shutdown() {
	close(m.closeCh)
	m.wg.Wait()
}

// MarkControlSession designates id as the coordinator link: its
// heartbeats are observed but never used to update last_heartbeat_at,
// so the watchdog never evicts it on the client heartbeat cadence.
func (m *SessionManager) MarkControlSession(id nodeid.SessionId) {
	m.controlMu.Lock()
	defer m.controlMu.Unlock()
	m.control = id
	m.hasControl = true
}

func (m *SessionManager) isControlSession(id nodeid.SessionId) bool {
	m.controlMu.RLock()
	defer m.controlMu.RUnlock()
	return m.hasControl && m.control == id
}

// Attach registers session under id with the default timeout. If id is
// already attached, it is idempotent: the existing entry is left
// untouched and ErrAlreadyAttached is returned so callers can
// distinguish "freshly attached" from "already there".
func (m *SessionManager) Attach(id nodeid.SessionId, session Session) error {
	return m.AttachWithTimeout(id, session, DefaultTimeout)
}

// AttachWithTimeout is Attach with an explicit per-session timeout.
func (m *SessionManager) AttachWithTimeout(id nodeid.SessionId, session Session, timeout time.Duration) error {
	entry := &watchEntry{session: session, lastHeartbeatAt: time.Now(), timeout: timeout}
	if _, loaded := m.sessions.LoadOrStore(id, entry); loaded {
		return ErrAlreadyAttached
	}
	m.log.WithField("session", id.String()).Debug("session attached")
	return nil
}

// HandleHeartbeat processes an inbound HeartBeat from id. Attached
// sessions (other than the control session) have their
// last_heartbeat_at refreshed and get a HeartBeat echoed back.
// Unattached sessions are rejected: the relay sends ShutdownMessage,
// closes the session, and never attaches it.
func (m *SessionManager) HandleHeartbeat(id nodeid.SessionId, session Session) {
	if m.isControlSession(id) {
		return
	}

	val, ok := m.sessions.Load(id)
	if !ok {
		m.log.WithField("session", id.String()).Warn("heartbeat from unattached session, rejecting")
		_ = session.SendFrame(codec.KindShutdown, codec.EncodeShutdownMessage())
		_ = session.Close()
		return
	}

	entry := val.(*watchEntry)
	entry.lastHeartbeatAt = time.Now()
	_ = session.SendFrame(codec.KindHeartBeat, codec.EncodeHeartBeat())
}

// HandleShutdown processes an inbound ShutdownMessage from id: the
// session is removed and on_session_disconnected fires.
func (m *SessionManager) HandleShutdown(id nodeid.SessionId) {
	m.evict(id, false)
}

// Remove explicitly detaches id, e.g. on local connection-close
// detection, firing on_session_disconnected but skipping the
// best-effort ShutdownMessage send (the peer already knows).
func (m *SessionManager) Remove(id nodeid.SessionId) {
	m.evict(id, false)
}

// evict runs the watchdog's eviction sequence in order: fire
// on_session_disconnected first, then best-effort shutdown-send, then
// close, then remove the entry last. The entry's evicted flag, not a
// map LoadAndDelete, is the atomic claim that guarantees exactly one
// caller (a racing watchdog sweep against an inbound HandleShutdown,
// say) runs this sequence for a given id.
func (m *SessionManager) evict(id nodeid.SessionId, sendShutdown bool) {
	val, ok := m.sessions.Load(id)
	if !ok {
		return
	}
	entry := val.(*watchEntry)
	if !entry.evicted.CompareAndSwap(false, true) {
		return
	}
	m.onDisconnected(id)
	if sendShutdown {
		_ = entry.session.SendFrame(codec.KindShutdown, codec.EncodeShutdownMessage())
	}
	_ = entry.session.Close()
	m.sessions.Delete(id)
}

func (m *SessionManager) watchdog() {
	defer m.wg.Done()
	ticker := time.NewTicker(WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.closeCh:
			return
		}
	}
}

func (m *SessionManager) sweep() {
	now := time.Now()
	var stale []nodeid.SessionId
	m.sessions.Range(func(key, value any) bool {
		id := key.(nodeid.SessionId)
		if m.isControlSession(id) {
			return true
		}
		entry := value.(*watchEntry)
		if now.Sub(entry.lastHeartbeatAt) > entry.timeout {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		m.log.WithField("session", id.String()).Info("evicting session after heartbeat timeout")
		m.evict(id, true)
	}
}
