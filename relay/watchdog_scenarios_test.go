package relay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/groupwire/p2pcore/codec"
	"github.com/groupwire/p2pcore/nodeid"
)

func waitForRelay(t *testing.T, timeout time.Duration, cond func() bool) {
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

// Scenario: a client attaches, sends two heartbeats a short interval
// apart, then goes silent. Once silence exceeds the session's
// timeout, the watchdog fires on_session_disconnected, sends a
// ShutdownMessage, closes the session, and removes the entry. A
// subsequent attach with the same id then succeeds.
func TestScenarioRelayTimeoutEviction(t *testing.T) {
	var disconnected []nodeid.SessionId
	var mu sync.Mutex
	mgr := NewSessionManager(func(id nodeid.SessionId) {
		mu.Lock()
		defer mu.Unlock()
		disconnected = append(disconnected, id)
	})
	defer mgr.Shutdown()

	id := nodeid.NewSessionId()
	sess := &fakeSession{}
	require.NoError(t, mgr.AttachWithTimeout(id, sess, 40*time.Millisecond))

	mgr.HandleHeartbeat(id, sess)
	time.Sleep(10 * time.Millisecond)
	mgr.HandleHeartbeat(id, sess)

	waitForRelay(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(disconnected) == 1
	})

	mu.Lock()
	assert.Equal(t, id, disconnected[0])
	mu.Unlock()

	sess.mu.Lock()
	assert.Contains(t, sess.sent, codec.KindShutdown)
	sess.mu.Unlock()
	assert.True(t, sess.isClosed())

	fresh := &fakeSession{}
	assert.NoError(t, mgr.Attach(id, fresh))
}

// Scenario: a session that never attached sends a HeartBeat. The
// relay rejects it outright: ShutdownMessage is sent, the session is
// closed, and no entry is created (so the watchdog never sees it, and
// the id remains available for a real attach).
func TestScenarioUnattachedHeartbeatRejection(t *testing.T) {
	mgr := NewSessionManager(nil)
	defer mgr.Shutdown()

	id := nodeid.NewSessionId()
	sess := &fakeSession{}

	mgr.HandleHeartbeat(id, sess)

	sess.mu.Lock()
	assert.Equal(t, []codec.PayloadKind{codec.KindShutdown}, sess.sent)
	sess.mu.Unlock()
	assert.True(t, sess.isClosed())

	_, attached := mgr.sessions.Load(id)
	assert.False(t, attached)
}
