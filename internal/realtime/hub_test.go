package realtime

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// newSocketPair dials a throwaway websocket server and returns both ends.
func newSocketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })

	return <-accepted, client
}

func newStalledSession(t *testing.T, hub *Hub, userID string) *session {
	t.Helper()

	conn, _ := newSocketPair(t)
	s := &session{
		hub:     hub,
		socket:  conn,
		userID:  userID,
		streams: map[string]struct{}{StreamNotifications: {}},
		outbox:  make(chan Message, outboxSize),
		done:    make(chan struct{}),
	}
	hub.register(s)

	// Fill the outbox with nothing draining it.
	for i := 0; i < outboxSize; i++ {
		require.True(t, s.offer(Message{Event: "noop"}))
	}
	return s
}

func TestBroadcastDropsStalledSessionWithoutBlocking(t *testing.T) {
	hub := NewHub()
	newStalledSession(t, hub, "u1")

	finished := make(chan struct{})
	go func() {
		hub.BroadcastToUser(StreamNotifications, "u1", Message{Event: "overflow"})
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a stalled session")
	}

	hub.mu.RLock()
	_, registered := hub.sessions["u1"]
	hub.mu.RUnlock()
	require.False(t, registered, "stalled session should be unregistered")
}

func TestBroadcastReachesHealthyPeerAfterStalledSessionDropped(t *testing.T) {
	hub := NewHub()
	newStalledSession(t, hub, "u1")

	healthy, client := newSocketPair(t)
	peer := &session{
		hub:     hub,
		socket:  healthy,
		userID:  "u1",
		streams: map[string]struct{}{StreamNotifications: {}},
		outbox:  make(chan Message, outboxSize),
		done:    make(chan struct{}),
	}
	hub.register(peer)
	go peer.writer()
	defer peer.close()

	hub.BroadcastToUser(StreamNotifications, "u1", Message{Event: "after-drop"})

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Message
	require.NoError(t, client.ReadJSON(&got))
	require.Equal(t, "after-drop", got.Event)
	require.Equal(t, StreamNotifications, got.Stream)
}

func TestOfferAfterCloseDoesNotPanic(t *testing.T) {
	hub := NewHub()
	conn, _ := newSocketPair(t)
	s := &session{
		hub:     hub,
		socket:  conn,
		userID:  "u1",
		streams: map[string]struct{}{StreamNotifications: {}},
		outbox:  make(chan Message, 1),
		done:    make(chan struct{}),
	}
	hub.register(s)
	s.close()
	s.close() // idempotent

	// A frame offered after close is either buffered and never written or
	// refused; either way nothing panics and the user has no sessions left.
	s.offer(Message{Event: "late"})
	hub.BroadcastToUser(StreamNotifications, "u1", Message{Event: "gone"})

	hub.mu.RLock()
	_, registered := hub.sessions["u1"]
	hub.mu.RUnlock()
	require.False(t, registered)
}
