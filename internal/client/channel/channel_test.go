package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/healthlink/pulse/internal/realtime"
	apperrors "github.com/healthlink/pulse/pkg/errors"
)

type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	upgrades int32
	tokens   []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&ts.upgrades, 1)
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.tokens = append(ts.tokens, r.URL.Query().Get("token"))
		ts.mu.Unlock()

		// Drain client frames until the connection dies.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) send(t *testing.T, idx int, event string, data any) {
	t.Helper()

	ts.mu.Lock()
	conn := ts.conns[idx]
	ts.mu.Unlock()

	payload, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(Event{Stream: "notifications", Event: event, Data: payload}))
}

func (ts *testServer) closeConn(idx int) {
	ts.mu.Lock()
	conn := ts.conns[idx]
	ts.mu.Unlock()
	_ = conn.Close()
}

func (ts *testServer) waitConns(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.conns) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func newChannel(ts *testServer, opts Options) *EventChannel {
	opts.URL = ts.wsURL()
	if opts.ReconnectMin == 0 {
		opts.ReconnectMin = 10 * time.Millisecond
		opts.ReconnectMax = 50 * time.Millisecond
	}
	return New(opts)
}

func TestConnectAndDispatchInOrder(t *testing.T) {
	ts := newTestServer(t)
	ch := newChannel(ts, Options{})
	defer ch.Disconnect()

	var mu sync.Mutex
	var got []string
	ch.Subscribe("notification.created", func(e Event) {
		var data map[string]string
		require.NoError(t, json.Unmarshal(e.Data, &data))
		mu.Lock()
		got = append(got, data["id"])
		mu.Unlock()
	})

	require.NoError(t, ch.Connect(context.Background(), "tok-1"))
	ts.waitConns(t, 1)

	for _, id := range []string{"a", "b", "c"} {
		ts.send(t, 0, "notification.created", map[string]string{"id": id})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Equal(t, []string{"a", "b", "c"}, got)
	mu.Unlock()
}

func TestConnectIdempotentPerToken(t *testing.T) {
	ts := newTestServer(t)
	ch := newChannel(ts, Options{})
	defer ch.Disconnect()

	require.NoError(t, ch.Connect(context.Background(), "tok-1"))
	require.NoError(t, ch.Connect(context.Background(), "tok-1"))
	require.EqualValues(t, 1, atomic.LoadInt32(&ts.upgrades))

	// A different token requires an explicit Disconnect first, and the
	// refusal says so.
	err := ch.Connect(context.Background(), "tok-2")
	require.Error(t, err)
	appErr := apperrors.FromError(err)
	require.Equal(t, apperrors.ErrTransport.Code, appErr.Code)
	require.Contains(t, appErr.Message, "disconnect first")
}

func TestHandlersSurviveReconnect(t *testing.T) {
	ts := newTestServer(t)

	var reconnects int32
	ch := newChannel(ts, Options{
		OnDisconnect: func(error) { atomic.AddInt32(&reconnects, 1) },
	})
	defer ch.Disconnect()

	received := make(chan string, 4)
	ch.Subscribe("notification.created", func(e Event) {
		var data map[string]string
		_ = json.Unmarshal(e.Data, &data)
		received <- data["id"]
	})

	require.NoError(t, ch.Connect(context.Background(), "tok-1"))
	ts.waitConns(t, 1)
	ts.send(t, 0, "notification.created", map[string]string{"id": "before"})
	require.Equal(t, "before", <-received)

	// Drop the socket; the channel must redial and keep the registry.
	ts.closeConn(0)
	ts.waitConns(t, 2)
	ts.send(t, 1, "notification.created", map[string]string{"id": "after"})
	require.Equal(t, "after", <-received)
	require.GreaterOrEqual(t, atomic.LoadInt32(&reconnects), int32(1))
}

func TestDisconnectClearsRegistryAndIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	ch := newChannel(ts, Options{})

	received := make(chan string, 1)
	ch.Subscribe("notification.created", func(e Event) { received <- string(e.Data) })

	require.NoError(t, ch.Connect(context.Background(), "tok-1"))
	ts.waitConns(t, 1)

	ch.Disconnect()
	ch.Disconnect() // safe with no live connection

	// A fresh session must not fire handlers registered before Disconnect.
	require.NoError(t, ch.Connect(context.Background(), "tok-2"))
	ts.waitConns(t, 2)
	ts.send(t, 1, "notification.created", map[string]string{"id": "x"})

	select {
	case got := <-received:
		t.Fatalf("stale handler fired with %q", got)
	case <-time.After(100 * time.Millisecond):
	}
	ch.Disconnect()
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	ts := newTestServer(t)
	ch := newChannel(ts, Options{})
	defer ch.Disconnect()

	var calls int32
	unsubscribe := ch.Subscribe("payment.updated", func(Event) { atomic.AddInt32(&calls, 1) })

	require.NoError(t, ch.Connect(context.Background(), "tok-1"))
	ts.waitConns(t, 1)

	ts.send(t, 0, "payment.updated", map[string]string{"n": "1"})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	unsubscribe()
	ts.send(t, 0, "payment.updated", map[string]string{"n": "2"})
	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestHandlerPanicDoesNotKillChannel(t *testing.T) {
	ts := newTestServer(t)

	var errs int32
	ch := newChannel(ts, Options{OnError: func(error) { atomic.AddInt32(&errs, 1) }})
	defer ch.Disconnect()

	received := make(chan struct{}, 2)
	ch.Subscribe("boom", func(Event) { panic("handler bug") })
	ch.Subscribe("ok", func(Event) { received <- struct{}{} })

	require.NoError(t, ch.Connect(context.Background(), "tok-1"))
	ts.waitConns(t, 1)

	ts.send(t, 0, "boom", nil)
	ts.send(t, 0, "ok", nil)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("channel stopped dispatching after handler panic")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&errs), int32(1))
}

func TestAgainstRealtimeHub(t *testing.T) {
	hub := realtime.NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.Serve("u1", []string{realtime.StreamNotifications}, nil, w, r)
	}))
	defer srv.Close()

	ch := New(Options{
		URL:          "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	})
	defer ch.Disconnect()

	received := make(chan Event, 1)
	ch.Subscribe("notification.created", func(e Event) { received <- e })

	require.NoError(t, ch.Connect(context.Background(), "tok-1"))

	require.Eventually(t, func() bool {
		hub.BroadcastToUser(realtime.StreamNotifications, "u1", realtime.Message{
			Event: "notification.created",
			Data:  map[string]any{"id": "n1"},
		})
		select {
		case e := <-received:
			require.Equal(t, realtime.StreamNotifications, e.Stream)
			return true
		default:
			return false
		}
	}, 2*time.Second, 20*time.Millisecond)
}
