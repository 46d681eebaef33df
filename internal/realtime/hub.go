package realtime

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/healthlink/pulse/pkg/logger"
	"github.com/healthlink/pulse/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB

	outboxSize = 64
)

// Message is one JSON frame on the push channel.
type Message struct {
	Stream string `json:"stream"`
	Event  string `json:"event"`
	Data   any    `json:"data,omitempty"`
}

type controlFrame struct {
	Action  string   `json:"action"`
	Streams []string `json:"streams"`
}

// Hub fans push events out to the sessions of each user. Frames for one
// session are written in emission order; nothing is promised across a
// reconnect, so consumers must be idempotent by id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]struct{} // userID -> live sessions
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[*session]struct{}),
		log:      logger.WithModule("realtime"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOriginOrLoopback,
		},
	}
}

// Serve upgrades the request and pumps frames until either side closes.
// The allowed set restricts which streams the session may join; nil means
// any stream.
func (h *Hub) Serve(userID string, streams []string, allowed map[string]struct{}, w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		hub:     h,
		socket:  conn,
		userID:  userID,
		streams: make(map[string]struct{}),
		outbox:  make(chan Message, outboxSize),
		done:    make(chan struct{}),
		allowed: allowed,
	}
	h.register(s)
	s.join(streams)
	metrics.RealtimeClients.Inc()

	go s.writer()
	s.reader()
}

// BroadcastToUser queues a message on every session of the user that joined
// the stream.
func (h *Hub) BroadcastToUser(stream, userID string, message Message) {
	stream = normalizeStream(stream)
	if stream == "" || userID == "" {
		return
	}
	message.Stream = stream

	h.mu.RLock()
	var stalled []*session
	for s := range h.sessions[userID] {
		if s.joined(stream) && !s.offer(message) {
			stalled = append(stalled, s)
		}
	}
	h.mu.RUnlock()
	h.drop(stalled)
}

// BroadcastToUsers delivers a message to each of the given users on a stream.
func (h *Hub) BroadcastToUsers(stream string, userIDs []string, message Message) {
	for _, userID := range userIDs {
		h.BroadcastToUser(stream, userID, message)
	}
}

// BroadcastStream queues a message on every session joined to the stream,
// regardless of user.
func (h *Hub) BroadcastStream(stream string, message Message) {
	stream = normalizeStream(stream)
	if stream == "" {
		return
	}
	message.Stream = stream

	h.mu.RLock()
	var stalled []*session
	for _, sessions := range h.sessions {
		for s := range sessions {
			if s.joined(stream) && !s.offer(message) {
				stalled = append(stalled, s)
			}
		}
	}
	h.mu.RUnlock()
	h.drop(stalled)
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[s.userID] == nil {
		h.sessions[s.userID] = make(map[*session]struct{})
	}
	h.sessions[s.userID][s] = struct{}{}
}

func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	peers := h.sessions[s.userID]
	delete(peers, s)
	if len(peers) == 0 {
		delete(h.sessions, s.userID)
	}
}

// drop closes sessions that could not keep up. It must run with the hub
// lock released: close unregisters the session, which takes the write lock,
// so closing inline from a broadcast would deadlock the hub.
func (h *Hub) drop(stalled []*session) {
	for _, s := range stalled {
		h.log.Warn("dropping backpressure session", zap.String("user_id", s.userID))
		s.close()
	}
}

type session struct {
	hub    *Hub
	socket *websocket.Conn
	userID string

	mu      sync.Mutex
	streams map[string]struct{}

	outbox  chan Message
	done    chan struct{}
	once    sync.Once
	allowed map[string]struct{}
}

func (s *session) join(streams []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stream := range streams {
		stream = normalizeStream(stream)
		if stream == "" {
			continue
		}
		if len(s.allowed) > 0 {
			if _, ok := s.allowed[stream]; !ok {
				s.hub.log.Warn("ignoring unauthorized stream",
					zap.String("stream", stream), zap.String("user_id", s.userID))
				continue
			}
		}
		s.streams[stream] = struct{}{}
	}
}

func (s *session) leave(streams []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stream := range streams {
		delete(s.streams, normalizeStream(stream))
	}
}

func (s *session) joined(stream string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[stream]
	return ok
}

// offer queues without blocking and reports whether the frame was accepted.
// The outbox is never closed, so queuing can always race safely with close;
// frames queued after close are simply never written.
func (s *session) offer(message Message) bool {
	select {
	case s.outbox <- message:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

func (s *session) reader() {
	defer s.close()

	s.socket.SetReadLimit(maxMessageSize)
	_ = s.socket.SetReadDeadline(time.Now().Add(pongWait))
	s.socket.SetPongHandler(func(string) error {
		_ = s.socket.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.hub.log.Debug("unexpected close", zap.String("user_id", s.userID), zap.Error(err))
			}
			return
		}
		if len(payload) == 0 {
			continue
		}

		var ctrl controlFrame
		if err := json.Unmarshal(payload, &ctrl); err != nil {
			s.hub.log.Debug("invalid control frame", zap.String("user_id", s.userID), zap.Error(err))
			continue
		}

		switch strings.ToLower(strings.TrimSpace(ctrl.Action)) {
		case "subscribe":
			s.join(ctrl.Streams)
		case "unsubscribe":
			s.leave(ctrl.Streams)
		case "ping":
			if !s.offer(Message{Event: "pong"}) {
				return
			}
		default:
			s.hub.log.Debug("unsupported control action",
				zap.String("action", ctrl.Action), zap.String("user_id", s.userID))
		}
	}
}

func (s *session) writer() {
	defer s.close()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-s.outbox:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteJSON(message); err != nil {
				return
			}
		case <-s.done:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.socket.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.unregister(s)
		metrics.RealtimeClients.Dec()
		_ = s.socket.Close()
	})
}

func sameOriginOrLoopback(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := stripPort(parsed.Host)
	return originHost == stripPort(r.Host) || isLoopback(originHost)
}

func stripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

func isLoopback(host string) bool {
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return strings.EqualFold(host, "localhost")
}

func normalizeStream(stream string) string {
	return strings.ToLower(strings.TrimSpace(stream))
}
