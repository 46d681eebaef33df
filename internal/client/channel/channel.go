package channel

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/logger"
	"github.com/healthlink/pulse/pkg/metrics"
)

const (
	defaultReconnectMin = time.Second
	defaultReconnectMax = 30 * time.Second
)

// Event is one push-channel frame as delivered to subscribers.
type Event struct {
	Stream string          `json:"stream"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Handler consumes one event. Handlers run sequentially on the channel's
// dispatcher goroutine in arrival order and must not block indefinitely.
type Handler func(Event)

// Options configures an EventChannel.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://host/api/ws.
	URL string
	// Streams to subscribe to on connect.
	Streams []string

	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Dialer *websocket.Dialer

	// Lifecycle callbacks. All optional; invoked from the channel's own
	// goroutines.
	OnConnect    func()
	OnDisconnect func(reason error)
	OnError      func(err error)
}

// EventChannel owns one push-channel connection per active session token.
// The subscription registry survives reconnects; only the physical socket is
// replaced. Disconnect tears down both the socket and the registry.
type EventChannel struct {
	opts Options
	log  *zap.Logger

	mu       sync.Mutex
	token    string
	cancel   context.CancelFunc
	done     chan struct{}
	handlers map[string]map[int]Handler
	nextID   int
}

// New constructs an EventChannel. The zero state is disconnected.
func New(opts Options) *EventChannel {
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = defaultReconnectMin
	}
	if opts.ReconnectMax < opts.ReconnectMin {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &EventChannel{
		opts:     opts,
		log:      logger.WithModule("client.channel"),
		handlers: make(map[string]map[int]Handler),
	}
}

// Connect establishes the push channel for the given token. Calling it again
// with the same token while connected is a no-op; connecting with a different
// token requires an explicit Disconnect first because stale handlers bound to
// a previous identity must never fire.
func (c *EventChannel) Connect(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.NewBadRequest("channel: token is required")
	}

	c.mu.Lock()
	if c.cancel != nil {
		if c.token == token {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		return apperrors.New(apperrors.ErrTransport.Code,
			"channel: already connected under another token; disconnect first",
			apperrors.ErrTransport.StatusCode)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.token = token
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	conn, err := c.dial(runCtx, token)
	if err != nil {
		c.teardown(false)
		close(done)
		metrics.ChannelConnects.WithLabelValues("error").Inc()
		return apperrors.Wrap(err, "channel: connect")
	}
	metrics.ChannelConnects.WithLabelValues("ok").Inc()
	c.signalConnect()

	go c.run(runCtx, conn, token, done)
	return nil
}

// Disconnect closes the connection and clears every registered handler. It
// is idempotent and safe to call when no connection exists.
func (c *EventChannel) Disconnect() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.handlers = make(map[string]map[int]Handler)
	c.mu.Unlock()
}

// Subscribe registers a handler for the named event and returns an
// unsubscribe closure. Handlers persist across reconnects.
func (c *EventChannel) Subscribe(event string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.nextID++
	id := c.nextID
	c.handlers[event][id] = handler

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		// Handler ids are never reused, so removal stays safe even after a
		// Disconnect already cleared the registry.
		if handlers, ok := c.handlers[event]; ok {
			delete(handlers, id)
			if len(handlers) == 0 {
				delete(c.handlers, event)
			}
		}
	}
}

// Connected reports whether a session is currently established or resuming.
func (c *EventChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

func (c *EventChannel) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	endpoint, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, err
	}
	query := endpoint.Query()
	query.Set("token", token)
	if len(c.opts.Streams) > 0 {
		query.Set("streams", strings.Join(c.opts.Streams, ","))
	}
	endpoint.RawQuery = query.Encode()

	conn, resp, err := c.opts.Dialer.DialContext(ctx, endpoint.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// run is the dispatcher loop: it reads frames, invokes handlers in arrival
// order and transparently redials with capped exponential backoff. Handlers
// registered at dispatch time see events exactly as emitted; nothing is
// promised across a reconnect boundary.
func (c *EventChannel) run(ctx context.Context, conn *websocket.Conn, token string, done chan struct{}) {
	defer close(done)
	defer c.teardown(true)

	for {
		reason := c.readLoop(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		c.signalDisconnect(reason)
		c.log.Warn("channel lost, reconnecting", zap.Error(reason))

		next, err := c.redial(ctx, token)
		if err != nil {
			return
		}
		conn = next
		metrics.ChannelConnects.WithLabelValues("reconnect").Inc()
		c.signalConnect()
	}
}

func (c *EventChannel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Unblock the pending read when the session is cancelled.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			return err
		}
		c.dispatch(event)
	}
}

func (c *EventChannel) dispatch(event Event) {
	if event.Event == "" {
		return
	}

	c.mu.Lock()
	registered := c.handlers[event.Event]
	handlers := make([]Handler, 0, len(registered))
	for _, handler := range registered {
		handlers = append(handlers, handler)
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		c.invoke(handler, event)
	}
}

// invoke contains handler panics: a misbehaving consumer must never take the
// channel down.
func (c *EventChannel) invoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panic", zap.String("event", event.Event), zap.Any("panic", r))
			c.signalError(apperrors.ErrTransport)
		}
	}()
	handler(event)
}

func (c *EventChannel) redial(ctx context.Context, token string) (*websocket.Conn, error) {
	backoff := c.opts.ReconnectMin
	for {
		conn, err := c.dial(ctx, token)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.signalError(apperrors.Wrap(err, "channel: reconnect"))

		// Jittered, capped exponential backoff.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > c.opts.ReconnectMax {
			backoff = c.opts.ReconnectMax
		}
	}
}

func (c *EventChannel) teardown(signal bool) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.token = ""
	c.done = nil
	c.mu.Unlock()

	if signal {
		c.signalDisconnect(nil)
	}
}

func (c *EventChannel) signalConnect() {
	if c.opts.OnConnect != nil {
		c.opts.OnConnect()
	}
}

func (c *EventChannel) signalDisconnect(reason error) {
	if c.opts.OnDisconnect != nil {
		c.opts.OnDisconnect(reason)
	}
}

func (c *EventChannel) signalError(err error) {
	if c.opts.OnError != nil {
		c.opts.OnError(err)
	}
}
