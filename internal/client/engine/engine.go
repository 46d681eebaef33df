package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/healthlink/pulse/internal/client/access"
	"github.com/healthlink/pulse/internal/client/channel"
	"github.com/healthlink/pulse/internal/client/payment"
	"github.com/healthlink/pulse/internal/client/session"
	"github.com/healthlink/pulse/internal/client/store"
	"github.com/healthlink/pulse/pkg/logger"
)

// Remote bundles the collaborator interfaces the engine composes; the REST
// client satisfies all of them.
type Remote interface {
	store.Remote
	access.Remote
	payment.Remote
}

// Config wires an Engine.
type Config struct {
	Channel *channel.EventChannel
	Session *session.Provider
	Remote  Remote

	// Payment engine tuning, forwarded per identity.
	PopupOpener      payment.Opener
	PollInterval     time.Duration
	SuccessDelay     time.Duration
	OnPaymentSettled func(payment.Attempt)

	// OnDecision fires once per distinct pushed approval decision.
	OnDecision func(resourceID string, status access.Status)
}

// Engine is the composition root of the sync core: it owns the push channel,
// the notification store, the per-resource approval workflows and the
// payment engine, and routes channel events to each. A session token change
// triggers a full disconnect and resubscribe cycle so handlers bound to a
// previous identity never fire.
type Engine struct {
	cfg Config
	log *zap.Logger

	store *store.Store

	// applyMu serializes whole credential cycles: two concurrent applies
	// could otherwise interleave their disconnect/connect phases and leave
	// the channel connected under a superseded token.
	applyMu sync.Mutex

	mu          sync.Mutex
	creds       session.Credentials
	payments    *payment.Engine
	workflows   map[string]*access.Workflow
	stopWatch   func()
	unsubscribe []func()
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("engine: channel is required")
	}
	if cfg.Session == nil {
		return nil, fmt.Errorf("engine: session provider is required")
	}
	if cfg.Remote == nil {
		return nil, fmt.Errorf("engine: remote is required")
	}
	return &Engine{
		cfg:       cfg,
		log:       logger.WithModule("client.engine"),
		store:     store.New(cfg.Remote),
		workflows: make(map[string]*access.Workflow),
	}, nil
}

// Start connects for the current session, when one exists, and begins
// following credential changes.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.stopWatch == nil {
		e.stopWatch = e.cfg.Session.Watch(func(creds session.Credentials) {
			e.apply(ctx, creds)
		})
	}
	e.mu.Unlock()

	e.apply(ctx, e.cfg.Session.Current())
	return nil
}

// Close tears everything down: channel, handlers, payment timers, watchers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.stopWatch != nil {
		e.stopWatch()
		e.stopWatch = nil
	}
	e.mu.Unlock()

	e.apply(context.Background(), session.Credentials{})
}

// Store exposes the notification store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Payments returns the payment engine for the current identity, when signed in.
func (e *Engine) Payments() (*payment.Engine, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.payments, e.payments != nil
}

// Workflow returns the approval workflow for a resource, creating it on
// first use. Workflows are dropped on identity change.
func (e *Engine) Workflow(ownerID, resourceID string) *access.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()

	if w, ok := e.workflows[resourceID]; ok {
		return w
	}
	w := access.New(e.cfg.Remote, e.store, ownerID, resourceID,
		access.WithDecisionHook(e.decisionHook(resourceID)))
	e.workflows[resourceID] = w
	return w
}

func (e *Engine) decisionHook(resourceID string) func(access.Status) {
	return func(status access.Status) {
		if e.cfg.OnDecision != nil {
			e.cfg.OnDecision(resourceID, status)
		}
	}
}

// apply performs the full teardown/rebuild cycle for a credential change.
// One cycle at a time: later credentials always win.
func (e *Engine) apply(ctx context.Context, creds session.Credentials) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	if e.creds == creds {
		e.mu.Unlock()
		return
	}
	e.creds = creds

	for _, unsubscribe := range e.unsubscribe {
		unsubscribe()
	}
	e.unsubscribe = nil

	if e.payments != nil {
		e.payments.Stop()
		e.payments = nil
	}
	e.workflows = make(map[string]*access.Workflow)
	e.mu.Unlock()

	e.store.Clear()

	// Disconnect clears the channel's registry as well; stale handlers
	// bound to the previous identity must never fire.
	e.cfg.Channel.Disconnect()

	if !creds.Valid() {
		return
	}

	payments, err := payment.NewEngine(payment.Config{
		Remote:       e.cfg.Remote,
		Opener:       e.cfg.PopupOpener,
		UserID:       creds.UserID,
		PollInterval: e.cfg.PollInterval,
		SuccessDelay: e.cfg.SuccessDelay,
		OnSettled:    e.cfg.OnPaymentSettled,
	})
	if err != nil {
		e.log.Error("payment engine unavailable", zap.Error(err))
	}

	e.mu.Lock()
	e.payments = payments
	e.unsubscribe = []func(){
		e.cfg.Channel.Subscribe("notification.created", e.onNotificationCreated),
		e.cfg.Channel.Subscribe("notification.updated", e.onNotificationUpdated),
		e.cfg.Channel.Subscribe("notification.deleted", e.onNotificationDeleted),
		e.cfg.Channel.Subscribe("notification.read_all", e.onReadAll),
		e.cfg.Channel.Subscribe("payment.updated", e.onPaymentUpdated),
	}
	e.mu.Unlock()

	if err := e.cfg.Channel.Connect(ctx, creds.Token); err != nil {
		e.log.Error("channel connect failed", zap.Error(err))
	}
}

type notificationPayload struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata"`
	IsRead    bool           `json:"is_read"`
	Processed bool           `json:"processed"`
	CreatedAt time.Time      `json:"created_at"`
	ReadAt    *time.Time     `json:"read_at"`
}

func (e *Engine) onNotificationCreated(event channel.Event) {
	var data struct {
		Notification notificationPayload `json:"notification"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil || data.Notification.ID == "" {
		e.log.Debug("dropping malformed notification.created", zap.Error(err))
		return
	}

	n := data.Notification
	e.store.ApplyPushedNotification(store.Notification{
		ID:        n.ID,
		Kind:      n.Kind,
		Title:     n.Title,
		Message:   n.Message,
		Metadata:  n.Metadata,
		IsRead:    n.IsRead,
		Processed: n.Processed,
		CreatedAt: n.CreatedAt,
		ReadAt:    n.ReadAt,
	})

	// A decision notification also advances the requester's workflow.
	switch n.Kind {
	case "access.approved":
		e.reconcileDecision(n.Metadata, access.Approved)
	case "access.denied":
		e.reconcileDecision(n.Metadata, access.Denied)
	}
}

func (e *Engine) onNotificationUpdated(event channel.Event) {
	var data struct {
		ID    string         `json:"id"`
		Patch map[string]any `json:"patch"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil || data.ID == "" {
		e.log.Debug("dropping malformed notification.updated", zap.Error(err))
		return
	}
	e.store.ApplyPushedUpdate(data.ID, data.Patch)

	if meta, ok := data.Patch["metadata"].(map[string]any); ok {
		status, _ := meta["status"].(string)
		switch access.Status(strings.ToUpper(status)) {
		case access.Approved:
			e.reconcileDecision(meta, access.Approved)
		case access.Denied:
			e.reconcileDecision(meta, access.Denied)
		}
	}
}

func (e *Engine) onNotificationDeleted(event channel.Event) {
	var data struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil || data.ID == "" {
		return
	}
	e.store.ApplyPushedDelete(data.ID)
}

func (e *Engine) onReadAll(channel.Event) {
	e.store.ApplyPushedReadAll()
}

func (e *Engine) onPaymentUpdated(event channel.Event) {
	var data struct {
		CorrelationID string  `json:"correlation_id"`
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		Amount        float64 `json:"amount"`
		Currency      string  `json:"currency"`
	}
	if err := json.Unmarshal(event.Data, &data); err != nil || data.CorrelationID == "" {
		e.log.Debug("dropping malformed payment.updated", zap.Error(err))
		return
	}

	e.mu.Lock()
	payments := e.payments
	e.mu.Unlock()
	if payments == nil {
		return
	}
	payments.HandleEvent(payment.Event{
		CorrelationID: data.CorrelationID,
		Status:        data.Status,
		Message:       data.Message,
		Amount:        data.Amount,
		Currency:      data.Currency,
	})
}

// reconcileDecision routes a pushed decision to the workflow tracking its
// resource. Notifications without a resource or request id are benign here;
// only explicit user actions treat a missing correlation as an error.
func (e *Engine) reconcileDecision(metadata map[string]any, decision access.Status) {
	requestID, _ := metadata["request_id"].(string)
	resourceID, _ := metadata["resource_id"].(string)
	if requestID == "" {
		return
	}

	e.mu.Lock()
	var targets []*access.Workflow
	if resourceID != "" {
		if w, ok := e.workflows[resourceID]; ok {
			targets = append(targets, w)
		}
	} else {
		for _, w := range e.workflows {
			targets = append(targets, w)
		}
	}
	e.mu.Unlock()

	for _, w := range targets {
		w.ApplyDecision(requestID, decision)
	}
}
