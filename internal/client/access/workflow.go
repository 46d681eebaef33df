package access

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/healthlink/pulse/internal/client/store"
	apperrors "github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/logger"
)

// Status enumerates the approval workflow states.
type Status string

const (
	NoRequest Status = "NO_REQUEST"
	Pending   Status = "PENDING"
	Approved  Status = "APPROVED"
	Denied    Status = "DENIED"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == Approved || s == Denied
}

// Request is the client-side view of an access request.
type Request struct {
	ID          string
	RequesterID string
	OwnerID     string
	ResourceID  string
	Status      Status
	Reason      string
}

// Remote is the approval service the workflow calls.
type Remote interface {
	CreateAccessRequest(ctx context.Context, ownerID, resourceID, reason string) (Request, error)
	Decide(ctx context.Context, requestID, decision string) error
}

// Notifications is the slice of the notification store the owner-side
// actions need: metadata lookup and the processed/read bookkeeping after a
// decision.
type Notifications interface {
	Find(id string) (store.Notification, bool)
	MarkProcessed(ctx context.Context, id, status string) error
}

// Workflow tracks the approval state machine for one resource from either
// party's perspective. State only moves NO_REQUEST → PENDING → APPROVED or
// DENIED; a denied request may be retried with a fresh PENDING.
type Workflow struct {
	remote        Remote
	notifications Notifications
	log           *zap.Logger

	mu         sync.Mutex
	ownerID    string
	resourceID string
	requestID  string
	status     Status

	// onDecision fires once per distinct terminal decision.
	onDecision func(Status)
}

// Option customises a Workflow.
type Option func(*Workflow)

// WithDecisionHook registers a side-effect callback fired exactly once per
// distinct pushed decision.
func WithDecisionHook(fn func(Status)) Option {
	return func(w *Workflow) { w.onDecision = fn }
}

// WithInitialState seeds the workflow from a previously fetched request,
// e.g. after a page reload.
func WithInitialState(requestID string, status Status) Option {
	return func(w *Workflow) {
		w.requestID = requestID
		if status != "" {
			w.status = status
		}
	}
}

// New constructs a Workflow for the given resource.
func New(remote Remote, notifications Notifications, ownerID, resourceID string, opts ...Option) *Workflow {
	w := &Workflow{
		remote:        remote,
		notifications: notifications,
		log:           logger.WithModule("client.access"),
		ownerID:       ownerID,
		resourceID:    resourceID,
		status:        NoRequest,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Status returns the current workflow state.
func (w *Workflow) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// RequestID returns the id of the tracked request, when one exists.
func (w *Workflow) RequestID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.requestID
}

// Request issues the requester's create call. Legal only from NO_REQUEST or
// DENIED; PENDING is optimistic — set immediately on remote success and
// reconciled against the next full refresh. A remote failure leaves the
// state untouched.
func (w *Workflow) Request(ctx context.Context, reason string) error {
	w.mu.Lock()
	switch w.status {
	case NoRequest, Denied:
	case Pending:
		w.mu.Unlock()
		return apperrors.ErrDuplicateRequest
	default:
		w.mu.Unlock()
		return apperrors.ErrInvalidTransition
	}
	ownerID, resourceID := w.ownerID, w.resourceID
	w.mu.Unlock()

	created, err := w.remote.CreateAccessRequest(ctx, ownerID, resourceID, reason)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.requestID = created.ID
	w.status = Pending
	w.mu.Unlock()
	return nil
}

// Accept records the owner's approval for the request correlated with the
// given notification.
func (w *Workflow) Accept(ctx context.Context, notificationID string) error {
	return w.decide(ctx, notificationID, Approved)
}

// Decline records the owner's denial for the request correlated with the
// given notification.
func (w *Workflow) Decline(ctx context.Context, notificationID string) error {
	return w.decide(ctx, notificationID, Denied)
}

// decide resolves the request id from the notification metadata, issues the
// remote decision, then marks the notification processed and read. A missing
// correlation is a data error surfaced before any remote call.
func (w *Workflow) decide(ctx context.Context, notificationID string, decision Status) error {
	notification, ok := w.notifications.Find(notificationID)
	if !ok {
		return apperrors.ErrNotFound
	}

	requestID := metadataString(notification.Metadata, "request_id")
	if requestID == "" {
		return apperrors.ErrMissingCorrelation
	}

	if err := w.remote.Decide(ctx, requestID, string(decision)); err != nil {
		return err
	}

	if err := w.notifications.MarkProcessed(ctx, notificationID, string(decision)); err != nil {
		w.log.Warn("decision recorded but notification not marked processed",
			zap.String("notification_id", notificationID), zap.Error(err))
	}

	w.mu.Lock()
	if w.requestID == "" {
		w.requestID = requestID
	}
	if w.requestID == requestID && !w.status.Terminal() {
		w.status = decision
	}
	w.mu.Unlock()
	return nil
}

// ApplyDecision applies a remote-originated decision pushed over the event
// channel. Replays are idempotent: when the stored status already equals the
// incoming one no side effect fires. Terminal states are never left.
func (w *Workflow) ApplyDecision(requestID string, decision Status) {
	if decision != Approved && decision != Denied {
		return
	}

	w.mu.Lock()
	if w.requestID != "" && w.requestID != requestID {
		w.mu.Unlock()
		return
	}
	if w.status == decision {
		w.mu.Unlock()
		return
	}
	if w.status.Terminal() {
		// APPROVED and DENIED are final; conflicting replays are dropped.
		w.log.Warn("ignoring conflicting decision for terminal request",
			zap.String("request_id", requestID),
			zap.String("current", string(w.status)), zap.String("incoming", string(decision)))
		w.mu.Unlock()
		return
	}
	if w.requestID == "" {
		w.requestID = requestID
	}
	w.status = decision
	hook := w.onDecision
	w.mu.Unlock()

	if hook != nil {
		hook(decision)
	}
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	value, _ := metadata[key].(string)
	return strings.TrimSpace(value)
}
