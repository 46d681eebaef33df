package payment

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/logger"
	"github.com/healthlink/pulse/pkg/metrics"
)

// Status enumerates payment attempt states. Success, Failed and Cancelled
// are terminal.
type Status string

const (
	Pending    Status = "PENDING"
	Processing Status = "PROCESSING"
	Success    Status = "SUCCESS"
	Failed     Status = "FAILED"
	Cancelled  Status = "CANCELLED"
)

// Terminal reports whether no further automatic transition occurs.
func (s Status) Terminal() bool {
	return s == Success || s == Failed || s == Cancelled
}

const (
	// correlationPrefix matches the server's correlation id scheme
	// PAY_<userID>_<random suffix>; only the prefix is known client-side.
	correlationPrefix = "PAY"

	defaultPollInterval = 500 * time.Millisecond
	defaultSuccessDelay = 1500 * time.Millisecond
)

// Popup abstracts the externally opened payment window.
type Popup interface {
	Closed() bool
	Close()
}

// Opener opens the gateway redirect URL as an external window. A blocked
// popup is reported as an error.
type Opener func(url string) (Popup, error)

// CreateInput describes the purchase being confirmed.
type CreateInput struct {
	Amount      float64
	Currency    string
	Description string
}

// Resource is the server-created payment resource.
type Resource struct {
	ID          string
	Amount      float64
	Currency    string
	Status      string
	RedirectURL string
}

// Remote creates the payment resource on the backend.
type Remote interface {
	CreatePaymentResource(ctx context.Context, input CreateInput) (Resource, error)
}

// Event is a payment confirmation delivered over the push channel.
type Event struct {
	CorrelationID string
	Status        string
	Message       string
	Amount        float64
	Currency      string
}

// Attempt is a read-only snapshot of the current payment attempt.
type Attempt struct {
	ResourceID string
	Status     Status
	Amount     float64
	Currency   string
	Message    string
	Err        *apperrors.AppError
}

// Engine manages one outstanding payment attempt at a time: it creates the
// remote resource, opens the gateway window, and correlates pushed
// confirmations back to the attempt by id prefix. Prefix matching is
// intentional: the server appends a random suffix the client cannot predict,
// so events from other concurrent sessions simply never match.
type Engine struct {
	remote Remote
	opener Opener
	log    *zap.Logger

	userID       string
	pollInterval time.Duration
	successDelay time.Duration

	// onSettled runs the workflow's next step shortly after a success.
	onSettled func(Attempt)
	// onWaiting fires when the user closes the window before any
	// confirmation arrived; the attempt keeps waiting.
	onWaiting func()

	mu          sync.Mutex
	attempt     *Attempt
	prefix      string
	popup       Popup
	pollStop    chan struct{}
	settleTimer *time.Timer
}

// Config wires an Engine.
type Config struct {
	Remote       Remote
	Opener       Opener
	UserID       string
	PollInterval time.Duration
	SuccessDelay time.Duration
	OnSettled    func(Attempt)
	OnWaiting    func()
}

// NewEngine constructs a payment engine for the acting user.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Remote == nil {
		return nil, fmt.Errorf("payment engine: remote is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, fmt.Errorf("payment engine: user id is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SuccessDelay <= 0 {
		cfg.SuccessDelay = defaultSuccessDelay
	}
	return &Engine{
		remote:       cfg.Remote,
		opener:       cfg.Opener,
		log:          logger.WithModule("client.payment"),
		userID:       strings.TrimSpace(cfg.UserID),
		pollInterval: cfg.PollInterval,
		successDelay: cfg.SuccessDelay,
		onSettled:    cfg.OnSettled,
		onWaiting:    cfg.OnWaiting,
	}, nil
}

// Attempt returns a snapshot of the current attempt.
func (e *Engine) Attempt() (Attempt, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attempt == nil {
		return Attempt{}, false
	}
	return *e.attempt, true
}

// Start confirms a purchase: it creates the remote resource, stores the
// correlation prefix and opens the gateway window. Exactly one attempt may
// be outstanding; a retry after a terminal state creates a fresh resource
// and never reuses the old correlation id.
func (e *Engine) Start(ctx context.Context, input CreateInput) (Attempt, error) {
	e.mu.Lock()
	if e.attempt != nil && !e.attempt.Status.Terminal() {
		e.mu.Unlock()
		return Attempt{}, apperrors.ErrAttemptInProgress
	}
	e.clearLocked()
	e.attempt = &Attempt{Status: Pending, Amount: input.Amount, Currency: input.Currency}
	e.prefix = fmt.Sprintf("%s_%s", correlationPrefix, e.userID)
	e.mu.Unlock()

	resource, err := e.remote.CreatePaymentResource(ctx, input)
	if err != nil {
		e.revert()
		return Attempt{}, err
	}

	e.mu.Lock()
	e.attempt.ResourceID = resource.ID
	if resource.Currency != "" {
		e.attempt.Currency = resource.Currency
	}
	e.mu.Unlock()

	if resource.RedirectURL != "" && e.opener != nil {
		popup, err := e.opener(resource.RedirectURL)
		if err != nil {
			e.revert()
			return Attempt{}, apperrors.ErrPopupBlocked
		}
		e.mu.Lock()
		e.popup = popup
		e.pollStop = make(chan struct{})
		go e.pollPopup(popup, e.pollStop)
		e.mu.Unlock()
	}

	snapshot, _ := e.Attempt()
	return snapshot, nil
}

// HandleEvent correlates a pushed payment confirmation with the current
// attempt. Events whose correlation id does not start with the stored
// prefix belong to another attempt and are ignored.
func (e *Engine) HandleEvent(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.attempt == nil || e.prefix == "" {
		return
	}
	if !strings.HasPrefix(event.CorrelationID, e.prefix) {
		e.log.Debug("ignoring unrelated payment event",
			zap.String("correlation_id", event.CorrelationID))
		return
	}

	switch strings.ToUpper(strings.TrimSpace(event.Status)) {
	case string(Success):
		e.closePopupLocked()
		e.stopPollLocked()
		e.attempt.Status = Success
		e.attempt.Message = event.Message
		// No further events may match this attempt.
		e.prefix = ""
		metrics.PaymentOutcomes.WithLabelValues("success").Inc()

		if e.onSettled != nil {
			snapshot := *e.attempt
			// Give the success message a moment to render before moving on.
			e.settleTimer = time.AfterFunc(e.successDelay, func() {
				e.onSettled(snapshot)
			})
		}
	case string(Failed), string(Cancelled):
		e.closePopupLocked()
		e.stopPollLocked()
		status := Status(strings.ToUpper(strings.TrimSpace(event.Status)))
		e.attempt.Status = status
		e.attempt.Message = event.Message
		e.attempt.Err = apperrors.NewRemoteCall("PAYMENT_"+string(status), event.Message)
		e.prefix = ""
		metrics.PaymentOutcomes.WithLabelValues(strings.ToLower(string(status))).Inc()
	case string(Processing):
		e.attempt.Status = Processing
		e.attempt.Message = event.Message
	case string(Pending):
		e.attempt.Message = event.Message
	default:
		e.log.Debug("unknown payment status", zap.String("status", event.Status))
	}
}

// Stop cancels the popup poll and any scheduled continuation without
// deciding an outcome. Safe to call at any time.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopPollLocked()
	if e.settleTimer != nil {
		e.settleTimer.Stop()
		e.settleTimer = nil
	}
}

// Reset clears a settled attempt so a new purchase can start. It refuses to
// clear an attempt still waiting for confirmation.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attempt != nil && !e.attempt.Status.Terminal() {
		return apperrors.ErrAttemptInProgress
	}
	e.clearLocked()
	return nil
}

// pollPopup watches for the user closing the window before any confirmation
// arrives. The poll is advisory only: it never decides the outcome, it only
// reports that the engine is still waiting.
func (e *Engine) pollPopup(popup Popup, stop chan struct{}) {
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !popup.Closed() {
				continue
			}
			e.mu.Lock()
			waiting := e.attempt != nil && !e.attempt.Status.Terminal()
			if waiting {
				e.attempt.Message = "waiting for payment confirmation"
			}
			e.popup = nil
			e.stopPollLocked()
			e.mu.Unlock()

			if waiting && e.onWaiting != nil {
				e.onWaiting()
			}
			return
		}
	}
}

func (e *Engine) revert() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clearLocked()
}

func (e *Engine) clearLocked() {
	e.closePopupLocked()
	e.stopPollLocked()
	if e.settleTimer != nil {
		e.settleTimer.Stop()
		e.settleTimer = nil
	}
	e.attempt = nil
	e.prefix = ""
}

func (e *Engine) closePopupLocked() {
	if e.popup != nil {
		e.popup.Close()
		e.popup = nil
	}
}

func (e *Engine) stopPollLocked() {
	if e.pollStop != nil {
		close(e.pollStop)
		e.pollStop = nil
	}
}
