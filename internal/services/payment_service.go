package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/healthlink/pulse/internal/models"
	"github.com/healthlink/pulse/internal/realtime"
	apperrors "github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/metrics"
)

// CorrelationPrefix is the client-known leading part of every correlation id.
// Clients derive "PAY_<userID>" locally; the server appends a random suffix
// the client cannot predict, which is why event matching is prefix based.
const CorrelationPrefix = "PAY"

// PaymentResourceDTO is returned from Create. The correlation id is not
// included: only its prefix is known client-side until an event arrives.
type PaymentResourceDTO struct {
	ID          string  `json:"id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	RedirectURL string  `json:"redirect_url,omitempty"`
}

// CreatePaymentInput defines attributes for a new payment resource.
type CreatePaymentInput struct {
	UserID      string
	Amount      float64
	Currency    string
	Description string
}

// ConfirmPaymentInput carries a gateway confirmation back to the resource.
type ConfirmPaymentInput struct {
	CorrelationID string
	Status        string
	Message       string
	Receipt       string
	FailureCode   string
}

// PaymentServiceConfig tunes resource creation.
type PaymentServiceConfig struct {
	GatewayURL      string
	DefaultCurrency string
}

// PaymentService creates payment resources and relays gateway confirmations
// to clients over the payments realtime stream.
type PaymentService struct {
	db  *gorm.DB
	hub *realtime.Hub
	cfg PaymentServiceConfig
}

// NewPaymentService constructs a PaymentService.
func NewPaymentService(db *gorm.DB, hub *realtime.Hub, cfg PaymentServiceConfig) (*PaymentService, error) {
	if db == nil {
		return nil, errors.New("payment service: db is required")
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &PaymentService{db: db, hub: hub, cfg: cfg}, nil
}

// Create registers a payment resource with a server-assigned correlation id
// and, when a gateway is configured, a redirect URL for the payment window.
func (s *PaymentService) Create(ctx context.Context, input CreatePaymentInput) (*PaymentResourceDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("payment service: user id is required")
	}
	if input.Amount <= 0 {
		return nil, apperrors.NewBadRequest("amount must be positive")
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	resource := models.PaymentResource{
		UserID:        userID,
		CorrelationID: fmt.Sprintf("%s_%s_%s", CorrelationPrefix, userID, suffix),
		Amount:        input.Amount,
		Currency:      defaultIfEmpty(strings.TrimSpace(input.Currency), s.cfg.DefaultCurrency),
		Status:        models.PaymentPending,
		Description:   strings.TrimSpace(input.Description),
	}

	if err := s.db.WithContext(ctx).Create(&resource).Error; err != nil {
		return nil, fmt.Errorf("payment service: create resource: %w", err)
	}

	if s.cfg.GatewayURL != "" {
		resource.RedirectURL = fmt.Sprintf("%s/checkout/%s",
			strings.TrimRight(s.cfg.GatewayURL, "/"), resource.ID)
		if err := s.db.WithContext(ctx).Model(&resource).
			Update("redirect_url", resource.RedirectURL).Error; err != nil {
			return nil, fmt.Errorf("payment service: store redirect url: %w", err)
		}
	}

	return &PaymentResourceDTO{
		ID:          resource.ID,
		Amount:      resource.Amount,
		Currency:    resource.Currency,
		Status:      resource.Status,
		RedirectURL: resource.RedirectURL,
	}, nil
}

// Confirm applies a gateway confirmation. Terminal resources are left
// untouched so replayed webhooks stay harmless, but the event is still
// re-broadcast for clients that missed it across a reconnect.
func (s *PaymentService) Confirm(ctx context.Context, input ConfirmPaymentInput) error {
	ctx = ensureContext(ctx)
	correlationID := strings.TrimSpace(input.CorrelationID)
	if correlationID == "" {
		return apperrors.NewBadRequest("correlation id is required")
	}

	status := strings.ToUpper(strings.TrimSpace(input.Status))
	switch status {
	case models.PaymentProcessing, models.PaymentSuccess, models.PaymentFailed, models.PaymentCancelled:
	default:
		return apperrors.NewBadRequest("unknown payment status")
	}

	var resource models.PaymentResource
	if err := s.db.WithContext(ctx).
		First(&resource, "correlation_id = ?", correlationID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.ErrNotFound
		}
		return fmt.Errorf("payment service: load resource: %w", err)
	}

	if !resource.Settled() {
		updates := map[string]any{"status": status}
		if input.Receipt != "" {
			updates["receipt"] = input.Receipt
		}
		if input.FailureCode != "" {
			updates["failure_code"] = input.FailureCode
		}
		if status != models.PaymentProcessing {
			now := time.Now().UTC()
			updates["settled_at"] = now
			resource.SettledAt = &now
		}
		if err := s.db.WithContext(ctx).Model(&resource).Updates(updates).Error; err != nil {
			return fmt.Errorf("payment service: update resource: %w", err)
		}
		resource.Status = status

		if resource.Settled() {
			metrics.PaymentOutcomes.WithLabelValues(strings.ToLower(status)).Inc()
		}
	}

	s.broadcast(resource, input.Message)
	return nil
}

func (s *PaymentService) broadcast(resource models.PaymentResource, message string) {
	if s.hub == nil {
		return
	}
	metrics.EventsDispatched.WithLabelValues(realtime.EventPaymentUpdated).Inc()
	s.hub.BroadcastToUser(realtime.StreamPayments, resource.UserID, realtime.Message{
		Stream: realtime.StreamPayments,
		Event:  realtime.EventPaymentUpdated,
		Data: map[string]any{
			"correlation_id": resource.CorrelationID,
			"status":         resource.Status,
			"message":        message,
			"amount":         resource.Amount,
			"currency":       resource.Currency,
		},
	})
}
