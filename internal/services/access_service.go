package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/healthlink/pulse/internal/models"
	apperrors "github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/metrics"
)

// DefaultRequestTTL bounds how long a request may stay PENDING before the
// maintenance cleaner expires it.
const DefaultRequestTTL = 7 * 24 * time.Hour

// AccessRequestDTO represents the API payload for an access request.
type AccessRequestDTO struct {
	ID          string     `json:"id"`
	RequesterID string     `json:"requester_id"`
	OwnerID     string     `json:"owner_id"`
	ResourceID  string     `json:"resource_id"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// CreateAccessRequestInput defines the requester-side create payload.
type CreateAccessRequestInput struct {
	RequesterID string
	OwnerID     string
	ResourceID  string
	Reason      string
}

// AccessRequestService owns the two-party approval workflow on the server:
// requests are created PENDING, decided exactly once, and each transition
// fans a notification out to the counterpart.
type AccessRequestService struct {
	db            *gorm.DB
	notifications *NotificationService
	requestTTL    time.Duration
}

// NewAccessRequestService constructs an AccessRequestService.
func NewAccessRequestService(db *gorm.DB, notifications *NotificationService, requestTTL time.Duration) (*AccessRequestService, error) {
	if db == nil {
		return nil, errors.New("access service: db is required")
	}
	if notifications == nil {
		return nil, errors.New("access service: notification service is required")
	}
	if requestTTL <= 0 {
		requestTTL = DefaultRequestTTL
	}
	return &AccessRequestService{db: db, notifications: notifications, requestTTL: requestTTL}, nil
}

// Create registers a new PENDING request and notifies the owner.
//
// A second request is only legal when no request exists or the previous one
// was DENIED; a PENDING duplicate is rejected and an APPROVED request makes
// another one pointless.
func (s *AccessRequestService) Create(ctx context.Context, input CreateAccessRequestInput) (*AccessRequestDTO, error) {
	ctx = ensureContext(ctx)
	requesterID := strings.TrimSpace(input.RequesterID)
	ownerID := strings.TrimSpace(input.OwnerID)
	resourceID := strings.TrimSpace(input.ResourceID)
	if requesterID == "" || ownerID == "" || resourceID == "" {
		return nil, apperrors.NewBadRequest("requester, owner and resource ids are required")
	}
	if requesterID == ownerID {
		return nil, apperrors.NewBadRequest("cannot request access to your own resource")
	}

	var existing models.AccessRequest
	err := s.db.WithContext(ctx).
		Where("requester_id = ? AND resource_id = ?", requesterID, resourceID).
		Order("created_at DESC").
		First(&existing).Error
	switch {
	case err == nil:
		if existing.Status == models.AccessRequestPending {
			return nil, apperrors.ErrDuplicateRequest
		}
		if existing.Status == models.AccessRequestApproved {
			return nil, apperrors.ErrInvalidTransition
		}
		// DENIED may be retried with a fresh request.
	case errors.Is(err, gorm.ErrRecordNotFound):
		// No prior request.
	default:
		return nil, fmt.Errorf("access service: lookup existing request: %w", err)
	}

	expiresAt := time.Now().UTC().Add(s.requestTTL)
	request := models.AccessRequest{
		RequesterID: requesterID,
		OwnerID:     ownerID,
		ResourceID:  resourceID,
		Status:      models.AccessRequestPending,
		Reason:      strings.TrimSpace(input.Reason),
		ExpiresAt:   &expiresAt,
	}

	if err := s.db.WithContext(ctx).Create(&request).Error; err != nil {
		return nil, fmt.Errorf("access service: create request: %w", err)
	}

	requesterName := s.displayName(ctx, requesterID)
	if _, err := s.notifications.Create(ctx, CreateNotificationInput{
		UserID:  ownerID,
		Kind:    models.NotificationAccessRequested,
		Title:   "Access requested",
		Message: fmt.Sprintf("%s requested access to one of your records", requesterName),
		Metadata: map[string]any{
			"request_id":     request.ID,
			"resource_id":    resourceID,
			"requester_id":   requesterID,
			"requester_name": requesterName,
			"status":         models.AccessRequestPending,
		},
	}); err != nil {
		return nil, fmt.Errorf("access service: notify owner: %w", err)
	}

	dto := mapAccessRequest(request)
	return &dto, nil
}

// Decide records the owner's decision exactly once and notifies the requester.
func (s *AccessRequestService) Decide(ctx context.Context, ownerID, requestID, decision string) (*AccessRequestDTO, error) {
	ctx = ensureContext(ctx)
	decision = strings.ToUpper(strings.TrimSpace(decision))
	if decision != models.AccessRequestApproved && decision != models.AccessRequestDenied {
		return nil, apperrors.NewBadRequest("decision must be APPROVED or DENIED")
	}

	var request models.AccessRequest
	if err := s.db.WithContext(ctx).First(&request, "id = ?", requestID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("access service: load request: %w", err)
	}

	if request.OwnerID != strings.TrimSpace(ownerID) {
		return nil, apperrors.ErrForbidden
	}
	if request.Terminal() {
		return nil, apperrors.ErrInvalidTransition
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&request).
		Updates(map[string]any{"status": decision, "responded_at": now}).Error; err != nil {
		return nil, fmt.Errorf("access service: update request: %w", err)
	}
	request.Status = decision
	request.RespondedAt = &now

	metrics.AccessDecisions.WithLabelValues(strings.ToLower(decision)).Inc()

	kind := models.NotificationAccessApproved
	title := "Access approved"
	if decision == models.AccessRequestDenied {
		kind = models.NotificationAccessDenied
		title = "Access denied"
	}
	ownerName := s.displayName(ctx, request.OwnerID)
	if _, err := s.notifications.Create(ctx, CreateNotificationInput{
		UserID:  request.RequesterID,
		Kind:    kind,
		Title:   title,
		Message: fmt.Sprintf("%s %s your access request", ownerName, strings.ToLower(decision)),
		Metadata: map[string]any{
			"request_id":  request.ID,
			"resource_id": request.ResourceID,
			"owner_name":  ownerName,
			"status":      decision,
		},
	}); err != nil {
		return nil, fmt.Errorf("access service: notify requester: %w", err)
	}

	dto := mapAccessRequest(request)
	return &dto, nil
}

// StatusFor reports the most recent request for a requester/resource pair.
// A nil DTO means no request exists.
func (s *AccessRequestService) StatusFor(ctx context.Context, requesterID, resourceID string) (*AccessRequestDTO, error) {
	ctx = ensureContext(ctx)

	var request models.AccessRequest
	err := s.db.WithContext(ctx).
		Where("requester_id = ? AND resource_id = ?", requesterID, resourceID).
		Order("created_at DESC").
		First(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("access service: lookup request: %w", err)
	}

	dto := mapAccessRequest(request)
	return &dto, nil
}

// ExpirePending denies all PENDING requests whose expiry passed, notifying
// each requester. Returns the number of requests expired.
func (s *AccessRequestService) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	ctx = ensureContext(ctx)

	var stale []models.AccessRequest
	if err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", models.AccessRequestPending, now).
		Find(&stale).Error; err != nil {
		return 0, fmt.Errorf("access service: find expired requests: %w", err)
	}

	for i := range stale {
		request := &stale[i]
		if err := s.db.WithContext(ctx).Model(request).
			Updates(map[string]any{"status": models.AccessRequestDenied, "responded_at": now}).Error; err != nil {
			return i, fmt.Errorf("access service: expire request %s: %w", request.ID, err)
		}

		metrics.AccessDecisions.WithLabelValues("expired").Inc()

		if _, err := s.notifications.Create(ctx, CreateNotificationInput{
			UserID:  request.RequesterID,
			Kind:    models.NotificationAccessDenied,
			Title:   "Access request expired",
			Message: "Your access request expired without a decision",
			Metadata: map[string]any{
				"request_id":  request.ID,
				"resource_id": request.ResourceID,
				"status":      models.AccessRequestDenied,
				"reason":      "expired",
			},
		}); err != nil {
			return i, fmt.Errorf("access service: notify expiry: %w", err)
		}
	}

	return len(stale), nil
}

func (s *AccessRequestService) displayName(ctx context.Context, userID string) string {
	var user models.User
	if err := s.db.WithContext(ctx).Select("display_name", "username").
		First(&user, "id = ?", userID).Error; err != nil {
		return "Someone"
	}
	return defaultIfEmpty(user.DisplayName, user.Username)
}

func mapAccessRequest(row models.AccessRequest) AccessRequestDTO {
	return AccessRequestDTO{
		ID:          row.ID,
		RequesterID: row.RequesterID,
		OwnerID:     row.OwnerID,
		ResourceID:  row.ResourceID,
		Status:      row.Status,
		Reason:      row.Reason,
		CreatedAt:   row.CreatedAt,
		RespondedAt: row.RespondedAt,
		ExpiresAt:   row.ExpiresAt,
	}
}
