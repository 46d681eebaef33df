package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/healthlink/pulse/internal/models"
	"github.com/healthlink/pulse/internal/realtime"
	apperrors "github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/metrics"
)

// NotificationDTO represents the API-friendly notification payload.
type NotificationDTO struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	IsRead    bool           `json:"is_read"`
	Processed bool           `json:"processed"`
	CreatedAt time.Time      `json:"created_at"`
	ReadAt    *time.Time     `json:"read_at,omitempty"`
}

// CreateNotificationInput defines attributes required to persist a notification.
type CreateNotificationInput struct {
	UserID   string
	Kind     string
	Title    string
	Message  string
	Metadata map[string]any
}

// ListNotificationsInput defines page-based filters for querying user notifications.
type ListNotificationsInput struct {
	UserID string
	Page   int
	Size   int
}

// PageInfo describes the page returned by List.
type PageInfo struct {
	Page          int   `json:"page"`
	Size          int   `json:"size"`
	TotalPages    int   `json:"total_pages"`
	TotalElements int64 `json:"total_elements"`
}

// NotificationService manages user in-app notifications and mirrors every
// mutation onto the notifications realtime stream.
type NotificationService struct {
	db  *gorm.DB
	hub *realtime.Hub
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(db *gorm.DB, hub *realtime.Hub) (*NotificationService, error) {
	if db == nil {
		return nil, errors.New("notification service: db is required")
	}
	return &NotificationService{db: db, hub: hub}, nil
}

// List returns one page of notifications for the user ordered by recency.
func (s *NotificationService) List(ctx context.Context, input ListNotificationsInput) ([]NotificationDTO, PageInfo, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, PageInfo{}, errors.New("notification service: user id is required")
	}

	page := input.Page
	if page < 1 {
		page = 1
	}
	size := input.Size
	if size <= 0 || size > 100 {
		size = 20
	}

	var total int64
	if err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, PageInfo{}, fmt.Errorf("notification service: count notifications: %w", err)
	}

	var rows []models.Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(size).
		Offset((page - 1) * size).
		Find(&rows).Error; err != nil {
		return nil, PageInfo{}, fmt.Errorf("notification service: list notifications: %w", err)
	}

	info := PageInfo{
		Page:          page,
		Size:          size,
		TotalElements: total,
		TotalPages:    int((total + int64(size) - 1) / int64(size)),
	}
	return mapNotificationRows(rows), info, nil
}

// Create registers a new notification and broadcasts notification.created.
func (s *NotificationService) Create(ctx context.Context, input CreateNotificationInput) (*NotificationDTO, error) {
	ctx = ensureContext(ctx)
	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		return nil, errors.New("notification service: user id is required")
	}
	kind := strings.TrimSpace(input.Kind)
	if kind == "" {
		return nil, errors.New("notification service: kind is required")
	}

	metadata, err := encodeJSON(input.Metadata)
	if err != nil {
		return nil, fmt.Errorf("notification service: marshal metadata: %w", err)
	}

	notification := models.Notification{
		UserID:   userID,
		Kind:     kind,
		Title:    strings.TrimSpace(input.Title),
		Message:  strings.TrimSpace(input.Message),
		Metadata: metadata,
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		return nil, fmt.Errorf("notification service: create notification: %w", err)
	}

	dto := mapNotification(notification)
	s.broadcast(userID, realtime.EventNotificationCreated, map[string]any{
		"notification": dto,
	})
	return &dto, nil
}

// MarkRead sets the notification read flag for a user.
func (s *NotificationService) MarkRead(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	notification, err := s.load(ctx, userID, notificationID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ensureContext(ctx)).Model(notification).
		Updates(map[string]any{"is_read": true, "read_at": now}).Error; err != nil {
		return nil, fmt.Errorf("notification service: mark read: %w", err)
	}

	notification.IsRead = true
	notification.ReadAt = &now
	dto := mapNotification(*notification)

	s.broadcast(userID, realtime.EventNotificationUpdated, map[string]any{
		"id":    notification.ID,
		"patch": map[string]any{"is_read": true, "read_at": now},
	})
	return &dto, nil
}

// MarkUnread unsets the notification read flag.
func (s *NotificationService) MarkUnread(ctx context.Context, userID, notificationID string) (*NotificationDTO, error) {
	notification, err := s.load(ctx, userID, notificationID)
	if err != nil {
		return nil, err
	}

	if err := s.db.WithContext(ensureContext(ctx)).Model(notification).
		Updates(map[string]any{"is_read": false, "read_at": nil}).Error; err != nil {
		return nil, fmt.Errorf("notification service: mark unread: %w", err)
	}

	notification.IsRead = false
	notification.ReadAt = nil
	dto := mapNotification(*notification)

	s.broadcast(userID, realtime.EventNotificationUpdated, map[string]any{
		"id":    notification.ID,
		"patch": map[string]any{"is_read": false, "read_at": nil},
	})
	return &dto, nil
}

// MarkAllRead marks all notifications for the user as read.
func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) error {
	ctx = ensureContext(ctx)
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).
		Model(&models.Notification{}).
		Where("user_id = ? AND is_read = ?", userID, false).
		Updates(map[string]any{"is_read": true, "read_at": now}).Error; err != nil {
		return fmt.Errorf("notification service: mark all read: %w", err)
	}

	s.broadcast(userID, realtime.EventNotificationReadAll, nil)
	return nil
}

// MarkProcessed records a terminal decision on an actionable notification:
// processed flag set, decision status patched into metadata, read flag set.
func (s *NotificationService) MarkProcessed(ctx context.Context, userID, notificationID, status string) (*NotificationDTO, error) {
	notification, err := s.load(ctx, userID, notificationID)
	if err != nil {
		return nil, err
	}

	metadata := decodeJSON(notification.Metadata)
	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	metadata["status"] = status

	encoded, err := encodeJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("notification service: marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	if err := s.db.WithContext(ensureContext(ctx)).Model(notification).
		Updates(map[string]any{
			"processed": true,
			"is_read":   true,
			"read_at":   now,
			"metadata":  encoded,
		}).Error; err != nil {
		return nil, fmt.Errorf("notification service: mark processed: %w", err)
	}

	notification.Processed = true
	notification.IsRead = true
	notification.ReadAt = &now
	notification.Metadata = encoded
	dto := mapNotification(*notification)

	s.broadcast(userID, realtime.EventNotificationUpdated, map[string]any{
		"id": notification.ID,
		"patch": map[string]any{
			"processed": true,
			"is_read":   true,
			"metadata":  map[string]any{"status": status},
		},
	})
	return &dto, nil
}

// Delete removes a notification owned by the supplied user.
func (s *NotificationService) Delete(ctx context.Context, userID, notificationID string) error {
	ctx = ensureContext(ctx)
	result := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", notificationID, userID).
		Delete(&models.Notification{})
	if result.Error != nil {
		return fmt.Errorf("notification service: delete notification: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}

	s.broadcast(userID, realtime.EventNotificationDeleted, map[string]any{
		"id": notificationID,
	})
	return nil
}

func (s *NotificationService) load(ctx context.Context, userID, notificationID string) (*models.Notification, error) {
	var notification models.Notification
	if err := s.db.WithContext(ensureContext(ctx)).
		Where("id = ? AND user_id = ?", notificationID, userID).
		First(&notification).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("notification service: load notification: %w", err)
	}
	return &notification, nil
}

func (s *NotificationService) broadcast(userID, event string, payload map[string]any) {
	if s.hub == nil {
		return
	}
	metrics.EventsDispatched.WithLabelValues(event).Inc()
	message := realtime.Message{
		Stream: realtime.StreamNotifications,
		Event:  event,
	}
	if payload != nil {
		message.Data = payload
	}
	s.hub.BroadcastToUser(realtime.StreamNotifications, userID, message)
}

func mapNotificationRows(rows []models.Notification) []NotificationDTO {
	items := make([]NotificationDTO, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapNotification(row))
	}
	return items
}

func mapNotification(row models.Notification) NotificationDTO {
	return NotificationDTO{
		ID:        row.ID,
		UserID:    row.UserID,
		Kind:      defaultIfEmpty(row.Kind, models.NotificationGeneric),
		Title:     row.Title,
		Message:   row.Message,
		Metadata:  decodeJSON(row.Metadata),
		IsRead:    row.IsRead,
		Processed: row.Processed,
		CreatedAt: row.CreatedAt,
		ReadAt:    row.ReadAt,
	}
}
