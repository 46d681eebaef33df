package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/healthlink/pulse/internal/database/testutil"
	"github.com/healthlink/pulse/internal/models"
	apperrors "github.com/healthlink/pulse/pkg/errors"
)

func newAccessFixture(t *testing.T) (*AccessRequestService, *NotificationService, context.Context) {
	t.Helper()
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	createTestUser(t, db, "patient-1", "alice")
	createTestUser(t, db, "doctor-1", "bob")

	notifications, err := NewNotificationService(db, nil)
	require.NoError(t, err)
	svc, err := NewAccessRequestService(db, notifications, time.Hour)
	require.NoError(t, err)

	return svc, notifications, context.Background()
}

func TestAccessRequestCreateNotifiesOwner(t *testing.T) {
	svc, notifications, ctx := newAccessFixture(t)

	dto, err := svc.Create(ctx, CreateAccessRequestInput{
		RequesterID: "doctor-1",
		OwnerID:     "patient-1",
		ResourceID:  "record-1",
		Reason:      "follow-up",
	})
	require.NoError(t, err)
	require.Equal(t, models.AccessRequestPending, dto.Status)
	require.NotNil(t, dto.ExpiresAt)

	items, _, err := notifications.List(ctx, ListNotificationsInput{UserID: "patient-1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, models.NotificationAccessRequested, items[0].Kind)
	require.Equal(t, dto.ID, items[0].Metadata["request_id"])
}

func TestAccessRequestDuplicatePendingRejected(t *testing.T) {
	svc, _, ctx := newAccessFixture(t)

	input := CreateAccessRequestInput{
		RequesterID: "doctor-1",
		OwnerID:     "patient-1",
		ResourceID:  "record-1",
	}
	_, err := svc.Create(ctx, input)
	require.NoError(t, err)

	_, err = svc.Create(ctx, input)
	require.ErrorIs(t, err, apperrors.ErrDuplicateRequest)
}

func TestAccessRequestDeniedMayBeRetried(t *testing.T) {
	svc, _, ctx := newAccessFixture(t)

	first, err := svc.Create(ctx, CreateAccessRequestInput{
		RequesterID: "doctor-1", OwnerID: "patient-1", ResourceID: "record-1",
	})
	require.NoError(t, err)

	_, err = svc.Decide(ctx, "patient-1", first.ID, models.AccessRequestDenied)
	require.NoError(t, err)

	second, err := svc.Create(ctx, CreateAccessRequestInput{
		RequesterID: "doctor-1", OwnerID: "patient-1", ResourceID: "record-1",
	})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestAccessRequestDecideIsTerminalOnce(t *testing.T) {
	svc, notifications, ctx := newAccessFixture(t)

	dto, err := svc.Create(ctx, CreateAccessRequestInput{
		RequesterID: "doctor-1", OwnerID: "patient-1", ResourceID: "record-1",
	})
	require.NoError(t, err)

	decided, err := svc.Decide(ctx, "patient-1", dto.ID, models.AccessRequestApproved)
	require.NoError(t, err)
	require.Equal(t, models.AccessRequestApproved, decided.Status)
	require.NotNil(t, decided.RespondedAt)

	// No transition leaves a terminal state.
	_, err = svc.Decide(ctx, "patient-1", dto.ID, models.AccessRequestDenied)
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)

	items, _, err := notifications.List(ctx, ListNotificationsInput{UserID: "doctor-1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, models.NotificationAccessApproved, items[0].Kind)
	require.Equal(t, models.AccessRequestApproved, items[0].Metadata["status"])
}

func TestAccessRequestDecideChecksOwnership(t *testing.T) {
	svc, _, ctx := newAccessFixture(t)

	dto, err := svc.Create(ctx, CreateAccessRequestInput{
		RequesterID: "doctor-1", OwnerID: "patient-1", ResourceID: "record-1",
	})
	require.NoError(t, err)

	_, err = svc.Decide(ctx, "doctor-1", dto.ID, models.AccessRequestApproved)
	require.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestAccessRequestStatusFor(t *testing.T) {
	svc, _, ctx := newAccessFixture(t)

	status, err := svc.StatusFor(ctx, "doctor-1", "record-1")
	require.NoError(t, err)
	require.Nil(t, status)

	_, err = svc.Create(ctx, CreateAccessRequestInput{
		RequesterID: "doctor-1", OwnerID: "patient-1", ResourceID: "record-1",
	})
	require.NoError(t, err)

	status, err = svc.StatusFor(ctx, "doctor-1", "record-1")
	require.NoError(t, err)
	require.NotNil(t, status)
	require.Equal(t, models.AccessRequestPending, status.Status)
}

func TestAccessRequestExpirePending(t *testing.T) {
	svc, notifications, ctx := newAccessFixture(t)

	dto, err := svc.Create(ctx, CreateAccessRequestInput{
		RequesterID: "doctor-1", OwnerID: "patient-1", ResourceID: "record-1",
	})
	require.NoError(t, err)

	// Nothing expires before the TTL elapses.
	expired, err := svc.ExpirePending(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, expired)

	expired, err = svc.ExpirePending(ctx, time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, expired)

	status, err := svc.StatusFor(ctx, "doctor-1", "record-1")
	require.NoError(t, err)
	require.Equal(t, models.AccessRequestDenied, status.Status)
	require.Equal(t, dto.ID, status.ID)

	items, _, err := notifications.List(ctx, ListNotificationsInput{UserID: "doctor-1"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "expired", items[0].Metadata["reason"])
}
