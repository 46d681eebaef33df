package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/healthlink/pulse/internal/database/testutil"
	"github.com/healthlink/pulse/internal/models"
	"github.com/healthlink/pulse/internal/realtime"
)

func createTestUser(t *testing.T, db *gorm.DB, id, username string) models.User {
	t.Helper()
	user := models.User{
		BaseModel: models.BaseModel{ID: id},
		Username:  username,
		Email:     username + "@example.com",
		Password:  "hash",
	}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func TestNotificationServiceCreateAndList(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	user := createTestUser(t, db, "user-1", "alice")

	svc, err := NewNotificationService(db, realtime.NewHub())
	require.NoError(t, err)

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreateNotificationInput{
		UserID:   user.ID,
		Kind:     models.NotificationAccessRequested,
		Title:    "Access requested",
		Message:  "Dr. Bob requested access to your record",
		Metadata: map[string]any{"request_id": "req-1"},
	})
	require.NoError(t, err)
	require.Equal(t, models.NotificationAccessRequested, dto.Kind)
	require.False(t, dto.IsRead)
	require.False(t, dto.Processed)

	items, info, err := svc.List(ctx, ListNotificationsInput{UserID: user.ID, Page: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, dto.ID, items[0].ID)
	require.Equal(t, "req-1", items[0].Metadata["request_id"])
	require.Equal(t, int64(1), info.TotalElements)
	require.Equal(t, 1, info.TotalPages)
}

func TestNotificationServiceListPaginates(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	user := createTestUser(t, db, "user-1", "alice")

	svc, err := NewNotificationService(db, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := svc.Create(ctx, CreateNotificationInput{
			UserID: user.ID,
			Kind:   models.NotificationGeneric,
			Title:  "update",
		})
		require.NoError(t, err)
	}

	items, info, err := svc.List(ctx, ListNotificationsInput{UserID: user.ID, Page: 2, Size: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, 2, info.Page)
	require.Equal(t, 3, info.TotalPages)
	require.Equal(t, int64(5), info.TotalElements)
}

func TestNotificationServiceMarkReadAndUnread(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	user := createTestUser(t, db, "user-1", "bob")

	svc, err := NewNotificationService(db, realtime.NewHub())
	require.NoError(t, err)

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreateNotificationInput{
		UserID: user.ID,
		Kind:   models.NotificationGeneric,
		Title:  "Prescription ready",
	})
	require.NoError(t, err)

	read, err := svc.MarkRead(ctx, user.ID, dto.ID)
	require.NoError(t, err)
	require.True(t, read.IsRead)
	require.NotNil(t, read.ReadAt)

	unread, err := svc.MarkUnread(ctx, user.ID, dto.ID)
	require.NoError(t, err)
	require.False(t, unread.IsRead)
	require.Nil(t, unread.ReadAt)
}

func TestNotificationServiceMarkProcessedPatchesMetadata(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	user := createTestUser(t, db, "user-1", "bob")

	svc, err := NewNotificationService(db, nil)
	require.NoError(t, err)

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreateNotificationInput{
		UserID:   user.ID,
		Kind:     models.NotificationAccessRequested,
		Title:    "Access requested",
		Metadata: map[string]any{"request_id": "req-9", "requester_name": "Alice"},
	})
	require.NoError(t, err)

	processed, err := svc.MarkProcessed(ctx, user.ID, dto.ID, models.AccessRequestApproved)
	require.NoError(t, err)
	require.True(t, processed.Processed)
	require.True(t, processed.IsRead)
	require.Equal(t, models.AccessRequestApproved, processed.Metadata["status"])
	// Unrelated metadata keys survive the patch.
	require.Equal(t, "req-9", processed.Metadata["request_id"])
	require.Equal(t, "Alice", processed.Metadata["requester_name"])
}

func TestNotificationServiceDeleteAndMarkAll(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	user := createTestUser(t, db, "user-1", "carol")

	svc, err := NewNotificationService(db, nil)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := svc.Create(ctx, CreateNotificationInput{
		UserID: user.ID, Kind: models.NotificationGeneric, Title: "one",
	})
	require.NoError(t, err)
	_, err = svc.Create(ctx, CreateNotificationInput{
		UserID: user.ID, Kind: models.NotificationGeneric, Title: "two",
	})
	require.NoError(t, err)

	require.NoError(t, svc.MarkAllRead(ctx, user.ID))

	items, _, err := svc.List(ctx, ListNotificationsInput{UserID: user.ID})
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		require.True(t, item.IsRead)
	}

	require.NoError(t, svc.Delete(ctx, user.ID, first.ID))
	require.Error(t, svc.Delete(ctx, user.ID, first.ID))

	items, _, err = svc.List(ctx, ListNotificationsInput{UserID: user.ID})
	require.NoError(t, err)
	require.Len(t, items, 1)
}
