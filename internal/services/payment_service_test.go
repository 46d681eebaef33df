package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/healthlink/pulse/internal/database/testutil"
	"github.com/healthlink/pulse/internal/models"
)

func TestPaymentServiceCreateAssignsCorrelationID(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	createTestUser(t, db, "user-1", "alice")

	svc, err := NewPaymentService(db, nil, PaymentServiceConfig{
		GatewayURL:      "https://pay.example.com",
		DefaultCurrency: "USD",
	})
	require.NoError(t, err)

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreatePaymentInput{
		UserID:      "user-1",
		Amount:      49.90,
		Description: "Consultation",
	})
	require.NoError(t, err)
	require.Equal(t, models.PaymentPending, dto.Status)
	require.Equal(t, "USD", dto.Currency)
	require.Contains(t, dto.RedirectURL, "https://pay.example.com/checkout/")

	var resource models.PaymentResource
	require.NoError(t, db.First(&resource, "id = ?", dto.ID).Error)
	require.True(t, strings.HasPrefix(resource.CorrelationID, "PAY_user-1_"))
	// The suffix is server-assigned and never part of the create response.
	require.NotContains(t, dto.RedirectURL, resource.CorrelationID)
}

func TestPaymentServiceCreateRejectsNonPositiveAmount(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewPaymentService(db, nil, PaymentServiceConfig{})
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), CreatePaymentInput{UserID: "user-1", Amount: 0})
	require.Error(t, err)
}

func TestPaymentServiceConfirmSettlesOnce(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	createTestUser(t, db, "user-1", "alice")

	svc, err := NewPaymentService(db, nil, PaymentServiceConfig{})
	require.NoError(t, err)

	ctx := context.Background()
	dto, err := svc.Create(ctx, CreatePaymentInput{UserID: "user-1", Amount: 10})
	require.NoError(t, err)

	var resource models.PaymentResource
	require.NoError(t, db.First(&resource, "id = ?", dto.ID).Error)

	require.NoError(t, svc.Confirm(ctx, ConfirmPaymentInput{
		CorrelationID: resource.CorrelationID,
		Status:        models.PaymentSuccess,
		Receipt:       "rcpt-1",
	}))

	require.NoError(t, db.First(&resource, "id = ?", dto.ID).Error)
	require.Equal(t, models.PaymentSuccess, resource.Status)
	require.Equal(t, "rcpt-1", resource.Receipt)
	require.NotNil(t, resource.SettledAt)

	// A replayed webhook with a contradictory status must not flip the outcome.
	require.NoError(t, svc.Confirm(ctx, ConfirmPaymentInput{
		CorrelationID: resource.CorrelationID,
		Status:        models.PaymentFailed,
	}))
	require.NoError(t, db.First(&resource, "id = ?", dto.ID).Error)
	require.Equal(t, models.PaymentSuccess, resource.Status)
}

func TestPaymentServiceConfirmUnknownCorrelation(t *testing.T) {
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	svc, err := NewPaymentService(db, nil, PaymentServiceConfig{})
	require.NoError(t, err)

	err = svc.Confirm(context.Background(), ConfirmPaymentInput{
		CorrelationID: "PAY_unknown_x",
		Status:        models.PaymentSuccess,
	})
	require.Error(t, err)
}
