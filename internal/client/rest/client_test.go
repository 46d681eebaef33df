package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/healthlink/pulse/internal/client/payment"
	apperrors "github.com/healthlink/pulse/pkg/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Config{
		BaseURL: srv.URL,
		Token:   func() string { return "tok-1" },
	})
	require.NoError(t, err)
	return client
}

func TestListDecodesEnvelopeAndMeta(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/notifications", r.URL.Path)
		require.Equal(t, "2", r.URL.Query().Get("page"))
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{
					"id": "n1", "kind": "access.requested", "title": "Access requested",
					"is_read": false,
					"metadata": map[string]any{"request_id": "r1"},
				},
			},
			"meta": map[string]any{"page": 2, "per_page": 10, "total": 31, "total_pages": 4},
		})
	})

	items, pagination, err := client.List(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "n1", items[0].ID)
	require.Equal(t, "r1", items[0].Metadata["request_id"])
	require.False(t, items[0].IsRead)
	require.Equal(t, 2, pagination.Page)
	require.Equal(t, 4, pagination.TotalPages)
	require.EqualValues(t, 31, pagination.TotalElements)
}

func TestErrorEnvelopeBecomesRemoteCallError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]string{"code": "DUPLICATE_REQUEST", "message": "already pending"},
		})
	})

	_, err := client.CreateAccessRequest(context.Background(), "owner", "res", "")
	require.Error(t, err)

	appErr := apperrors.FromError(err)
	require.Equal(t, "DUPLICATE_REQUEST", appErr.Code)
	require.Equal(t, "already pending", appErr.Message)
}

func TestNonJSONErrorBodyStillFails(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream exploded"))
	})

	err := client.MarkRead(context.Background(), "n1")
	require.Error(t, err)
	require.Equal(t, "HTTP_502", apperrors.FromError(err).Code)
}

func TestCreatePaymentResource(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/payments", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.EqualValues(t, 42.5, body["amount"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"id": "res-1", "amount": 42.5, "currency": "USD",
				"status": "PENDING", "redirect_url": "https://pay.example/checkout/res-1",
			},
		})
	})

	resource, err := client.CreatePaymentResource(context.Background(), payment.CreateInput{Amount: 42.5})
	require.NoError(t, err)
	require.Equal(t, "res-1", resource.ID)
	require.Equal(t, "https://pay.example/checkout/res-1", resource.RedirectURL)
	require.Equal(t, "PENDING", resource.Status)
}

func TestDecideSendsDecision(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/access-requests/req-1/decision", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "APPROVED", body["decision"])

		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{"id": "req-1"}})
	})

	require.NoError(t, client.Decide(context.Background(), "req-1", "APPROVED"))
}

func TestLoginReturnsCredentials(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/login", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"token": "jwt-1", "user_id": "u1", "role": "patient"},
		})
	})

	creds, err := client.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "jwt-1", creds.Token)
	require.Equal(t, "u1", creds.UserID)
	require.True(t, creds.Valid())
}
