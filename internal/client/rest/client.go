package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/healthlink/pulse/internal/client/access"
	"github.com/healthlink/pulse/internal/client/payment"
	"github.com/healthlink/pulse/internal/client/session"
	"github.com/healthlink/pulse/internal/client/store"
	apperrors "github.com/healthlink/pulse/pkg/errors"
)

const defaultTimeout = 15 * time.Second

// Client is the HTTP implementation of the remote collaborators the client
// core depends on: the listing service, the approval service and the
// payment-resource service. It decodes the backend's response envelope and
// turns non-2xx responses into remote-call errors carrying the server's
// error code and message.
type Client struct {
	baseURL string
	http    *http.Client
	token   func() string
}

// Config wires a Client.
type Config struct {
	// BaseURL is the backend origin, e.g. http://localhost:8000.
	BaseURL string
	// HTTPClient is optional; a timeout-bounded default is used otherwise.
	HTTPClient *http.Client
	// Token supplies the current bearer token per request, typically
	// session.Provider.Current().Token.
	Token func() string
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("rest client: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	token := cfg.Token
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{baseURL: base, http: httpClient, token: token}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Meta *struct {
		Page       int   `json:"page"`
		PerPage    int   `json:"per_page"`
		Total      int64 `json:"total"`
		TotalPages int   `json:"total_pages"`
	} `json:"meta"`
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

// Login authenticates and returns session credentials for the provider.
func (c *Client) Login(ctx context.Context, username, password string) (session.Credentials, error) {
	body := map[string]string{"username": username, "password": password}
	env, err := c.do(ctx, http.MethodPost, "/api/auth/login", body)
	if err != nil {
		return session.Credentials{}, err
	}

	var result struct {
		Token  string `json:"token"`
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return session.Credentials{}, apperrors.Wrap(err, "rest client: decode login")
	}
	return session.Credentials{Token: result.Token, UserID: result.UserID}, nil
}

// List fetches one page of notifications.
func (c *Client) List(ctx context.Context, page, size int) ([]store.Notification, store.Pagination, error) {
	path := "/api/notifications?" + url.Values{
		"page": {strconv.Itoa(page)},
		"size": {strconv.Itoa(size)},
	}.Encode()

	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, store.Pagination{}, err
	}

	var rows []notificationPayload
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return nil, store.Pagination{}, apperrors.Wrap(err, "rest client: decode notifications")
	}

	items := make([]store.Notification, 0, len(rows))
	for _, row := range rows {
		items = append(items, store.Notification{
			ID:        row.ID,
			Kind:      row.Kind,
			Title:     row.Title,
			Message:   row.Message,
			Metadata:  row.Metadata,
			IsRead:    row.IsRead,
			Processed: row.Processed,
			CreatedAt: row.CreatedAt,
			ReadAt:    row.ReadAt,
		})
	}

	pagination := store.Pagination{Page: page, Size: size}
	if env.Meta != nil {
		pagination = store.Pagination{
			Page:          env.Meta.Page,
			Size:          env.Meta.PerPage,
			TotalPages:    env.Meta.TotalPages,
			TotalElements: env.Meta.Total,
		}
	}
	return items, pagination, nil
}

// MarkRead confirms a read toggle remotely.
func (c *Client) MarkRead(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/read", nil)
	return err
}

// MarkUnread confirms an unread toggle remotely.
func (c *Client) MarkUnread(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/unread", nil)
	return err
}

// MarkAllRead marks every notification read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil)
	return err
}

// MarkProcessed records a terminal decision on a notification.
func (c *Client) MarkProcessed(ctx context.Context, id, status string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/processed",
		map[string]string{"status": status})
	return err
}

// Delete removes a notification.
func (c *Client) Delete(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(id), nil)
	return err
}

// CreateAccessRequest registers a new access request with the approval service.
func (c *Client) CreateAccessRequest(ctx context.Context, ownerID, resourceID, reason string) (access.Request, error) {
	body := map[string]string{"owner_id": ownerID, "resource_id": resourceID, "reason": reason}
	env, err := c.do(ctx, http.MethodPost, "/api/access-requests", body)
	if err != nil {
		return access.Request{}, err
	}

	var payload struct {
		ID          string `json:"id"`
		RequesterID string `json:"requester_id"`
		OwnerID     string `json:"owner_id"`
		ResourceID  string `json:"resource_id"`
		Status      string `json:"status"`
		Reason      string `json:"reason"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return access.Request{}, apperrors.Wrap(err, "rest client: decode access request")
	}
	return access.Request{
		ID:          payload.ID,
		RequesterID: payload.RequesterID,
		OwnerID:     payload.OwnerID,
		ResourceID:  payload.ResourceID,
		Status:      access.Status(payload.Status),
		Reason:      payload.Reason,
	}, nil
}

// Decide records an owner decision on a request.
func (c *Client) Decide(ctx context.Context, requestID, decision string) error {
	_, err := c.do(ctx, http.MethodPost,
		"/api/access-requests/"+url.PathEscape(requestID)+"/decision",
		map[string]string{"decision": decision})
	return err
}

// AccessRequestStatus fetches the caller's most recent request for a resource.
func (c *Client) AccessRequestStatus(ctx context.Context, resourceID string) (access.Status, string, error) {
	path := "/api/access-requests/status?" + url.Values{"resource_id": {resourceID}}.Encode()
	env, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", "", err
	}

	var payload struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return "", "", apperrors.Wrap(err, "rest client: decode request status")
	}
	if payload.Status == "" {
		return access.NoRequest, "", nil
	}
	return access.Status(payload.Status), payload.ID, nil
}

// CreatePaymentResource creates the remote payment resource.
func (c *Client) CreatePaymentResource(ctx context.Context, input payment.CreateInput) (payment.Resource, error) {
	body := map[string]any{
		"amount":      input.Amount,
		"currency":    input.Currency,
		"description": input.Description,
	}
	env, err := c.do(ctx, http.MethodPost, "/api/payments", body)
	if err != nil {
		return payment.Resource{}, err
	}

	var payload struct {
		ID          string  `json:"id"`
		Amount      float64 `json:"amount"`
		Currency    string  `json:"currency"`
		Status      string  `json:"status"`
		RedirectURL string  `json:"redirect_url"`
	}
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return payment.Resource{}, apperrors.Wrap(err, "rest client: decode payment resource")
	}
	return payment.Resource{
		ID:          payload.ID,
		Amount:      payload.Amount,
		Currency:    payload.Currency,
		Status:      payload.Status,
		RedirectURL: payload.RedirectURL,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(err, "rest client: encode request")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, apperrors.Wrap(err, "rest client: build request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperrors.Wrap(err, "rest client: "+method+" "+path)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode >= 400 {
			return nil, apperrors.NewRemoteCall("HTTP_"+strconv.Itoa(resp.StatusCode), resp.Status)
		}
		return nil, apperrors.Wrap(err, "rest client: decode response")
	}

	if resp.StatusCode >= 400 || !env.Success {
		code := "REMOTE_CALL_FAILED"
		message := resp.Status
		if env.Error != nil {
			code = env.Error.Code
			message = env.Error.Message
		}
		return nil, apperrors.NewRemoteCall(code, message)
	}
	return &env, nil
}
