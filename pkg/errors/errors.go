package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError provides a structured error that can be rendered to API consumers
// and inspected programmatically by the sync engine.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"-"`
	Internal   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}

	if e.Internal != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Internal)
	}

	return e.Message
}

// Unwrap exposes the internal error for errors.Is / errors.As compatibility.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Internal
}

// WithInternal returns a copy of the AppError with an attached internal error.
func (e *AppError) WithInternal(err error) *AppError {
	if e == nil {
		return nil
	}

	cpy := *e
	cpy.Internal = err
	return &cpy
}

// Common errors exposed to the rest of the application.
var (
	ErrUnauthorized = &AppError{
		Code:       "UNAUTHORIZED",
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrInvalidCredentials = &AppError{
		Code:       "INVALID_CREDENTIALS",
		Message:    "Invalid username or password",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       "FORBIDDEN",
		Message:    "Permission denied",
		StatusCode: http.StatusForbidden,
	}

	ErrNotFound = &AppError{
		Code:       "NOT_FOUND",
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrBadRequest = &AppError{
		Code:       "BAD_REQUEST",
		Message:    "Invalid request",
		StatusCode: http.StatusBadRequest,
	}

	ErrInternalServer = &AppError{
		Code:       "INTERNAL_SERVER_ERROR",
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	// ErrTransport reports push-channel connectivity failures. Non-fatal:
	// the channel retries on its own and existing subscriptions survive.
	ErrTransport = &AppError{
		Code:       "TRANSPORT_ERROR",
		Message:    "Push channel connection failed",
		StatusCode: http.StatusServiceUnavailable,
	}

	// ErrRemoteCall reports a failed listing/approval/payment call. The
	// local state is left untouched and the caller may retry manually.
	ErrRemoteCall = &AppError{
		Code:       "REMOTE_CALL_FAILED",
		Message:    "Remote operation failed",
		StatusCode: http.StatusBadGateway,
	}

	// ErrMissingCorrelation reports a decision notification without the
	// request id metadata a user action needs. Unlike a prefix mismatch
	// this is a data error and is surfaced loudly.
	ErrMissingCorrelation = &AppError{
		Code:       "MISSING_CORRELATION",
		Message:    "Notification is missing its correlated request id",
		StatusCode: http.StatusUnprocessableEntity,
	}

	// ErrPopupBlocked reports that the external payment window could not
	// be opened. The payment attempt is aborted and reverted.
	ErrPopupBlocked = &AppError{
		Code:       "POPUP_BLOCKED",
		Message:    "Payment window could not be opened",
		StatusCode: http.StatusConflict,
	}

	// ErrAttemptInProgress rejects a new payment attempt while another is
	// still outstanding for the same user.
	ErrAttemptInProgress = &AppError{
		Code:       "PAYMENT_IN_PROGRESS",
		Message:    "A payment attempt is already outstanding",
		StatusCode: http.StatusConflict,
	}

	// ErrDuplicateRequest rejects a second PENDING access request for the
	// same requester and resource.
	ErrDuplicateRequest = &AppError{
		Code:       "DUPLICATE_REQUEST",
		Message:    "An access request for this resource is already pending",
		StatusCode: http.StatusConflict,
	}

	// ErrInvalidTransition rejects access-request transitions that leave a
	// terminal state or skip PENDING.
	ErrInvalidTransition = &AppError{
		Code:       "INVALID_TRANSITION",
		Message:    "Access request state transition not allowed",
		StatusCode: http.StatusConflict,
	}
)

// New builds a new application error with the provided metadata.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap turns any error into an AppError while keeping the original error for logging.
func Wrap(err error, message string) *AppError {
	return &AppError{
		Code:       "INTERNAL_ERROR",
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Internal:   err,
	}
}

// FromError converts a generic error into an AppError, defaulting to ErrInternalServer.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return ErrInternalServer.WithInternal(err)
}

// NewBadRequest wraps validation errors with a helpful message.
func NewBadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrBadRequest.Code,
		Message:    message,
		StatusCode: ErrBadRequest.StatusCode,
	}
}

// NewRemoteCall builds a remote-call error carrying the upstream code and message.
func NewRemoteCall(code, message string) *AppError {
	if code == "" {
		code = ErrRemoteCall.Code
	}
	if message == "" {
		message = ErrRemoteCall.Message
	}
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: ErrRemoteCall.StatusCode,
	}
}
