package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/healthlink/pulse/internal/middleware"
	"github.com/healthlink/pulse/internal/services"
	"github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/response"
	"github.com/healthlink/pulse/pkg/validator"
)

// PaymentHandler exposes payment resource creation and the gateway webhook.
type PaymentHandler struct {
	service *services.PaymentService
}

// NewPaymentHandler constructs a payment handler.
func NewPaymentHandler(service *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: service}
}

type createPaymentBody struct {
	Amount      float64 `json:"amount" validate:"required,gt=0"`
	Currency    string  `json:"currency" validate:"omitempty,len=3"`
	Description string  `json:"description" validate:"max=2000"`
}

type confirmPaymentBody struct {
	CorrelationID string `json:"correlation_id" validate:"required"`
	Status        string `json:"status" validate:"required,oneof=PROCESSING SUCCESS FAILED CANCELLED"`
	Message       string `json:"message"`
	Receipt       string `json:"receipt"`
	FailureCode   string `json:"failure_code"`
}

// Create registers a payment resource for the current user.
func (h *PaymentHandler) Create(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var body createPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, errors.ErrBadRequest)
		return
	}
	if err := validator.ValidateStruct(body); err != nil {
		response.Error(c, errors.NewBadRequest(err.Error()))
		return
	}

	dto, err := h.service.Create(c.Request.Context(), services.CreatePaymentInput{
		UserID:      userID,
		Amount:      body.Amount,
		Currency:    body.Currency,
		Description: body.Description,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, dto)
}

// Confirm receives a gateway confirmation. In production the route sits
// behind the gateway's shared-secret auth, not user auth.
func (h *PaymentHandler) Confirm(c *gin.Context) {
	var body confirmPaymentBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, errors.ErrBadRequest)
		return
	}
	if err := validator.ValidateStruct(body); err != nil {
		response.Error(c, errors.NewBadRequest(err.Error()))
		return
	}

	if err := h.service.Confirm(c.Request.Context(), services.ConfirmPaymentInput{
		CorrelationID: body.CorrelationID,
		Status:        body.Status,
		Message:       body.Message,
		Receipt:       body.Receipt,
		FailureCode:   body.FailureCode,
	}); err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"accepted": true})
}
