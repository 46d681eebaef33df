package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/healthlink/pulse/internal/middleware"
	"github.com/healthlink/pulse/internal/services"
	"github.com/healthlink/pulse/pkg/errors"
	"github.com/healthlink/pulse/pkg/response"
	"github.com/healthlink/pulse/pkg/validator"
)

// AccessRequestHandler exposes the approval workflow endpoints.
type AccessRequestHandler struct {
	service *services.AccessRequestService
}

// NewAccessRequestHandler constructs an access request handler.
func NewAccessRequestHandler(service *services.AccessRequestService) *AccessRequestHandler {
	return &AccessRequestHandler{service: service}
}

type createAccessRequestBody struct {
	OwnerID    string `json:"owner_id" validate:"required"`
	ResourceID string `json:"resource_id" validate:"required"`
	Reason     string `json:"reason" validate:"max=2000"`
}

type decideBody struct {
	Decision string `json:"decision" validate:"required,oneof=APPROVED DENIED"`
}

// Create registers a new access request from the current user.
func (h *AccessRequestHandler) Create(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var body createAccessRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, errors.ErrBadRequest)
		return
	}
	if err := validator.ValidateStruct(body); err != nil {
		response.Error(c, errors.NewBadRequest(err.Error()))
		return
	}

	dto, err := h.service.Create(c.Request.Context(), services.CreateAccessRequestInput{
		RequesterID: userID,
		OwnerID:     body.OwnerID,
		ResourceID:  body.ResourceID,
		Reason:      body.Reason,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusCreated, dto)
}

// Decide records the owner's decision on a pending request.
func (h *AccessRequestHandler) Decide(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	var body decideBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, errors.ErrBadRequest)
		return
	}
	if err := validator.ValidateStruct(body); err != nil {
		response.Error(c, errors.NewBadRequest(err.Error()))
		return
	}

	requestID := strings.TrimSpace(c.Param("id"))
	dto, err := h.service.Decide(c.Request.Context(), userID, requestID, body.Decision)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, dto)
}

// Status reports the current user's most recent request for a resource.
func (h *AccessRequestHandler) Status(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	resourceID := strings.TrimSpace(c.Query("resource_id"))
	if resourceID == "" {
		response.Error(c, errors.NewBadRequest("resource_id is required"))
		return
	}

	dto, err := h.service.StatusFor(c.Request.Context(), userID, resourceID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if dto == nil {
		response.Success(c, http.StatusOK, gin.H{"status": "NO_REQUEST"})
		return
	}

	response.Success(c, http.StatusOK, dto)
}
