package payments

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the payment-intent flow.
type Handler struct {
	service *Service
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required payment routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/intent", h.CreateIntent)
	r.POST("/payments/confirm", h.ConfirmPayment)
}

type intentRequest struct {
	RequestID string `json:"requestId" binding:"required"`
}

type confirmRequest struct {
	RequestID       string `json:"requestId" binding:"required"`
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
}

// CreateIntent handles POST /v1/payments/intent
func (h *Handler) CreateIntent(c *gin.Context) {
	var req intentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requestId is required",
		})
		return
	}

	intent, err := h.service.CreateIntent(c.Request.Context(), req.RequestID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

// ConfirmPayment handles POST /v1/payments/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requestId and paymentIntentId are required",
		})
		return
	}

	if err := h.service.ConfirmPayment(c.Request.Context(), req.RequestID, req.PaymentIntentID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRequestNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAlreadyPaid):
		status = http.StatusConflict
		code = "already_paid"
	case errors.Is(err, ErrPaymentIncomplete):
		status = http.StatusBadRequest
		code = "payment_incomplete"
	case errors.Is(err, ErrNotConfigured):
		status = http.StatusServiceUnavailable
		code = "payments_disabled"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
