package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/legitprove/middleman/internal/validation"
)

// Handler provides HTTP endpoints for middleman request operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new request handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) request routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/requests/:id", h.GetRequest)
	r.GET("/requests/:id/status", h.GetStatus)
	r.GET("/requests/:id/confirmations", h.GetConfirmations)
	r.GET("/requests/:id/payment", h.GetPayment)
	r.GET("/requests/:id/terms", h.GetTerms)
}

// RegisterProtectedRoutes sets up protected (auth-required) request routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/requests", h.CreateRequest)
	r.GET("/requests", h.ListRequests)
	r.POST("/requests/:id/accept", h.AcceptRequest)
	r.POST("/requests/:id/paid", h.MarkPaid)
	r.POST("/requests/:id/complete", h.CompleteRequest)
	r.POST("/codes/send", h.SendCode)
	r.POST("/codes/redeem", h.RedeemCode)
}

// CreateRequest handles POST /v1/requests
func (h *Handler) CreateRequest(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidRole("role", req.Role),
		validation.ValidEmail("email", req.Email),
		validation.ValidEmail("counterparty_email", req.CounterpartyEmail),
		validation.ValidAmount("price", req.Price),
		validation.MaxLength("category", req.Category, 100),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	request, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"request": request})
}

// GetRequest handles GET /v1/requests/:id
func (h *Handler) GetRequest(c *gin.Context) {
	request, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": request})
}

// GetStatus handles GET /v1/requests/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	request, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     request.ID,
		"status": request.Status,
	})
}

// GetConfirmations handles GET /v1/requests/:id/confirmations
func (h *Handler) GetConfirmations(c *gin.Context) {
	buyer, seller, err := h.service.ConfirmationStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"buyerConfirmed":  buyer,
		"sellerConfirmed": seller,
	})
}

// GetPayment handles GET /v1/requests/:id/payment
func (h *Handler) GetPayment(c *gin.Context) {
	request, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     request.ID,
		"isPaid": request.IsPaid,
	})
}

// GetTerms handles GET /v1/requests/:id/terms
func (h *Handler) GetTerms(c *gin.Context) {
	request, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":       request.ID,
		"category": request.Category,
		"price":    request.Price,
		"currency": request.Currency,
	})
}

// ListRequests handles GET /v1/requests?email=
func (h *Handler) ListRequests(c *gin.Context) {
	email := c.Query("email")
	if errs := validation.Validate(
		validation.Required("email", email),
		validation.ValidEmail("email", email),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 500 {
				limit = 500
			}
		}
	}

	grouped, err := h.service.ListByParticipant(c.Request.Context(), email, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	count := 0
	for _, reqs := range grouped {
		count += len(reqs)
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": grouped,
		"count":    count,
	})
}

// AcceptRequest handles POST /v1/requests/:id/accept
func (h *Handler) AcceptRequest(c *gin.Context) {
	request, err := h.service.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": request})
}

// MarkPaid handles POST /v1/requests/:id/paid
func (h *Handler) MarkPaid(c *gin.Context) {
	request, err := h.service.MarkPaid(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": request})
}

// CompleteRequest handles POST /v1/requests/:id/complete
func (h *Handler) CompleteRequest(c *gin.Context) {
	request, err := h.service.Complete(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"request": request})
}

type codeRequest struct {
	RequestID string `json:"requestId" binding:"required"`
	Email     string `json:"email" binding:"required"`
	Role      string `json:"role" binding:"required"`
	Code      string `json:"code"`
}

// SendCode handles POST /v1/codes/send
func (h *Handler) SendCode(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requestId, email and role are required",
		})
		return
	}

	role, err := ParseRole(req.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if _, err := h.service.IssueCode(c.Request.Context(), req.RequestID, req.Email, role); err != nil {
		h.respondError(c, err)
		return
	}

	// The code travels by email, never in the response.
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// RedeemCode handles POST /v1/codes/redeem
func (h *Handler) RedeemCode(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "requestId, email, role and code are required",
		})
		return
	}

	role, err := ParseRole(req.Role)
	if err != nil {
		h.respondError(c, err)
		return
	}

	result, err := h.service.Redeem(c.Request.Context(), req.RequestID, req.Email, role, req.Code)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"confirmation": result})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, ErrCodeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrCodeExpired):
		status = http.StatusConflict
		code = "code_expired"
	case errors.Is(err, ErrCodeUsed):
		status = http.StatusConflict
		code = "code_used"
	case errors.Is(err, ErrCodeMismatch):
		status = http.StatusBadRequest
		code = "code_mismatch"
	case errors.Is(err, ErrInvalidRole), errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
		code = "storage_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
