package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/legitprove/middleman/internal/validation"
)

// Handler provides HTTP endpoints for settlement operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required settlement routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/settlement/balance", h.GetBalance)
	r.POST("/settlement/withdraw", h.Withdraw)
	r.GET("/settlement/withdrawals", h.ListWithdrawals)
}

// GetBalance handles GET /v1/settlement/balance?email=
func (h *Handler) GetBalance(c *gin.Context) {
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

	amount, err := h.service.Balance(c.Request.Context(), email)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"email":  email,
		"amount": amount,
	})
}

// Withdraw handles POST /v1/settlement/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var params WithdrawParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email, cryptoCurrency and walletAddress are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidEmail("email", params.Email),
		validation.MaxLength("wallet_address", params.WalletAddress, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	if params.UserID == "" {
		params.UserID = c.GetString("authUserID")
	}

	wr, err := h.service.Withdraw(c.Request.Context(), params)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"withdrawal": wr})
}

// ListWithdrawals handles GET /v1/settlement/withdrawals?email=
func (h *Handler) ListWithdrawals(c *gin.Context) {
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

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	wrs, err := h.service.History(c.Request.Context(), email, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"withdrawals": wrs,
		"count":       len(wrs),
	})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNothingToWithdraw):
		status = http.StatusConflict
		code = "nothing_to_withdraw"
	case errors.Is(err, ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
		code = "storage_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
