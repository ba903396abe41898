package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/legitprove/middleman/internal/validation"
)

// Handler provides HTTP endpoints for account management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up public auth routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/signup", h.Signup)
	r.POST("/auth/verify", h.Verify)
	r.POST("/auth/resend", h.Resend)
	r.POST("/auth/login", h.Login)
	r.POST("/auth/forgot-password", h.ForgotPassword)
	r.POST("/auth/reset-password", h.ResetPassword)
}

// RegisterProtectedRoutes sets up auth-required account routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// Signup handles POST /v1/auth/signup
func (h *Handler) Signup(c *gin.Context) {
	var req SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and password are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidEmail("email", req.Email),
		validation.MaxLength("first_name", req.FirstName, 100),
		validation.MaxLength("last_name", req.LastName, 100),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}
	if len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "password must be at least 8 characters",
		})
		return
	}

	user, err := h.manager.Signup(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"user": user})
}

type verifyRequest struct {
	Email string `json:"email" binding:"required"`
	Code  string `json:"code" binding:"required"`
}

// Verify handles POST /v1/auth/verify
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and code are required",
		})
		return
	}

	if err := h.manager.Verify(c.Request.Context(), req.Email, req.Code); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"verified": true})
}

type resendRequest struct {
	Email string `json:"email" binding:"required"`
}

// Resend handles POST /v1/auth/resend
func (h *Handler) Resend(c *gin.Context) {
	var req resendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email is required",
		})
		return
	}

	if err := h.manager.ResendCode(c.Request.Context(), req.Email); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /v1/auth/login
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email and password are required",
		})
		return
	}

	token, user, err := h.manager.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token": token,
		"user":  user,
	})
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required"`
}

// ForgotPassword handles POST /v1/auth/forgot-password
func (h *Handler) ForgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email is required",
		})
		return
	}

	if err := h.manager.ForgotPassword(c.Request.Context(), req.Email); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sent": true})
}

type resetPasswordRequest struct {
	Email    string `json:"email" binding:"required"`
	Token    string `json:"token" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// ResetPassword handles POST /v1/auth/reset-password
func (h *Handler) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "email, token and password are required",
		})
		return
	}
	if len(req.Password) < 8 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "password must be at least 8 characters",
		})
		return
	}

	if err := h.manager.ResetPassword(c.Request.Context(), req.Email, req.Token, req.Password); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reset": true})
}

// Me handles GET /v1/auth/me
func (h *Handler) Me(c *gin.Context) {
	user, err := h.manager.GetUser(c.Request.Context(), AuthenticatedUserID(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEmailTaken):
		status = http.StatusConflict
		code = "email_taken"
	case errors.Is(err, ErrUserNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrInvalidCredentials):
		status = http.StatusUnauthorized
		code = "invalid_credentials"
	case errors.Is(err, ErrNotVerified):
		status = http.StatusForbidden
		code = "not_verified"
	case errors.Is(err, ErrAlreadyVerified):
		status = http.StatusConflict
		code = "already_verified"
	case errors.Is(err, ErrCodeExpired):
		status = http.StatusConflict
		code = "code_expired"
	case errors.Is(err, ErrCodeMismatch):
		status = http.StatusBadRequest
		code = "code_mismatch"
	case errors.Is(err, ErrResetInvalid):
		status = http.StatusBadRequest
		code = "reset_invalid"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
