package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kiraclass/kira-backend/internal/apperr"
	"github.com/kiraclass/kira-backend/internal/logger"
	"github.com/kiraclass/kira-backend/internal/middleware"
	"github.com/kiraclass/kira-backend/internal/services"
	"github.com/kiraclass/kira-backend/internal/types"
)

type AuthHandler struct {
	log     *logger.Logger
	authSvc services.AuthService
}

func NewAuthHandler(log *logger.Logger, authSvc services.AuthService) *AuthHandler {
	return &AuthHandler{
		log:     log.With("handler", "AuthHandler"),
		authSvc: authSvc,
	}
}

type authResponse struct {
	Token string      `json:"token"`
	User  *types.User `json:"user"`
}

// POST /auth/register
func (h *AuthHandler) Register(c *gin.Context) {
	var req struct {
		TenantID  uuid.UUID `json:"tenant_id"`
		Email     string    `json:"email"`
		Password  string    `json:"password"`
		FirstName string    `json:"first_name"`
		LastName  string    `json:"last_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	user, token, err := h.authSvc.RegisterStudent(c.Request.Context(), req.TenantID, req.Email, req.Password, req.FirstName, req.LastName)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, authResponse{Token: token, User: user})
}

// POST /auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	user, token, err := h.authSvc.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, authResponse{Token: token, User: user})
}

// POST /admin/invite (super_admin only)
func (h *AuthHandler) InviteAdmin(c *gin.Context) {
	claims, err := middleware.CurrentClaims(c)
	if err != nil {
		RespondErr(c, apperr.Unauthorized(err))
		return
	}
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.authSvc.InviteAdmin(c.Request.Context(), claims.TenantID, req.Email); err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "invited"})
}

// POST /auth/complete-invite
func (h *AuthHandler) CompleteInvite(c *gin.Context) {
	var req struct {
		TenantID  uuid.UUID `json:"tenant_id"`
		Email     string    `json:"email"`
		Code      string    `json:"code"`
		Password  string    `json:"password"`
		FirstName string    `json:"first_name"`
		LastName  string    `json:"last_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	user, token, err := h.authSvc.CompleteAdminInvite(c.Request.Context(), req.TenantID, req.Email, req.Code, req.Password, req.FirstName, req.LastName)
	if err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, authResponse{Token: token, User: user})
}

// POST /auth/request-reset
func (h *AuthHandler) RequestReset(c *gin.Context) {
	var req struct {
		Email string `json:"email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.authSvc.RequestPasswordReset(c.Request.Context(), req.Email); err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "ok"})
}

// POST /auth/confirm-reset
func (h *AuthHandler) ConfirmReset(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Code     string `json:"code"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondErr(c, apperr.Validation("invalid request body: %v", err))
		return
	}
	if err := h.authSvc.ResetPassword(c.Request.Context(), req.Email, req.Code, req.Password); err != nil {
		RespondErr(c, err)
		return
	}
	RespondOK(c, gin.H{"status": "password updated"})
}
