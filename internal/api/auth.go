package api

import (
	"net/http"

	"subscription-api/internal/response"
	"subscription-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// LoginRequest represents a token request
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login issues an access token for valid credentials
// POST /api/v1/auth/token
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid request format: "+err.Error())
		return
	}

	token, err := h.Tokens.Authenticate(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		logging.Warnf("Failed login attempt for %s: %v", req.Email, err)
		response.ErrorJSON(c, http.StatusUnauthorized, "Invalid email or password")
		return
	}

	response.SuccessJSON(c, gin.H{
		"access_token": token,
		"token_type":   "bearer",
	})
}
