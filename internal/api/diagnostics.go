package api

import (
	"strings"

	"subscription-api/internal/config"
	"subscription-api/internal/response"
	"subscription-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// TestConnection checks the Apple trust configuration and whether the
// issuer key endpoint is reachable, without performing any mutation.
// GET /api/v1/appstore/test-connection
func (h *Handler) TestConnection(c *gin.Context) {
	cfg := config.AppConfig

	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"APPLE_PRIVATE_KEY_ID", cfg.ApplePrivateKeyID},
		{"APPLE_TEAM_ID", cfg.AppleTeamID},
		{"APPLE_BUNDLE_ID", cfg.AppleBundleID},
		{"APPLE_ISSUER_ID", cfg.AppleIssuerID},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}

	if len(missing) > 0 {
		response.SuccessJSON(c, gin.H{
			"status":  "error",
			"message": "Missing required Apple configuration: " + strings.Join(missing, ", "),
		})
		return
	}

	if err := h.Keys.Reachable(c.Request.Context()); err != nil {
		logging.Errorf("Error reaching Apple key endpoint: %v", err)
		response.SuccessJSON(c, gin.H{
			"status":  "error",
			"message": "Error connecting to Apple servers: " + err.Error(),
		})
		return
	}

	response.SuccessJSON(c, gin.H{
		"status":  "success",
		"message": "Successfully connected to Apple servers and verified configuration.",
	})
}
