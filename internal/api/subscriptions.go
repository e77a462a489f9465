package api

import (
	"net/http"
	"strconv"

	"subscription-api/internal/models"
	"subscription-api/internal/response"

	"github.com/gin-gonic/gin"
)

func currentUser(c *gin.Context) (*models.User, bool) {
	value, exists := c.Get("user")
	if !exists {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok
}

// GetSubscriptionStatus returns the current user's subscription status
// GET /api/v1/subscriptions/status
func (h *Handler) GetSubscriptionStatus(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.ErrorJSON(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	summary, err := h.Subscriptions.GetUserSubscriptionStatus(c.Request.Context(), user.ID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get subscription status")
		return
	}

	response.SuccessJSON(c, summary)
}

// GetActiveSubscriptions returns the current user's active subscriptions
// GET /api/v1/subscriptions/active
func (h *Handler) GetActiveSubscriptions(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.ErrorJSON(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	subscriptions, err := h.Subscriptions.GetUserActiveSubscriptions(c.Request.Context(), user.ID)
	if err != nil {
		response.ErrorJSON(c, http.StatusInternalServerError, "Failed to get subscriptions")
		return
	}

	response.SuccessJSON(c, subscriptions)
}

// GetSubscriptionNotifications returns the notification log for one of
// the current user's subscriptions
// GET /api/v1/subscriptions/:id/notifications
func (h *Handler) GetSubscriptionNotifications(c *gin.Context) {
	user, ok := currentUser(c)
	if !ok {
		response.ErrorJSON(c, http.StatusUnauthorized, "Authentication required")
		return
	}

	subscriptionID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.ErrorJSON(c, http.StatusBadRequest, "Invalid subscription ID")
		return
	}

	records, err := h.Subscriptions.GetSubscriptionNotifications(c.Request.Context(), user.ID, uint(subscriptionID))
	if err != nil {
		response.ErrorJSON(c, http.StatusNotFound, "Subscription not found")
		return
	}

	response.SuccessJSON(c, records)
}
