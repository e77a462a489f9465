package api

import (
	"subscription-api/internal/middleware"
	"subscription-api/internal/services"

	"github.com/gin-gonic/gin"
)

// Handler bundles the services the HTTP layer depends on
type Handler struct {
	Processor     *services.NotificationProcessor
	Verifier      *services.JWSVerifier
	Keys          *services.KeyCache
	Tokens        *services.TokenService
	Subscriptions *services.SubscriptionService
}

// NewHandler creates the HTTP handler set
func NewHandler(
	processor *services.NotificationProcessor,
	verifier *services.JWSVerifier,
	keys *services.KeyCache,
	tokens *services.TokenService,
	subscriptions *services.SubscriptionService,
) *Handler {
	return &Handler{
		Processor:     processor,
		Verifier:      verifier,
		Keys:          keys,
		Tokens:        tokens,
		Subscriptions: subscriptions,
	}
}

// SetupRoutes sets up all routes
func SetupRoutes(r *gin.Engine, h *Handler) {
	api := r.Group("/api/v1")
	{
		// Auth routes
		auth := api.Group("/auth")
		{
			auth.POST("/token", h.Login)
		}

		// Subscription query routes (require authentication)
		subscriptions := api.Group("/subscriptions")
		subscriptions.Use(middleware.AuthMiddleware(h.Tokens))
		{
			subscriptions.GET("/status", h.GetSubscriptionStatus)
			subscriptions.GET("/active", h.GetActiveSubscriptions)
			subscriptions.GET("/:id/notifications", h.GetSubscriptionNotifications)
		}

		// App Store routes (no authentication, Apple calls the webhook)
		appstore := api.Group("/appstore")
		{
			appstore.POST("/webhook", h.AppleWebhook)
			appstore.GET("/test-connection", h.TestConnection)
		}
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "subscription-service",
		})
	})
}
