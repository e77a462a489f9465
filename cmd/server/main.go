package main

import (
	"log"

	"subscription-api/internal/api"
	"subscription-api/internal/config"
	"subscription-api/internal/database"
	"subscription-api/internal/services"
	"subscription-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatal("Failed to initialize config:", err)
	}

	// Initialize logging
	logging.InitLogging(config.AppConfig.LogLevel)
	defer logging.Sync()

	// Initialize database
	if err := database.InitDatabase(); err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer database.CloseDatabase()

	// Wire services
	store := database.NewStore(database.GetDB())
	keys := services.NewKeyCache(config.AppConfig.ApplePublicKeysURL)
	verifier := services.NewJWSVerifier(keys)
	normalizer := services.NewPayloadNormalizer(verifier)
	processor := services.NewNotificationProcessor(store, normalizer, services.FallbackAccountResolver{}, database.GetRedis())
	tokens := services.NewTokenService(config.AppConfig.SecretKey, config.AppConfig.AccessTokenExpireMinutes, store)
	subscriptions := services.NewSubscriptionService(store)

	// Set Gin mode
	gin.SetMode(config.AppConfig.Mode)

	// Create Gin engine
	r := gin.Default()

	// Setup routes
	handler := api.NewHandler(processor, verifier, keys, tokens, subscriptions)
	api.SetupRoutes(r, handler)

	// Start server
	port := config.AppConfig.Port
	logging.Infof("Starting server on port %s", port)

	if err := r.Run(":" + port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
