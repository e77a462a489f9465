package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server configuration
	Port string
	Mode string

	// Database configuration
	DatabaseURL string

	// Redis configuration
	RedisURL string

	// Auth configuration
	SecretKey                string
	AccessTokenExpireMinutes int

	// Apple trust configuration
	ApplePublicKeysURL string
	AppleBundleID      string
	AppleTeamID        string
	AppleIssuerID      string
	ApplePrivateKeyID  string
	AppleEnvironment   string

	// Logging
	LogLevel string
}

var AppConfig *Config

func InitConfig() error {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		// Ignore error if .env file doesn't exist
	}

	AppConfig = &Config{
		Port:                     getEnv("PORT", "8080"),
		Mode:                     getEnv("GIN_MODE", "debug"),
		DatabaseURL:              getEnv("DATABASE_URL", ""),
		RedisURL:                 getEnv("REDIS_URL", ""),
		SecretKey:                getEnv("SECRET_KEY", ""),
		AccessTokenExpireMinutes: getEnvInt("ACCESS_TOKEN_EXPIRE_MINUTES", 60*24),
		ApplePublicKeysURL:       getEnv("APPLE_PUBLIC_KEYS_URL", "https://appleid.apple.com/auth/keys"),
		AppleBundleID:            getEnv("APPLE_BUNDLE_ID", ""),
		AppleTeamID:              getEnv("APPLE_TEAM_ID", ""),
		AppleIssuerID:            getEnv("APPLE_ISSUER_ID", ""),
		ApplePrivateKeyID:        getEnv("APPLE_PRIVATE_KEY_ID", ""),
		AppleEnvironment:         getEnv("APPLE_ENVIRONMENT", "Production"),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
