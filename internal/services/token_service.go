package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"subscription-api/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// TokenService issues and validates access tokens for the query API and
// resolves them back to users.
type TokenService struct {
	secret []byte
	expiry time.Duration
	store  SubscriptionStore
}

// NewTokenService creates a token service signing with the given secret
func NewTokenService(secret string, expireMinutes int, store SubscriptionStore) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		expiry: time.Duration(expireMinutes) * time.Minute,
		store:  store,
	}
}

// Authenticate checks credentials and issues an access token
func (s *TokenService) Authenticate(ctx context.Context, email, password string) (string, error) {
	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if user == nil || !user.IsActive {
		return "", fmt.Errorf("invalid email or password")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.HashedPassword), []byte(password)); err != nil {
		return "", fmt.Errorf("invalid email or password")
	}
	return s.CreateAccessToken(user.ID)
}

// CreateAccessToken issues a signed HS256 token for a user
func (s *TokenService) CreateAccessToken(userID uint) (string, error) {
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(userID), 10),
		"exp": time.Now().Add(s.expiry).Unix(),
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ResolveUser validates an access token and loads the user it names
func (s *TokenService) ResolveUser(ctx context.Context, tokenString string) (*models.User, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("could not validate credentials: %w", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("could not validate credentials: missing subject")
	}
	userID, err := strconv.ParseUint(sub, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("could not validate credentials: bad subject")
	}

	user, err := s.store.FindUserByID(ctx, uint(userID))
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, fmt.Errorf("user not found or inactive")
	}
	return user, nil
}

// HashPassword generates a bcrypt hash for a password
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
