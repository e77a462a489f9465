package services

import (
	"context"
	"fmt"

	"subscription-api/internal/models"
)

// SubscriptionService is the read side of the subscription store,
// backing the query API.
type SubscriptionService struct {
	store SubscriptionStore
}

// NewSubscriptionService creates a subscription query service
func NewSubscriptionService(store SubscriptionStore) *SubscriptionService {
	return &SubscriptionService{store: store}
}

// SubscriptionStatusSummary aggregates a user's subscription state
type SubscriptionStatusSummary struct {
	UserID                uint                  `json:"user_id"`
	HasActiveSubscription bool                  `json:"has_active_subscription"`
	Subscriptions         []models.Subscription `json:"subscriptions"`
}

// GetUserSubscriptionStatus returns a user's overall status and active subscriptions
func (s *SubscriptionService) GetUserSubscriptionStatus(ctx context.Context, userID uint) (*SubscriptionStatusSummary, error) {
	subscriptions, err := s.GetUserActiveSubscriptions(ctx, userID)
	if err != nil {
		return nil, err
	}

	return &SubscriptionStatusSummary{
		UserID:                userID,
		HasActiveSubscription: len(subscriptions) > 0,
		Subscriptions:         subscriptions,
	}, nil
}

// GetUserActiveSubscriptions returns a user's ACTIVE subscriptions
func (s *SubscriptionService) GetUserActiveSubscriptions(ctx context.Context, userID uint) ([]models.Subscription, error) {
	subscriptions, err := s.store.ListUserSubscriptions(ctx, userID, models.StatusActive)
	if err != nil {
		return nil, err
	}
	if subscriptions == nil {
		subscriptions = []models.Subscription{}
	}
	return subscriptions, nil
}

// GetSubscriptionNotifications returns the notification log for one of
// the user's subscriptions, in delivery order.
func (s *SubscriptionService) GetSubscriptionNotifications(ctx context.Context, userID, subscriptionID uint) ([]models.NotificationRecord, error) {
	subscription, err := s.store.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, fmt.Errorf("subscription not found")
	}
	if subscription.UserID != userID {
		return nil, fmt.Errorf("subscription does not belong to user")
	}
	return s.store.ListSubscriptionNotifications(ctx, subscriptionID)
}
