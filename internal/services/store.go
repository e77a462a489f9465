package services

import (
	"context"

	"subscription-api/internal/models"
)

// SubscriptionStore is the persistence interface the notification core
// depends on. Find methods return (nil, nil) when no record exists.
type SubscriptionStore interface {
	FindSubscriptionByOriginalTransactionID(ctx context.Context, originalTransactionID string) (*models.Subscription, error)
	FindSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error)
	CreateSubscription(ctx context.Context, subscription *models.Subscription) error
	UpdateSubscription(ctx context.Context, subscription *models.Subscription) error

	FindNotificationByUUID(ctx context.Context, notificationUUID string) (*models.NotificationRecord, error)
	AppendNotification(ctx context.Context, record *models.NotificationRecord) error
	ListSubscriptionNotifications(ctx context.Context, subscriptionID uint) ([]models.NotificationRecord, error)

	ListUserSubscriptions(ctx context.Context, userID uint, statuses ...models.SubscriptionStatus) ([]models.Subscription, error)
	FindUserByID(ctx context.Context, id uint) (*models.User, error)
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FirstUser(ctx context.Context) (*models.User, error)
	CreateUser(ctx context.Context, user *models.User) error

	// WithinTransaction runs fn against a store whose writes commit or
	// roll back as one atomic unit.
	WithinTransaction(ctx context.Context, fn func(SubscriptionStore) error) error
}
