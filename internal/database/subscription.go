package database

import (
	"context"
	"errors"

	"subscription-api/internal/models"
	"subscription-api/internal/services"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the GORM-backed implementation of services.SubscriptionStore.
type Store struct {
	db *gorm.DB
}

// NewStore creates a store on top of an open GORM handle
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ services.SubscriptionStore = (*Store)(nil)

// FindSubscriptionByOriginalTransactionID finds a subscription by the
// issuer-assigned original transaction ID. Inside a transaction on
// PostgreSQL the row is locked FOR UPDATE so concurrent deliveries for
// the same subscription serialize at the database as well.
func (s *Store) FindSubscriptionByOriginalTransactionID(ctx context.Context, originalTransactionID string) (*models.Subscription, error) {
	var subscription models.Subscription
	q := s.db.WithContext(ctx)
	if s.db.Dialector.Name() == "postgres" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("original_transaction_id = ?", originalTransactionID).First(&subscription).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

// FindSubscriptionByID finds a subscription by primary key
func (s *Store) FindSubscriptionByID(ctx context.Context, id uint) (*models.Subscription, error) {
	var subscription models.Subscription
	err := s.db.WithContext(ctx).First(&subscription, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &subscription, nil
}

// CreateSubscription creates a subscription record
func (s *Store) CreateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return s.db.WithContext(ctx).Create(subscription).Error
}

// UpdateSubscription persists a mutated subscription record
func (s *Store) UpdateSubscription(ctx context.Context, subscription *models.Subscription) error {
	return s.db.WithContext(ctx).Save(subscription).Error
}

// FindNotificationByUUID finds a notification record by the issuer-assigned UUID
func (s *Store) FindNotificationByUUID(ctx context.Context, notificationUUID string) (*models.NotificationRecord, error) {
	var record models.NotificationRecord
	err := s.db.WithContext(ctx).Where("notification_uuid = ?", notificationUUID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// AppendNotification appends to the notification log. Records are never
// updated afterwards; the unique index on notification_uuid backs the
// at-most-once guarantee.
func (s *Store) AppendNotification(ctx context.Context, record *models.NotificationRecord) error {
	return s.db.WithContext(ctx).Create(record).Error
}

// ListSubscriptionNotifications returns the notification log for one
// subscription in delivery order
func (s *Store) ListSubscriptionNotifications(ctx context.Context, subscriptionID uint) ([]models.NotificationRecord, error) {
	var records []models.NotificationRecord
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// ListUserSubscriptions returns a user's subscriptions, optionally
// filtered by status
func (s *Store) ListUserSubscriptions(ctx context.Context, userID uint, statuses ...models.SubscriptionStatus) ([]models.Subscription, error) {
	var subscriptions []models.Subscription
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Order("created_at DESC").Find(&subscriptions).Error
	return subscriptions, err
}

// FindUserByID finds a user by primary key
func (s *Store) FindUserByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// FindUserByEmail finds a user by email
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// FirstUser returns the oldest user record, nil when none exist
func (s *Store) FirstUser(ctx context.Context) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Order("id ASC").First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser creates a user record
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

// WithinTransaction runs fn against a transactional store. Everything
// fn writes commits as one unit; any error rolls the whole unit back.
func (s *Store) WithinTransaction(ctx context.Context, fn func(services.SubscriptionStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}
