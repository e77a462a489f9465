package services_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"subscription-api/internal/database"
	"subscription-api/internal/models"
	"subscription-api/internal/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) (*database.Store, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Subscription{}, &models.NotificationRecord{}))
	return database.NewStore(db), db
}

func newTestProcessor(t *testing.T) (*services.NotificationProcessor, *gorm.DB) {
	t.Helper()
	store, db := newTestStore(t)
	user := &models.User{Email: "owner@example.com", HashedPassword: "x", IsActive: true}
	require.NoError(t, db.Create(user).Error)
	p := services.NewNotificationProcessor(store, services.NewPayloadNormalizer(nil), nil, nil)
	return p, db
}

func notification(notificationType, uuid, originalTransactionID string, extra map[string]interface{}) map[string]interface{} {
	claims := map[string]interface{}{
		"notificationType":      notificationType,
		"notificationUUID":      uuid,
		"originalTransactionId": originalTransactionID,
	}
	for k, v := range extra {
		claims[k] = v
	}
	return claims
}

func TestProcessSubscribedProvisionsActiveSubscription(t *testing.T) {
	p, db := newTestProcessor(t)
	expires := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	result := p.Process(context.Background(), "signed-1", notification("SUBSCRIBED", "uuid-1", "otid-1", map[string]interface{}{
		"productId":       "com.example.monthly",
		"purchaseDate":    float64(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).UnixMilli()),
		"expiresDate":     float64(expires.UnixMilli()),
		"autoRenewStatus": true,
		"environment":     "Sandbox",
	}))
	require.Equal(t, services.OutcomeApplied, result.Outcome)
	assert.Equal(t, models.NotificationSubscribed, result.NotificationType)

	var sub models.Subscription
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, "com.example.monthly", sub.ProductID)
	assert.Equal(t, "Sandbox", sub.Environment)
	assert.True(t, sub.AutoRenewStatus)
	require.NotNil(t, sub.ExpiresDate)
	assert.Equal(t, expires.UnixMilli(), sub.ExpiresDate.UnixMilli())

	var records []models.NotificationRecord
	require.NoError(t, db.Where("subscription_id = ?", sub.ID).Find(&records).Error)
	require.Len(t, records, 1)
	assert.Equal(t, "uuid-1", records[0].NotificationUUID)
	assert.Equal(t, "signed-1", records[0].SignedPayload)
	assert.True(t, records[0].Processed)
}

func TestProcessDuplicateUUIDIsNoOp(t *testing.T) {
	p, db := newTestProcessor(t)
	ctx := context.Background()

	first := p.Process(ctx, "signed-1", notification("SUBSCRIBED", "uuid-1", "otid-1", nil))
	require.Equal(t, services.OutcomeApplied, first.Outcome)

	// Same UUID redelivered, even with a different type, changes nothing.
	second := p.Process(ctx, "signed-1", notification("EXPIRED", "uuid-1", "otid-1", nil))
	assert.Equal(t, services.OutcomeDuplicate, second.Outcome)

	var sub models.Subscription
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, models.StatusActive, sub.Status)

	var count int64
	require.NoError(t, db.Model(&models.NotificationRecord{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestProcessDidRenewUpdatesExpiry(t *testing.T) {
	p, db := newTestProcessor(t)
	ctx := context.Background()
	renewed := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	require.Equal(t, services.OutcomeApplied, p.Process(ctx, "signed-1", notification("SUBSCRIBED", "uuid-1", "otid-1", map[string]interface{}{
		"expiresDate": float64(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC).UnixMilli()),
	})).Outcome)
	require.Equal(t, services.OutcomeApplied, p.Process(ctx, "signed-2", notification("DID_RENEW", "uuid-2", "otid-1", map[string]interface{}{
		"expiresDate": float64(renewed.UnixMilli()),
	})).Outcome)

	var sub models.Subscription
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, models.StatusActive, sub.Status)
	require.NotNil(t, sub.ExpiresDate)
	assert.Equal(t, renewed.UnixMilli(), sub.ExpiresDate.UnixMilli())

	var count int64
	require.NoError(t, db.Model(&models.NotificationRecord{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestProcessRenewalFailureSubtypes(t *testing.T) {
	p, db := newTestProcessor(t)
	ctx := context.Background()

	require.Equal(t, services.OutcomeApplied, p.Process(ctx, "s", notification("SUBSCRIBED", "uuid-1", "otid-1", map[string]interface{}{
		"autoRenewStatus": true,
	})).Outcome)

	grace := notification("DID_FAIL_TO_RENEW", "uuid-2", "otid-1", map[string]interface{}{
		"subtype":         "GRACE_PERIOD",
		"autoRenewStatus": float64(0),
	})
	require.Equal(t, services.OutcomeApplied, p.Process(ctx, "s", grace).Outcome)

	var sub models.Subscription
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, models.StatusInGracePeriod, sub.Status)
	assert.False(t, sub.AutoRenewStatus)

	// Without the grace-period subtype the failure means billing retry.
	require.Equal(t, services.OutcomeApplied, p.Process(ctx, "s", notification("DID_FAIL_TO_RENEW", "uuid-3", "otid-1", nil)).Outcome)
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, models.StatusInBillingRetry, sub.Status)
}

func TestProcessTerminalTransitions(t *testing.T) {
	cases := []struct {
		notificationType string
		want             models.SubscriptionStatus
	}{
		{"EXPIRED", models.StatusExpired},
		{"GRACE_PERIOD_EXPIRED", models.StatusExpired},
		{"REFUND", models.StatusRefunded},
		{"REVOKE", models.StatusRevoked},
	}

	p, db := newTestProcessor(t)
	ctx := context.Background()

	for i, tc := range cases {
		otid := fmt.Sprintf("otid-%d", i)
		require.Equal(t, services.OutcomeApplied, p.Process(ctx, "s", notification("SUBSCRIBED", fmt.Sprintf("uuid-%d-a", i), otid, nil)).Outcome)
		require.Equal(t, services.OutcomeApplied, p.Process(ctx, "s", notification(tc.notificationType, fmt.Sprintf("uuid-%d-b", i), otid, nil)).Outcome)

		var sub models.Subscription
		require.NoError(t, db.Where("original_transaction_id = ?", otid).First(&sub).Error)
		assert.Equal(t, tc.want, sub.Status, tc.notificationType)
	}
}

func TestProcessNonTransitionTypeLeavesStatus(t *testing.T) {
	p, db := newTestProcessor(t)
	ctx := context.Background()

	require.Equal(t, services.OutcomeApplied, p.Process(ctx, "s", notification("SUBSCRIBED", "uuid-1", "otid-1", nil)).Outcome)
	require.Equal(t, services.OutcomeApplied, p.Process(ctx, "s", notification("PRICE_INCREASE", "uuid-2", "otid-1", nil)).Outcome)

	var sub models.Subscription
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, models.StatusActive, sub.Status)

	var count int64
	require.NoError(t, db.Model(&models.NotificationRecord{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestProcessUnknownTypeRecordedAsTest(t *testing.T) {
	p, db := newTestProcessor(t)

	result := p.Process(context.Background(), "s", notification("SOMETHING_NEW", "uuid-1", "otid-1", nil))
	require.Equal(t, services.OutcomeApplied, result.Outcome)
	assert.Equal(t, models.NotificationTest, result.NotificationType)

	var record models.NotificationRecord
	require.NoError(t, db.Where("notification_uuid = ?", "uuid-1").First(&record).Error)
	assert.Equal(t, models.NotificationTest, record.NotificationType)
}

func TestProcessMissingUUIDIsDropped(t *testing.T) {
	p, db := newTestProcessor(t)

	claims := notification("SUBSCRIBED", "", "otid-1", nil)
	delete(claims, "notificationUUID")
	result := p.Process(context.Background(), "s", claims)
	assert.Equal(t, services.OutcomeDropped, result.Outcome)

	var subs, records int64
	require.NoError(t, db.Model(&models.Subscription{}).Count(&subs).Error)
	require.NoError(t, db.Model(&models.NotificationRecord{}).Count(&records).Error)
	assert.Zero(t, subs)
	assert.Zero(t, records)
}

func TestProcessMissingTransactionInfoIsDropped(t *testing.T) {
	p, db := newTestProcessor(t)

	result := p.Process(context.Background(), "s", map[string]interface{}{
		"notificationType": "SUBSCRIBED",
		"notificationUUID": "uuid-1",
	})
	assert.Equal(t, services.OutcomeDropped, result.Outcome)

	var records int64
	require.NoError(t, db.Model(&models.NotificationRecord{}).Count(&records).Error)
	assert.Zero(t, records)
}

// Terminal notifications for a subscription never seen before still
// provision it first, then apply the transition.
func TestProcessExpiredOnUnknownSubscriptionProvisionsThenExpires(t *testing.T) {
	p, db := newTestProcessor(t)

	result := p.Process(context.Background(), "s", notification("EXPIRED", "uuid-1", "otid-1", nil))
	require.Equal(t, services.OutcomeApplied, result.Outcome)

	var sub models.Subscription
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, models.StatusExpired, sub.Status)
	assert.Equal(t, "unknown_product", sub.ProductID)
	assert.Equal(t, "Production", sub.Environment)
}

// Concurrent deliveries for one subscription must serialize into a
// single read-modify-write sequence: one provisioned subscription, one
// record per UUID, redeliveries reported as duplicates.
func TestProcessSerializesConcurrentDeliveries(t *testing.T) {
	p, db := newTestProcessor(t)
	ctx := context.Background()
	const deliveries = 8

	outcomes := make(chan services.ProcessOutcome, 2*deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		// Each UUID is delivered twice, racing against itself and
		// against every other delivery for the same subscription.
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				result := p.Process(ctx, "s", notification("DID_RENEW", fmt.Sprintf("uuid-%d", i), "otid-1", nil))
				outcomes <- result.Outcome
			}(i)
		}
	}
	wg.Wait()
	close(outcomes)

	counts := map[services.ProcessOutcome]int{}
	for outcome := range outcomes {
		counts[outcome]++
	}
	assert.Equal(t, deliveries, counts[services.OutcomeApplied])
	assert.Equal(t, deliveries, counts[services.OutcomeDuplicate])

	var subs, records int64
	require.NoError(t, db.Model(&models.Subscription{}).Count(&subs).Error)
	require.NoError(t, db.Model(&models.NotificationRecord{}).Count(&records).Error)
	assert.EqualValues(t, 1, subs, "concurrent deliveries must not double-provision")
	assert.EqualValues(t, deliveries, records)

	var sub models.Subscription
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, models.StatusActive, sub.Status)
}

// racingStore makes the dedup check miss a configured number of times,
// simulating another delivery appending the same UUID between the check
// and the commit.
type racingStore struct {
	services.SubscriptionStore
	misses int32
}

func (s *racingStore) FindNotificationByUUID(ctx context.Context, notificationUUID string) (*models.NotificationRecord, error) {
	if atomic.AddInt32(&s.misses, -1) >= 0 {
		return nil, nil
	}
	return s.SubscriptionStore.FindNotificationByUUID(ctx, notificationUUID)
}

func TestProcessReportsCommitRaceAsDuplicate(t *testing.T) {
	store, db := newTestStore(t)
	user := &models.User{Email: "owner@example.com", HashedPassword: "x", IsActive: true}
	require.NoError(t, db.Create(user).Error)

	sub := &models.Subscription{
		UserID:                user.ID,
		OriginalTransactionID: "otid-1",
		ProductID:             "com.example.monthly",
		Status:                models.StatusActive,
		PurchaseDate:          time.Now().UTC(),
	}
	require.NoError(t, db.Create(sub).Error)
	require.NoError(t, db.Create(&models.NotificationRecord{
		SubscriptionID:   sub.ID,
		NotificationType: models.NotificationSubscribed,
		NotificationUUID: "uuid-1",
		SignedPayload:    "s",
		Processed:        true,
	}).Error)

	racing := &racingStore{SubscriptionStore: store, misses: 1}
	p := services.NewNotificationProcessor(racing, services.NewPayloadNormalizer(nil), nil, nil)

	// The dedup check misses, the append hits the unique index, and the
	// failure is reported as a duplicate rather than an error.
	result := p.Process(context.Background(), "s", notification("DID_RENEW", "uuid-1", "otid-1", nil))
	assert.Equal(t, services.OutcomeDuplicate, result.Outcome)
	assert.Nil(t, result.Err)

	var records int64
	require.NoError(t, db.Model(&models.NotificationRecord{}).Count(&records).Error)
	assert.EqualValues(t, 1, records)
}

func TestProcessProvisionsDemoUserWhenDatabaseEmpty(t *testing.T) {
	store, db := newTestStore(t)
	p := services.NewNotificationProcessor(store, services.NewPayloadNormalizer(nil), nil, nil)

	result := p.Process(context.Background(), "s", notification("SUBSCRIBED", "uuid-1", "otid-1", nil))
	require.Equal(t, services.OutcomeApplied, result.Outcome)

	var user models.User
	require.NoError(t, db.Where("email = ?", "demo@example.com").First(&user).Error)
	var sub models.Subscription
	require.NoError(t, db.Where("original_transaction_id = ?", "otid-1").First(&sub).Error)
	assert.Equal(t, user.ID, sub.UserID)
}
