package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"subscription-api/internal/models"
	"subscription-api/pkg/logging"

	"github.com/redis/go-redis/v9"
)

// ProcessOutcome classifies what processing one notification did
type ProcessOutcome string

const (
	// OutcomeApplied means a record was stored and the transition applied
	OutcomeApplied ProcessOutcome = "applied"
	// OutcomeDuplicate means the notification UUID was already processed
	OutcomeDuplicate ProcessOutcome = "duplicate"
	// OutcomeDropped means the notification was unusable and no record
	// was created
	OutcomeDropped ProcessOutcome = "dropped"
	// OutcomeFailed means the commit failed and everything rolled back
	OutcomeFailed ProcessOutcome = "failed"
)

// ProcessResult is the structured outcome of one inbound notification.
// The HTTP boundary maps every result to a success response; this type
// keeps the core's signaling honest for tests and logs.
type ProcessResult struct {
	Outcome          ProcessOutcome
	NotificationType models.NotificationType
	NotificationUUID string
	Reason           string
	Err              error
}

// AccountResolver resolves the owning account for a subscription that
// is being provisioned from a notification.
type AccountResolver interface {
	ResolveOwner(ctx context.Context, store SubscriptionStore, transactionInfo map[string]interface{}) (*models.User, error)
}

// FallbackAccountResolver is a placeholder resolver: it picks the first
// existing user, creating a demo user when the database is empty. Real
// account linking replaces this implementation.
type FallbackAccountResolver struct{}

// ResolveOwner implements AccountResolver
func (FallbackAccountResolver) ResolveOwner(ctx context.Context, store SubscriptionStore, _ map[string]interface{}) (*models.User, error) {
	user, err := store.FirstUser(ctx)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	hash, err := HashPassword("demopassword")
	if err != nil {
		return nil, err
	}
	user = &models.User{
		Email:          "demo@example.com",
		HashedPassword: hash,
		FullName:       "Demo User",
		IsActive:       true,
	}
	if err := store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	logging.Infof("Created demo user for subscription provisioning")
	return user, nil
}

const (
	dedupKeyPrefix = "notification_dedup:"
	dedupTTL       = 24 * time.Hour
)

// NotificationProcessor deduplicates notifications, resolves or
// provisions the owning subscription and drives the status state
// machine.
type NotificationProcessor struct {
	store      SubscriptionStore
	normalizer *PayloadNormalizer
	accounts   AccountResolver

	// Optional Redis fast path in front of the authoritative store
	// dedup check; a miss or Redis outage only costs a store lookup.
	dedup *redis.Client

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewNotificationProcessor creates a processor. dedup may be nil.
func NewNotificationProcessor(store SubscriptionStore, normalizer *PayloadNormalizer, accounts AccountResolver, dedup *redis.Client) *NotificationProcessor {
	if accounts == nil {
		accounts = FallbackAccountResolver{}
	}
	return &NotificationProcessor{
		store:      store,
		normalizer: normalizer,
		accounts:   accounts,
		dedup:      dedup,
		locks:      make(map[string]*sync.Mutex),
	}
}

// Process applies one inbound notification. Deliveries for the same
// original transaction ID are serialized so dedup, resolution and the
// transition form one serializable sequence; deliveries for different
// subscriptions proceed independently.
func (p *NotificationProcessor) Process(ctx context.Context, signedPayload string, claims map[string]interface{}) ProcessResult {
	payload := p.normalizer.Normalize(claims)

	typeStr, _ := payload["notificationType"].(string)
	notificationType, known := models.ParseNotificationType(typeStr)
	if !known {
		logging.Warnf("Unknown notification type %q, defaulting to TEST", typeStr)
	}
	subtype, _ := payload["subtype"].(string)

	notificationUUID, _ := payload["notificationUUID"].(string)
	if notificationUUID == "" {
		logging.Errorf("Missing notificationUUID in payload, dropping notification")
		return ProcessResult{Outcome: OutcomeDropped, NotificationType: notificationType, Reason: "missing notificationUUID"}
	}

	transactionInfo := p.normalizer.ExtractTransactionInfo(ctx, payload)
	originalTransactionID := stringClaim(transactionInfo, "originalTransactionId")
	if originalTransactionID == "" {
		logging.Errorf("No originalTransactionId in transaction info, dropping notification %s", notificationUUID)
		return ProcessResult{
			Outcome:          OutcomeDropped,
			NotificationType: notificationType,
			NotificationUUID: notificationUUID,
			Reason:           "no resolvable transaction info",
		}
	}

	lock := p.lockFor(originalTransactionID)
	lock.Lock()
	defer lock.Unlock()

	if p.seenRecently(ctx, notificationUUID) {
		logging.Infof("Duplicate notification received (cache): %s", notificationUUID)
		return ProcessResult{Outcome: OutcomeDuplicate, NotificationType: notificationType, NotificationUUID: notificationUUID}
	}

	existing, err := p.store.FindNotificationByUUID(ctx, notificationUUID)
	if err != nil {
		return ProcessResult{Outcome: OutcomeFailed, NotificationType: notificationType, NotificationUUID: notificationUUID, Err: err}
	}
	if existing != nil {
		logging.Infof("Duplicate notification received: %s", notificationUUID)
		return ProcessResult{Outcome: OutcomeDuplicate, NotificationType: notificationType, NotificationUUID: notificationUUID}
	}

	rawData, _ := json.Marshal(payload)

	err = p.store.WithinTransaction(ctx, func(tx SubscriptionStore) error {
		subscription, err := tx.FindSubscriptionByOriginalTransactionID(ctx, originalTransactionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			subscription, err = p.provisionSubscription(ctx, tx, originalTransactionID, payload, transactionInfo)
			if err != nil {
				return fmt.Errorf("failed to provision subscription: %w", err)
			}
		}

		record := &models.NotificationRecord{
			SubscriptionID:   subscription.ID,
			NotificationType: notificationType,
			Subtype:          subtype,
			NotificationUUID: notificationUUID,
			SignedPayload:    signedPayload,
			RawData:          string(rawData),
			Processed:        true,
		}
		if err := tx.AppendNotification(ctx, record); err != nil {
			return err
		}

		applyTransition(subscription, notificationType, subtype, transactionInfo)
		return tx.UpdateSubscription(ctx, subscription)
	})
	if err != nil {
		// A racing delivery can append the same UUID between the dedup
		// check and the commit; the unique index rejects ours. When a
		// record for the UUID exists now, the failure was a duplicate,
		// not an error.
		if record, findErr := p.store.FindNotificationByUUID(ctx, notificationUUID); findErr == nil && record != nil {
			logging.Infof("Duplicate notification received (commit race): %s", notificationUUID)
			return ProcessResult{Outcome: OutcomeDuplicate, NotificationType: notificationType, NotificationUUID: notificationUUID}
		}
		logging.Errorf("Error processing notification %s: %v", notificationUUID, err)
		return ProcessResult{Outcome: OutcomeFailed, NotificationType: notificationType, NotificationUUID: notificationUUID, Err: err}
	}

	p.markSeen(ctx, notificationUUID)
	logging.Infof("Processed %s notification: %s", notificationType, notificationUUID)
	return ProcessResult{Outcome: OutcomeApplied, NotificationType: notificationType, NotificationUUID: notificationUUID}
}

// provisionSubscription creates a subscription for an unknown original
// transaction ID, defaulting to ACTIVE. The issuer sends timestamps as
// milliseconds since epoch; a missing purchase date defaults to now and
// a missing expiration stays null.
func (p *NotificationProcessor) provisionSubscription(ctx context.Context, tx SubscriptionStore, originalTransactionID string, payload, transactionInfo map[string]interface{}) (*models.Subscription, error) {
	owner, err := p.accounts.ResolveOwner(ctx, tx, transactionInfo)
	if err != nil {
		return nil, err
	}

	productID := stringClaim(transactionInfo, "productId")
	if productID == "" {
		productID = "unknown_product"
	}

	purchaseDate := time.Now().UTC()
	if ms, ok := millisClaim(transactionInfo, "purchaseDate"); ok {
		purchaseDate = time.UnixMilli(ms).UTC()
	}

	var expiresDate *time.Time
	if ms, ok := millisClaim(transactionInfo, "expiresDate"); ok {
		t := time.UnixMilli(ms).UTC()
		expiresDate = &t
	}

	environment := stringClaim(payload, "environment")
	if environment == "" {
		environment = stringClaim(transactionInfo, "environment")
	}
	if environment == "" {
		environment = "Production"
	}

	autoRenew, _ := boolClaim(transactionInfo, "autoRenewStatus")

	rawData, _ := json.Marshal(transactionInfo)

	subscription := &models.Subscription{
		UserID:                owner.ID,
		OriginalTransactionID: originalTransactionID,
		ProductID:             productID,
		Status:                models.StatusActive,
		PurchaseDate:          purchaseDate,
		ExpiresDate:           expiresDate,
		AutoRenewStatus:       autoRenew,
		Environment:           environment,
		RawData:               string(rawData),
	}
	if err := tx.CreateSubscription(ctx, subscription); err != nil {
		return nil, err
	}

	logging.Infof("Created subscription for user %d, product %s", owner.ID, productID)
	return subscription, nil
}

// applyTransition maps a notification type onto the subscription status.
// Types absent from the table leave the status untouched; the auto-renew
// flag is re-derived from the transaction info on every notification.
func applyTransition(subscription *models.Subscription, notificationType models.NotificationType, subtype string, transactionInfo map[string]interface{}) {
	switch notificationType {
	case models.NotificationSubscribed:
		subscription.Status = models.StatusActive
	case models.NotificationDidRenew:
		subscription.Status = models.StatusActive
		if ms, ok := millisClaim(transactionInfo, "expiresDate"); ok {
			t := time.UnixMilli(ms).UTC()
			subscription.ExpiresDate = &t
		}
	case models.NotificationDidFailToRenew:
		if subtype == "GRACE_PERIOD" {
			subscription.Status = models.StatusInGracePeriod
		} else {
			subscription.Status = models.StatusInBillingRetry
		}
	case models.NotificationExpired, models.NotificationGracePeriodExpired:
		subscription.Status = models.StatusExpired
	case models.NotificationRefund:
		subscription.Status = models.StatusRefunded
	case models.NotificationRevoke:
		subscription.Status = models.StatusRevoked
	}

	if autoRenew, ok := boolClaim(transactionInfo, "autoRenewStatus"); ok {
		subscription.AutoRenewStatus = autoRenew
	}
}

// lockFor returns the mutex serializing deliveries for one original
// transaction ID. Entries are never evicted; the map is bounded by the
// number of distinct subscriptions this process has seen.
func (p *NotificationProcessor) lockFor(originalTransactionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[originalTransactionID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[originalTransactionID] = lock
	}
	return lock
}

func (p *NotificationProcessor) seenRecently(ctx context.Context, notificationUUID string) bool {
	if p.dedup == nil {
		return false
	}
	n, err := p.dedup.Exists(ctx, dedupKeyPrefix+notificationUUID).Result()
	if err != nil {
		logging.Warnf("Dedup cache check failed, falling through to store: %v", err)
		return false
	}
	return n > 0
}

func (p *NotificationProcessor) markSeen(ctx context.Context, notificationUUID string) {
	if p.dedup == nil {
		return
	}
	if err := p.dedup.Set(ctx, dedupKeyPrefix+notificationUUID, "1", dedupTTL).Err(); err != nil {
		logging.Warnf("Failed to record notification in dedup cache: %v", err)
	}
}

func stringClaim(claims map[string]interface{}, key string) string {
	s, _ := claims[key].(string)
	return s
}

// millisClaim reads a milliseconds-since-epoch claim, tolerating the
// numeric types JSON decoding produces
func millisClaim(claims map[string]interface{}, key string) (int64, bool) {
	switch v := claims[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// boolClaim reads a flag that the issuer encodes either as a bool or as
// a 0/1 number depending on the payload generation
func boolClaim(claims map[string]interface{}, key string) (bool, bool) {
	switch v := claims[key].(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case int:
		return v != 0, true
	case int64:
		return v != 0, true
	}
	return false, false
}
