package models

import (
	"time"
)

// SubscriptionStatus is the closed set of subscription states
type SubscriptionStatus string

const (
	StatusActive         SubscriptionStatus = "ACTIVE"
	StatusExpired        SubscriptionStatus = "EXPIRED"
	StatusInGracePeriod  SubscriptionStatus = "IN_GRACE_PERIOD"
	StatusInBillingRetry SubscriptionStatus = "IN_BILLING_RETRY"
	StatusRevoked        SubscriptionStatus = "REVOKED"
	StatusRefunded       SubscriptionStatus = "REFUNDED"
)

// NotificationType is the closed set of App Store server notification types (V2)
type NotificationType string

const (
	NotificationSubscribed             NotificationType = "SUBSCRIBED"
	NotificationDidChangeRenewalPref   NotificationType = "DID_CHANGE_RENEWAL_PREF"
	NotificationDidChangeRenewalStatus NotificationType = "DID_CHANGE_RENEWAL_STATUS"
	NotificationOfferRedeemed          NotificationType = "OFFER_REDEEMED"
	NotificationDidRenew               NotificationType = "DID_RENEW"
	NotificationExpired                NotificationType = "EXPIRED"
	NotificationDidFailToRenew         NotificationType = "DID_FAIL_TO_RENEW"
	NotificationGracePeriodExpired     NotificationType = "GRACE_PERIOD_EXPIRED"
	NotificationPriceIncrease          NotificationType = "PRICE_INCREASE"
	NotificationRefund                 NotificationType = "REFUND"
	NotificationRefundDeclined         NotificationType = "REFUND_DECLINED"
	NotificationConsumptionRequest     NotificationType = "CONSUMPTION_REQUEST"
	NotificationRenewalExtended        NotificationType = "RENEWAL_EXTENDED"
	NotificationRevoke                 NotificationType = "REVOKE"
	NotificationTest                   NotificationType = "TEST"
)

var knownNotificationTypes = map[NotificationType]bool{
	NotificationSubscribed:             true,
	NotificationDidChangeRenewalPref:   true,
	NotificationDidChangeRenewalStatus: true,
	NotificationOfferRedeemed:          true,
	NotificationDidRenew:               true,
	NotificationExpired:                true,
	NotificationDidFailToRenew:         true,
	NotificationGracePeriodExpired:     true,
	NotificationPriceIncrease:          true,
	NotificationRefund:                 true,
	NotificationRefundDeclined:         true,
	NotificationConsumptionRequest:     true,
	NotificationRenewalExtended:        true,
	NotificationRevoke:                 true,
	NotificationTest:                   true,
}

// ParseNotificationType maps an incoming type string onto the closed set.
// Unrecognized or empty strings normalize to TEST instead of failing.
func ParseNotificationType(s string) (NotificationType, bool) {
	t := NotificationType(s)
	if knownNotificationTypes[t] {
		return t, true
	}
	return NotificationTest, false
}

// Subscription stores the current state of one auto-renewable subscription.
// Identity is the issuer-assigned original transaction ID; all renewals of
// the same subscription instance share it.
type Subscription struct {
	BaseModel

	UserID                uint               `json:"user_id" gorm:"not null;index"`
	OriginalTransactionID string             `json:"original_transaction_id" gorm:"not null;size:100;uniqueIndex"`
	ProductID             string             `json:"product_id" gorm:"not null;size:100"`
	Status                SubscriptionStatus `json:"status" gorm:"not null;size:20;index"`
	PurchaseDate          time.Time          `json:"purchase_date" gorm:"not null"`
	ExpiresDate           *time.Time         `json:"expires_date" gorm:"index"`
	AutoRenewStatus       bool               `json:"auto_renew_status"`
	Environment           string             `json:"environment" gorm:"size:20;default:'Production'"`

	// Raw transaction info as received, kept for forward compatibility
	RawData string `json:"raw_data" gorm:"type:text"`

	Notifications []NotificationRecord `json:"-" gorm:"constraint:OnDelete:CASCADE"`
}

// NotificationRecord is the append-only log of processed notifications.
// Exactly one record exists per notification UUID; this is the
// deduplication guarantee. Records are never mutated after creation.
type NotificationRecord struct {
	BaseModel

	SubscriptionID   uint             `json:"subscription_id" gorm:"not null;index"`
	NotificationType NotificationType `json:"notification_type" gorm:"not null;size:40"`
	Subtype          string           `json:"subtype" gorm:"size:40"`
	NotificationUUID string           `json:"notification_uuid" gorm:"not null;size:100;uniqueIndex"`
	SignedPayload    string           `json:"signed_payload" gorm:"type:text;not null"`
	RawData          string           `json:"raw_data" gorm:"type:text"`
	Processed        bool             `json:"processed" gorm:"default:false"`
	ProcessingError  string           `json:"processing_error" gorm:"type:text"`
}
