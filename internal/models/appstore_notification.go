package models

// NotificationEnvelope represents the outer wrapper of an App Store
// Server Notification V2. Apple sends the actual notification as a JWS
// in the signedPayload field.
type NotificationEnvelope struct {
	SignedPayload string `json:"signedPayload"`
}
