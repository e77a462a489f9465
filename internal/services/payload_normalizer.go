package services

import (
	"context"
	"encoding/json"

	"subscription-api/pkg/logging"
)

// PayloadNormalizer reconciles the two notification schema generations
// the issuer sends (flat v2-style payloads and nested, doubly-signed
// envelopes) into one shape the reconciler can consume.
type PayloadNormalizer struct {
	verifier *JWSVerifier
}

// NewPayloadNormalizer creates a normalizer using the given verifier
// for nested signed sub-envelopes
func NewPayloadNormalizer(verifier *JWSVerifier) *PayloadNormalizer {
	return &PayloadNormalizer{verifier: verifier}
}

// Normalize extracts the logical notification payload from decoded claims.
//
// Claims that already carry notificationType at the top level are a
// v2-style payload and pass through unchanged. Otherwise the data field
// is extracted (JSON-parsed when it arrives as a string, tolerating
// parse failures), then top-level signed sub-envelopes the old schema
// keeps outside data are copied in, along with the outer identity
// fields the reconciler reads.
func (n *PayloadNormalizer) Normalize(claims map[string]interface{}) map[string]interface{} {
	if _, ok := claims["notificationType"]; ok {
		return claims
	}

	payload := map[string]interface{}{}
	switch data := claims["data"].(type) {
	case map[string]interface{}:
		payload = data
	case string:
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(data), &parsed); err != nil {
			logging.Warnf("Notification data field is a string but not JSON, keeping it opaque: %v", err)
			payload["data"] = data
		} else {
			payload = parsed
		}
	case nil:
	default:
		payload["data"] = data
	}

	for _, field := range []string{
		"signedRenewalInfo", "signedTransactionInfo", "summary",
		"notificationUUID", "subtype", "environment", "originalTransactionId",
	} {
		if value, ok := claims[field]; ok {
			if _, present := payload[field]; !present {
				payload[field] = value
			}
		}
	}

	return payload
}

// ExtractTransactionInfo locates the innermost transaction/renewal
// sub-object of a normalized payload. Nested signed sub-envelopes are
// fully verified first; on verification failure the payload segment is
// decoded directly. When no signed field is present the outer payload
// itself is returned, so this never fails.
func (n *PayloadNormalizer) ExtractTransactionInfo(ctx context.Context, payload map[string]interface{}) map[string]interface{} {
	containers := []map[string]interface{}{}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		containers = append(containers, data)
	}
	containers = append(containers, payload)

	for _, container := range containers {
		for _, field := range []string{"signedRenewalInfo", "signedTransactionInfo"} {
			token, ok := container[field].(string)
			if !ok || token == "" {
				continue
			}

			if result, err := n.verifier.Verify(ctx, token); err == nil && len(result.Claims) > 0 {
				return result.Claims
			} else if err != nil {
				logging.Warnf("Failed to verify %s: %v", field, err)
			}

			if claims, err := DecodePayloadSegment(token); err == nil && len(claims) > 0 {
				logging.Infof("Extracted %s by direct payload decode", field)
				return claims
			} else if err != nil {
				logging.Warnf("Direct decode of %s failed: %v", field, err)
			}
		}
	}

	return payload
}
