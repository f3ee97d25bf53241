package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Header names sent with every delivery.
const (
	SignatureHeader = "X-Portico-Signature"
	EventHeader     = "X-Portico-Event"
	DeliveryHeader  = "X-Portico-Delivery"
)

// Sign computes the delivery signature: an HMAC-SHA256 of the raw body
// under the endpoint secret, hex-encoded with a scheme prefix.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the signature matches the body. Receivers use
// this to authenticate deliveries; comparison is constant-time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
