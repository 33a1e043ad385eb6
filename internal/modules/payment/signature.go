package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the provider's HMAC of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

const signaturePrefix = "sha256="

// Sign returns the header value a provider sharing secret would send for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks header against body in constant time. The "sha256=" prefix
// is optional.
func Verify(secret, body []byte, header string) bool {
	if len(secret) == 0 || header == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
