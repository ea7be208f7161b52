package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign returns the hex-encoded HMAC-SHA256 of body keyed by secret. The body
// must be the exact bytes placed on the wire.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature produced by Sign in constant time.
func Verify(secret string, body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	want := Sign(secret, body)
	return hmac.Equal([]byte(signature), []byte(want))
}
