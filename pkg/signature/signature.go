// Package signature signs and verifies webhook bodies with HMAC-SHA256.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const Prefix = "sha256="

// Sign returns "sha256=<hex>" for payload.
func Sign(payload []byte, secret string) string {
	return Prefix + digest(payload, secret)
}

// Verify accepts the hex digest with or without the "sha256=" prefix.
// Comparison is constant time.
func Verify(payload []byte, header, secret string) bool {
	if secret == "" {
		return false
	}
	got := strings.TrimPrefix(strings.TrimSpace(header), Prefix)
	if got == "" {
		return false
	}
	want := digest(payload, secret)
	return hmac.Equal([]byte(strings.ToLower(got)), []byte(want))
}

func digest(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
