package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DeriveKey maps a logical operation to a stable key when the client sent no
// Idempotency-Key header. The same (step, user, order) yields the same key in
// every process.
func DeriveKey(step, userID, orderID string) string {
	h := sha256.New()
	for _, part := range []string{step, userID, orderID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return step + ":" + hex.EncodeToString(h.Sum(nil))
}

// ValidKey reports whether a client-supplied key is usable: non-empty, at
// most 255 bytes, printable ASCII without spaces.
func ValidKey(key string) bool {
	if key == "" || len(key) > 255 {
		return false
	}
	return !strings.ContainsFunc(key, func(r rune) bool {
		return r <= ' ' || r > '~'
	})
}
