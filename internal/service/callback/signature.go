package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// verifySignature is the authenticity guard: a constant-time comparison of an
// HMAC-SHA256 signature over the raw request body against the provider's
// configured webhook secret. header is expected to carry a hex-encoded
// digest, optionally prefixed like "sha256=...".
func verifySignature(secret string, header string, body []byte) bool {
	if secret == "" || header == "" {
		return false
	}
	header = stripSHAPrefix(header)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return subtle.ConstantTimeCompare([]byte(expected), []byte(header)) == 1
}

func stripSHAPrefix(header string) string {
	const prefix = "sha256="
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return header
}
