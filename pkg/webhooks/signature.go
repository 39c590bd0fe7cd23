package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// signatureHeader carries the hex HMAC-SHA256 of the request body.
const signatureHeader = "X-Signature"

// validSignature checks the body's HMAC against the presented signature.
// An empty configured secret disables verification (dev mode).
func validSignature(secret string, body []byte, presented string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(presented))
}
