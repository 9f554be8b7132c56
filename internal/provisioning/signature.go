package provisioning

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Gateway authentication headers.
const (
	HeaderAPIKey    = "X-API-KEY"
	HeaderTimestamp = "X-TIMESTAMP"
	HeaderSignature = "X-SIGNATURE"
)

// Sign returns hex(HMAC-SHA256(secret, method+path+timestamp+body)).
func Sign(secret, method, path, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(method + path + timestamp))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
