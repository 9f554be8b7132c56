package provisioning

import (
	"crypto/hmac"
	"strconv"
	"testing"
	"time"
)

// signatureWindow is the clock skew the panel gateway accepts for X-TIMESTAMP.
const signatureWindow = 5 * time.Minute

// verify checks a request the way the panel gateway does: key, timestamp window, then signature.
func verify(secret, apiKey, method, path, timestamp, signature string, body []byte, now time.Time) bool {
	if secret == "" || apiKey != secret || timestamp == "" || signature == "" {
		return false
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew < -signatureWindow || skew > signatureWindow {
		return false
	}
	calc := Sign(secret, method, path, timestamp, body)
	return hmac.Equal([]byte(signature), []byte(calc))
}

func TestVerify(t *testing.T) {
	secret := "testsecret"
	body := []byte(`{"test":"data"}`)
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	stale := strconv.FormatInt(now.Add(-6*time.Minute).UnixMilli(), 10)
	sig := Sign(secret, "POST", "/panel/api/inbounds/addClient", ts, body)

	tests := []struct {
		desc      string
		apiKey    string
		path      string
		timestamp string
		signature string
		want      bool
	}{
		{"valid", secret, "/panel/api/inbounds/addClient", ts, sig, true},
		{"wrong key", "other", "/panel/api/inbounds/addClient", ts, sig, false},
		{"wrong path", secret, "/panel/api/inbounds/delClient", ts, sig, false},
		{"stale timestamp", secret, "/panel/api/inbounds/addClient", stale, Sign(secret, "POST", "/panel/api/inbounds/addClient", stale, body), false},
		{"garbage timestamp", secret, "/panel/api/inbounds/addClient", "yesterday", sig, false},
		{"wrong signature", secret, "/panel/api/inbounds/addClient", ts, "deadbeef", false},
		{"empty", "", "", "", "", false},
	}

	for _, tt := range tests {
		if got := verify(secret, tt.apiKey, "POST", tt.path, tt.timestamp, tt.signature, body, now); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.desc, got, tt.want)
		}
	}
}
