package payment_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VPN-Storefront-bot/internal/db"
	"VPN-Storefront-bot/internal/payment"
	"VPN-Storefront-bot/internal/testutil"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestFingerprint(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		payment.Fingerprint(nil))
	assert.NotEqual(t, payment.Fingerprint([]byte("a")), payment.Fingerprint([]byte("b")))
}

func TestCheckImage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		ok   bool
	}{
		{"png", pngHeader, true},
		{"jpeg", []byte("\xFF\xD8\xFF\xE0\x00\x10JFIF"), true},
		{"text", []byte("paid, trust me"), false},
		{"pdf", []byte("%PDF-1.4"), false},
	}
	for _, tt := range tests {
		if err := payment.CheckImage(tt.data); (err == nil) != tt.ok {
			t.Errorf("%s: CheckImage err = %v, want ok=%v", tt.name, err, tt.ok)
		}
	}
}

func TestIsDuplicateOnlyCountsApproved(t *testing.T) {
	gdb := testutil.NewDB(t)
	amount := decimal.NewFromInt(100)
	require.NoError(t, gdb.Create(&db.Payment{OrderID: "ORD-A", Amount: amount, EvidenceHash: "h-approved", ReviewStatus: db.ReviewApproved}).Error)
	require.NoError(t, gdb.Create(&db.Payment{OrderID: "ORD-B", Amount: amount, EvidenceHash: "h-declined", ReviewStatus: db.ReviewDeclined}).Error)

	var d payment.Detector
	dup, err := d.IsDuplicate(gdb, "h-approved", "ORD-C")
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = d.IsDuplicate(gdb, "h-approved", "ORD-A")
	require.NoError(t, err)
	assert.False(t, dup, "own payment is not a duplicate")

	dup, err = d.IsDuplicate(gdb, "h-declined", "ORD-C")
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestMethods(t *testing.T) {
	for _, m := range payment.Methods {
		assert.True(t, payment.ValidMethod(m))
	}
	assert.False(t, payment.ValidMethod("PAYPAL"))
	assert.Equal(t, "InstaPay", payment.MethodName(payment.MethodInstaPay))
}
