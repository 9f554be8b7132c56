package payment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"

	"gorm.io/gorm"

	"VPN-Storefront-bot/internal/db"
)

// Supported payment channels.
const (
	MethodVodafone = "VODAFONE"
	MethodOrange   = "ORANGE"
	MethodEtisalat = "ETISALAT"
	MethodWE       = "WE"
	MethodInstaPay = "INSTAPAY"
)

var Methods = []string{MethodVodafone, MethodOrange, MethodEtisalat, MethodWE, MethodInstaPay}

var methodNames = map[string]string{
	MethodVodafone: "Vodafone Cash",
	MethodOrange:   "Orange Cash",
	MethodEtisalat: "Etisalat Cash",
	MethodWE:       "WE Pay",
	MethodInstaPay: "InstaPay",
}

var ErrNotImage = errors.New("evidence must be a PNG or JPEG image")

func ValidMethod(m string) bool {
	_, ok := methodNames[m]
	return ok
}

// MethodName is the display name of a payment channel.
func MethodName(m string) string {
	if n, ok := methodNames[m]; ok {
		return n
	}
	return m
}

// Fingerprint is the hex SHA-256 of the evidence bytes.
func Fingerprint(evidence []byte) string {
	sum := sha256.Sum256(evidence)
	return hex.EncodeToString(sum[:])
}

// CheckImage sniffs the content and accepts PNG and JPEG only.
func CheckImage(evidence []byte) error {
	switch http.DetectContentType(evidence) {
	case "image/png", "image/jpeg":
		return nil
	}
	return ErrNotImage
}

// Detector looks up evidence hashes among approved payments.
type Detector struct{}

// IsDuplicate reports whether hash already backs an approved payment of another order.
// Pending and declined payments never count.
func (Detector) IsDuplicate(tx *gorm.DB, hash, orderID string) (bool, error) {
	var count int64
	err := tx.Model(&db.Payment{}).
		Where("evidence_hash = ? AND review_status = ? AND order_id <> ?", hash, db.ReviewApproved, orderID).
		Count(&count).Error
	return count > 0, err
}
