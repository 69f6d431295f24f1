package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ClaimTokenTTL is how long an account-claim link stays valid.
const ClaimTokenTTL = 7 * 24 * time.Hour

// ClaimToken is a one-time token that lets a guest buyer take over their
// ghost account. Only the hash is stored; the raw value goes out by mail.
type ClaimToken struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	UserID     uint       `gorm:"not null;index" json:"user_id"`
	TokenHash  string     `gorm:"type:char(64);not null;uniqueIndex" json:"-"`
	ExpiresAt  time.Time  `gorm:"type:timestamp;not null" json:"expires_at"`
	ConsumedAt *time.Time `gorm:"type:timestamp;default:null;index" json:"consumed_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// NewClaimToken returns a fresh token for the user along with the raw secret.
func NewClaimToken(userID uint, now time.Time) (*ClaimToken, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, "", err
	}
	raw := hex.EncodeToString(b)
	return &ClaimToken{
		UserID:    userID,
		TokenHash: HashClaimToken(raw),
		ExpiresAt: now.Add(ClaimTokenTTL),
	}, raw, nil
}

// HashClaimToken returns the stored representation of a raw claim token.
func HashClaimToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IsUsable reports whether the token is neither consumed nor expired.
func (t *ClaimToken) IsUsable(now time.Time) bool {
	return t.ConsumedAt == nil && now.Before(t.ExpiresAt)
}
