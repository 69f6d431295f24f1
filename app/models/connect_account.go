package models

import "time"

// ConnectAccount snapshots a creator's payout account capabilities at the
// processor. ConnectedAt is stamped once, the first time details are submitted.
type ConnectAccount struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	CreatorID        uint       `gorm:"not null;uniqueIndex" json:"creator_id"`
	AccountRef       string     `gorm:"type:varchar(191);not null;uniqueIndex" json:"account_ref"`
	DetailsSubmitted bool       `gorm:"default:false" json:"details_submitted"`
	ChargesEnabled   bool       `gorm:"default:false" json:"charges_enabled"`
	PayoutsEnabled   bool       `gorm:"default:false" json:"payouts_enabled"`
	ConnectedAt      *time.Time `gorm:"type:timestamp;default:null" json:"connected_at,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// CanReceivePayouts reports whether the creator may be paid out.
func (a *ConnectAccount) CanReceivePayouts() bool {
	return a != nil && a.ChargesEnabled && a.PayoutsEnabled
}
