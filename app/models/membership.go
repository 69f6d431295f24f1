package models

import "time"

// Membership statuses mirror the processor's subscription states one to one.
const (
	MembershipStatusTrialing   = "trialing"
	MembershipStatusActive     = "active"
	MembershipStatusPastDue    = "past_due"
	MembershipStatusCanceled   = "canceled"
	MembershipStatusIncomplete = "incomplete"
)

// Membership is the recurring relationship between a buyer, a creator and a
// membership product. The (buyer, creator, product) triple is unique.
type Membership struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	BuyerID            uint       `gorm:"not null;index:ux_memberships_triple,unique,priority:1" json:"buyer_id"`
	CreatorID          uint       `gorm:"not null;index:ux_memberships_triple,unique,priority:2;index" json:"creator_id"`
	ProductID          uint       `gorm:"not null;index:ux_memberships_triple,unique,priority:3" json:"product_id"`
	SubscriptionRef    *string    `gorm:"type:varchar(191);uniqueIndex" json:"subscription_ref,omitempty"`
	Status             string     `gorm:"type:varchar(20);not null;default:'incomplete';index" json:"status"`
	CancelAtPeriodEnd  bool       `gorm:"default:false" json:"cancel_at_period_end"`
	CurrentPeriodEnd   *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CanceledAt         *time.Time `gorm:"type:timestamp;default:null" json:"canceled_at,omitempty"`
	ProcessorUpdatedAt *time.Time `gorm:"type:timestamp;default:null" json:"-"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsKnownMembershipStatus reports whether status is one the processor emits.
func IsKnownMembershipStatus(status string) bool {
	switch status {
	case MembershipStatusTrialing, MembershipStatusActive, MembershipStatusPastDue,
		MembershipStatusCanceled, MembershipStatusIncomplete:
		return true
	default:
		return false
	}
}

// IsEntitled reports whether the membership currently grants access.
func (m *Membership) IsEntitled() bool {
	switch m.Status {
	case MembershipStatusActive, MembershipStatusTrialing, MembershipStatusPastDue:
		return true
	default:
		return false
	}
}
