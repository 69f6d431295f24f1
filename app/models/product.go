package models

import "time"

const (
	ProductKindOneTime    = "one_time"
	ProductKindMembership = "membership"
	ProductKindRequest    = "request"
)

// Product is the sellable item a checkout refers to. Product CRUD lives
// elsewhere; the reconciliation core only reads it.
type Product struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	CreatorID  uint      `gorm:"not null;index" json:"creator_id"`
	Creator    User      `gorm:"foreignKey:CreatorID" json:"-"`
	Title      string    `gorm:"type:varchar(200);not null" json:"title"`
	Kind       string    `gorm:"type:varchar(20);not null;default:'one_time'" json:"kind"`
	PriceCents int64     `gorm:"not null;default:0" json:"price_cents"`
	Currency   string    `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	IsActive   bool      `gorm:"default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsFree reports whether checkout can skip the payment processor.
func (p *Product) IsFree() bool {
	return p.PriceCents == 0
}
