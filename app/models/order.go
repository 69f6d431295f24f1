package models

import "time"

const (
	OrderStatusCreated  = "created"
	OrderStatusPending  = "pending"
	OrderStatusPaid     = "paid"
	OrderStatusComplete = "complete"
	OrderStatusFailed   = "failed"
)

const (
	OrderKindPurchase = "purchase"
	OrderKindRequest  = "request"
)

// Order is a one-time transaction. CheckoutSessionRef is the idempotency key
// for inserts: at most one order exists per checkout session.
type Order struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	BuyerID            *uint      `gorm:"index" json:"buyer_id"`
	CreatorID          uint       `gorm:"not null;index" json:"creator_id"`
	ProductID          uint       `gorm:"not null;index" json:"product_id"`
	Kind               string     `gorm:"type:varchar(20);not null;default:'purchase'" json:"kind"`
	AmountCents        int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency           string     `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	PaymentIntentRef   *string    `gorm:"type:varchar(191);index" json:"payment_intent_ref,omitempty"`
	CheckoutSessionRef *string    `gorm:"type:varchar(191);uniqueIndex" json:"checkout_session_ref,omitempty"`
	Status             string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PaidAt             *time.Time `gorm:"type:timestamp;default:null" json:"paid_at,omitempty"`
	CreatedAt          time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderStatusRank orders statuses along the forward-only lifecycle.
func OrderStatusRank(status string) int {
	switch status {
	case OrderStatusCreated, OrderStatusPending:
		return 0
	case OrderStatusPaid:
		return 1
	case OrderStatusComplete:
		return 2
	default:
		return -1
	}
}
