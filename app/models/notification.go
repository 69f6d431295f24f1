package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	NotificationTypeSale           = "sale"
	NotificationTypePurchase       = "purchase"
	NotificationTypeMembershipSale = "membership_sale"
	NotificationTypeAccountClaim   = "account_claim"
)

// Notification is an in-app notification and doubles as the delivery log:
// (user, type, reference key) is unique, so a second insert for the same
// business object is ignored and nothing is sent twice.
type Notification struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	UserID       uint      `gorm:"not null;index:ux_notifications_ref,unique,priority:1" json:"user_id"`
	Type         string    `gorm:"type:varchar(50);not null;index:ux_notifications_ref,unique,priority:2" json:"type" validate:"oneof=sale purchase membership_sale account_claim"`
	ReferenceKey string    `gorm:"type:varchar(191);not null;index:ux_notifications_ref,unique,priority:3" json:"reference_key"`
	Content      string    `gorm:"type:text" json:"content"`
	IsRead       bool      `gorm:"default:false" json:"is_read"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// MarkAsRead marks the notification as read
func (n *Notification) MarkAsRead(db *gorm.DB) error {
	n.IsRead = true
	return db.Model(n).Update("is_read", true).Error
}
