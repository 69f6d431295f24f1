package models

import "time"

// ProcessedEvent is the dedup ledger entry for a processor event ID. Rows are
// written once with insert-or-ignore and only removed when processing failed.
type ProcessedEvent struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"event_id"`
	EventType string    `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
