package model

import "time"

// EventRecord is a marketplace event indexed from the event topic.
type EventRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	// EventID is the idempotency key: a redelivered message is not stored twice.
	EventID    string    `gorm:"size:64;uniqueIndex;not null" json:"event_id"`
	Type       string    `gorm:"size:32;not null;index" json:"type"`
	ProductID  *uint64   `gorm:"index" json:"product_id,omitempty"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	OccurredAt time.Time `gorm:"not null" json:"occurred_at"`
}

func (EventRecord) TableName() string { return "event_records" }
