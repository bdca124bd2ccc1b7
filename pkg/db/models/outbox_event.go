package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mtaani/commerce-backend/pkg/enums"
	"gorm.io/gorm"
)

// OutboxEvent is a durable domain event written in the same transaction as
// the state change it describes. A background publisher drains unpublished
// rows to Pub/Sub.
type OutboxEvent struct {
	ID            uuid.UUID                 `gorm:"type:uuid;primaryKey" json:"id"`
	AggregateType enums.OutboxAggregateType `gorm:"size:32;not null;index:idx_outbox_pending,where:published_at IS NULL" json:"aggregate_type"`
	AggregateID   uuid.UUID                 `gorm:"type:uuid;not null" json:"aggregate_id"`
	EventType     enums.OutboxEventType     `gorm:"size:48;not null" json:"event_type"`
	Payload       json.RawMessage           `gorm:"type:jsonb;not null" json:"payload"`
	Attempts      int                       `gorm:"not null;default:0" json:"attempts"`
	LastError     string                    `gorm:"size:512" json:"last_error,omitempty"`
	PublishedAt   *time.Time                `json:"published_at,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

func (e *OutboxEvent) BeforeCreate(_ *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}
