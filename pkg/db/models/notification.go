package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mtaani/commerce-backend/pkg/enums"
	"gorm.io/gorm"
)

// Notification records an email dispatched (or attempted) to a customer.
type Notification struct {
	ID         uuid.UUID              `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID uuid.UUID              `gorm:"type:uuid;not null;index" json:"customer_id"`
	OrderID    *uuid.UUID             `gorm:"type:uuid;index" json:"order_id,omitempty"`
	Kind       enums.NotificationKind `gorm:"size:48;not null" json:"kind"`
	Recipient  string                 `gorm:"size:255;not null" json:"recipient"`
	Subject    string                 `gorm:"size:255;not null" json:"subject"`
	SentAt     *time.Time             `json:"sent_at,omitempty"`
	Error      string                 `gorm:"size:512" json:"error,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func (Notification) TableName() string { return "notifications" }

func (n *Notification) BeforeCreate(_ *gorm.DB) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	return nil
}
