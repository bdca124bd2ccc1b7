package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mtaani/commerce-backend/pkg/enums"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Payment tracks the single payment attempt lifecycle for an order.
// The unique index on OrderID enforces one payment row per order.
type Payment struct {
	ID                uuid.UUID           `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID           uuid.UUID           `gorm:"type:uuid;not null;uniqueIndex" json:"order_id"`
	Order             *Order              `gorm:"foreignKey:OrderID" json:"order,omitempty"`
	Method            enums.PaymentMethod `gorm:"size:32;not null;default:'mpesa'" json:"method"`
	Status            enums.PaymentStatus `gorm:"size:32;not null;default:'pending'" json:"status"`
	Amount            decimal.Decimal     `gorm:"type:numeric(12,2);not null" json:"amount"`
	Phone             string              `gorm:"size:32;not null" json:"phone"`
	CheckoutRequestID string              `gorm:"size:128;index" json:"checkout_request_id,omitempty"`
	MerchantRequestID string              `gorm:"size:128" json:"merchant_request_id,omitempty"`
	ProviderReceipt   string              `gorm:"size:64" json:"provider_receipt,omitempty"`
	ResultCode        *int                `json:"result_code,omitempty"`
	ResultDescription string              `gorm:"size:255" json:"result_description,omitempty"`
	SettledAt         *time.Time          `json:"settled_at,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) BeforeCreate(_ *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}
