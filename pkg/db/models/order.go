package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/mtaani/commerce-backend/pkg/enums"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order is a customer purchase with line items priced at placement time.
type Order struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	CustomerID uuid.UUID         `gorm:"type:uuid;not null;index" json:"customer_id"`
	Customer   *Customer         `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	Status     enums.OrderStatus `gorm:"size:32;not null;default:'pending'" json:"status"`
	Total      decimal.Decimal   `gorm:"type:numeric(12,2);not null" json:"total"`
	Items      []OrderItem       `gorm:"foreignKey:OrderID" json:"items,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func (Order) TableName() string { return "orders" }

func (o *Order) BeforeCreate(_ *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// OrderItem is a line of an order. UnitPrice is a snapshot of the product
// price at placement, never re-read from the catalog.
type OrderItem struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey" json:"id"`
	OrderID   uuid.UUID       `gorm:"type:uuid;not null;index" json:"order_id"`
	ProductID uuid.UUID       `gorm:"type:uuid;not null;index" json:"product_id"`
	Product   *Product        `gorm:"foreignKey:ProductID" json:"product,omitempty"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"unit_price"`
	CreatedAt time.Time       `json:"created_at"`
}

func (OrderItem) TableName() string { return "order_items" }

func (i *OrderItem) BeforeCreate(_ *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

// Subtotal is UnitPrice * Quantity.
func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}
