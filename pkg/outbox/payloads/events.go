package payloads

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderPlacedEvent is emitted when an order commits with all stock reserved.
type OrderPlacedEvent struct {
	OrderID    uuid.UUID       `json:"order_id"`
	CustomerID uuid.UUID       `json:"customer_id"`
	Total      decimal.Decimal `json:"total"`
	ItemCount  int             `json:"item_count"`
}

// PaymentStatusEvent is emitted when a payment reaches a terminal status.
type PaymentStatusEvent struct {
	PaymentID         uuid.UUID       `json:"payment_id"`
	OrderID           uuid.UUID       `json:"order_id"`
	CustomerID        uuid.UUID       `json:"customer_id"`
	Amount            decimal.Decimal `json:"amount"`
	Status            string          `json:"status"`
	ProviderReceipt   string          `json:"provider_receipt,omitempty"`
	ResultDescription string          `json:"result_description,omitempty"`
}

// ProductChangedEvent is emitted when a catalog mutation invalidates caches.
type ProductChangedEvent struct {
	ProductID uuid.UUID `json:"product_id"`
	Change    string    `json:"change"`
}
