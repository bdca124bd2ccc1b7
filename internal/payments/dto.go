package payments

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mtaani/commerce-backend/pkg/db/models"
)

// PaymentDTO represents the payment payload returned to clients.
type PaymentDTO struct {
	ID                uuid.UUID       `json:"id"`
	OrderID           uuid.UUID       `json:"order_id"`
	Method            string          `json:"method"`
	Status            string          `json:"status"`
	Amount            decimal.Decimal `json:"amount"`
	Phone             string          `json:"phone"`
	CheckoutRequestID string          `json:"checkout_request_id,omitempty"`
	MerchantRequestID string          `json:"merchant_request_id,omitempty"`
	ProviderReceipt   string          `json:"provider_receipt,omitempty"`
	ResultCode        *int            `json:"result_code,omitempty"`
	ResultDescription string          `json:"result_description,omitempty"`
	SettledAt         *time.Time      `json:"settled_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewPaymentDTO builds a DTO from the persisted model.
func NewPaymentDTO(payment *models.Payment) *PaymentDTO {
	return &PaymentDTO{
		ID:                payment.ID,
		OrderID:           payment.OrderID,
		Method:            string(payment.Method),
		Status:            string(payment.Status),
		Amount:            payment.Amount,
		Phone:             payment.Phone,
		CheckoutRequestID: payment.CheckoutRequestID,
		MerchantRequestID: payment.MerchantRequestID,
		ProviderReceipt:   payment.ProviderReceipt,
		ResultCode:        payment.ResultCode,
		ResultDescription: payment.ResultDescription,
		SettledAt:         payment.SettledAt,
		CreatedAt:         payment.CreatedAt,
		UpdatedAt:         payment.UpdatedAt,
	}
}
