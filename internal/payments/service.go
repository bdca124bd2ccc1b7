package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mtaani/commerce-backend/internal/orders"
	"github.com/mtaani/commerce-backend/pkg/db/models"
	"github.com/mtaani/commerce-backend/pkg/enums"
	pkgerrors "github.com/mtaani/commerce-backend/pkg/errors"
	"github.com/mtaani/commerce-backend/pkg/logger"
	"github.com/mtaani/commerce-backend/pkg/metrics"
	"github.com/mtaani/commerce-backend/pkg/mpesa"
	"github.com/mtaani/commerce-backend/pkg/outbox"
	"github.com/mtaani/commerce-backend/pkg/outbox/payloads"
)

// Service exposes the payment lifecycle: initiation against the provider and
// the two reconciliation entry points that converge on the same transition
// logic.
type Service interface {
	Initiate(ctx context.Context, input InitiateInput) (*PaymentDTO, error)
	Verify(ctx context.Context, paymentID uuid.UUID) (*PaymentDTO, error)
	HandleCallback(ctx context.Context, body []byte) (*PaymentDTO, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*PaymentDTO, error)
}

// InitiateInput holds the validated payload to start a charge.
type InitiateInput struct {
	OrderID uuid.UUID
	Phone   string
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

type stkClient interface {
	STKPush(ctx context.Context, params mpesa.STKPushParams) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.STKQueryResponse, error)
}

type service struct {
	repo     *Repository
	orders   *orders.Repository
	dbClient txRunner
	stk      stkClient
	emitter  outboxEmitter
	logg     *logger.Logger
	workflow *metrics.WorkflowMetrics
	now      func() time.Time
}

// NewService constructs a payment service instance.
func NewService(repo *Repository, orderRepo *orders.Repository, dbClient txRunner, stk stkClient, emitter outboxEmitter, logg *logger.Logger, workflow *metrics.WorkflowMetrics) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("payment repository required")
	}
	if orderRepo == nil {
		return nil, fmt.Errorf("order repository required")
	}
	if dbClient == nil {
		return nil, fmt.Errorf("db client required")
	}
	if stk == nil {
		return nil, fmt.Errorf("stk client required")
	}
	return &service{
		repo:     repo,
		orders:   orderRepo,
		dbClient: dbClient,
		stk:      stk,
		emitter:  emitter,
		logg:     logg,
		workflow: workflow,
		now:      time.Now,
	}, nil
}

var phonePattern = regexp.MustCompile(`^254\d{9}$`)

// normalizePhone reduces the payer contact to the 254XXXXXXXXX form the
// provider expects.
func normalizePhone(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)
	if strings.HasPrefix(cleaned, "0") && len(cleaned) == 10 {
		cleaned = "254" + cleaned[1:]
	}
	if !phonePattern.MatchString(cleaned) {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "phone must be a Kenyan mobile number in 254XXXXXXXXX form")
	}
	return cleaned, nil
}

// Initiate creates a pending payment row before calling the provider, so a
// crash mid-call still leaves an auditable record, then stores the provider's
// checkout reference on success. A second initiation for the same order is
// rejected.
func (s *service) Initiate(ctx context.Context, input InitiateInput) (*PaymentDTO, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	phone, err := normalizePhone(input.Phone)
	if err != nil {
		return nil, err
	}

	order, err := s.orders.FindByID(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if !order.Total.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order total must be positive")
	}

	existing, err := s.repo.FindByOrderID(ctx, input.OrderID)
	if err == nil {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "payment already exists for order").
			WithDetails(map[string]any{"payment_id": existing.ID})
	}
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		return nil, err
	}

	payment := &models.Payment{
		OrderID: order.ID,
		Method:  enums.PaymentMethodMpesa,
		Status:  enums.PaymentStatusPending,
		Amount:  order.Total,
		Phone:   phone,
	}
	if err := s.repo.Create(ctx, payment); err != nil {
		return nil, err
	}

	ctx = s.withPaymentFields(ctx, payment.ID, order.ID)
	start := s.now()
	resp, pushErr := s.stk.STKPush(ctx, mpesa.STKPushParams{
		Phone:            phone,
		Amount:           order.Total.Ceil().IntPart(),
		AccountReference: accountReference(order.ID),
		Description:      "Order payment",
	})
	s.workflow.ObserveProviderCall("stk_push", time.Since(start))
	if pushErr != nil {
		changes := map[string]any{
			"status":             enums.PaymentStatusFailed,
			"result_description": truncate(pushErr.Error(), 255),
		}
		if updErr := s.repo.Updates(ctx, payment.ID, changes); updErr != nil && s.logg != nil {
			s.logg.Error(ctx, "marking payment failed after provider error", updErr)
		}
		return nil, pushErr
	}

	changes := map[string]any{
		"checkout_request_id": resp.CheckoutRequestID,
		"merchant_request_id": resp.MerchantRequestID,
	}
	if err := s.repo.Updates(ctx, payment.ID, changes); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "storing checkout reference")
	}

	payment, err = s.repo.FindByID(ctx, payment.ID)
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		s.logg.Info(ctx, "payment initiated")
	}
	return NewPaymentDTO(payment), nil
}

// Verify queries the provider for the current charge status and runs the
// result through reconciliation. Settled payments return as-is without a
// provider call.
func (s *service) Verify(ctx context.Context, paymentID uuid.UUID) (*PaymentDTO, error) {
	if paymentID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	payment, err := s.repo.FindByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status.IsSettled() {
		return NewPaymentDTO(payment), nil
	}
	if payment.CheckoutRequestID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "payment has no checkout reference to verify")
	}

	ctx = s.withPaymentFields(ctx, payment.ID, payment.OrderID)
	start := s.now()
	resp, err := s.stk.QueryStatus(ctx, payment.CheckoutRequestID)
	s.workflow.ObserveProviderCall("stk_query", time.Since(start))
	if err != nil {
		return nil, err
	}

	// Only the transaction result fields feed reconciliation. The query's
	// own ResponseCode acknowledges the request and says nothing about the
	// payment outcome.
	payload := map[string]any{}
	if resp.ResultCode != "" {
		payload["ResultCode"] = resp.ResultCode
	}
	if resp.ResultDesc != "" {
		payload["ResultDesc"] = resp.ResultDesc
	}
	return s.reconcile(ctx, payment.ID, payload, "verify")
}

// HandleCallback parses a provider-pushed callback body, locates the payment
// by checkout reference, and applies the reconciliation transition. Malformed
// bodies are rejected as validation errors, unknown references as not found.
func (s *service) HandleCallback(ctx context.Context, body []byte) (*PaymentDTO, error) {
	stkCallback, err := parseCallbackBody(body)
	if err != nil {
		return nil, err
	}
	checkoutID := callbackCheckoutID(stkCallback)
	if checkoutID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback is missing CheckoutRequestID")
	}

	payment, err := s.repo.FindByCheckoutRequestID(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	ctx = s.withPaymentFields(ctx, payment.ID, payment.OrderID)
	return s.reconcile(ctx, payment.ID, stkCallback, "callback")
}

func (s *service) GetPayment(ctx context.Context, id uuid.UUID) (*PaymentDTO, error) {
	if id == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	payment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewPaymentDTO(payment), nil
}

// reconcile applies the provider result to the payment exactly once. The row
// is locked for the transition so a racing verify and callback cannot both
// apply side effects; a payment that is already settled is returned untouched.
// A successful settlement also moves the order to paid and queues the
// confirmation event in the same transaction.
func (s *service) reconcile(ctx context.Context, paymentID uuid.UUID, payload map[string]any, source string) (*PaymentDTO, error) {
	var result *models.Payment
	outcome := "duplicate"

	err := s.dbClient.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		payment, err := repo.FindByIDForUpdate(ctx, paymentID)
		if err != nil {
			return err
		}
		if payment.Status.IsSettled() {
			result = payment
			return nil
		}

		code, hasCode := extractResultCode(payload)
		description := extractResultDescription(payload)
		changes := map[string]any{}
		if hasCode {
			changes["result_code"] = code
		}
		if description != "" {
			changes["result_description"] = truncate(description, 255)
		}

		success := hasCode && code == 0
		if success {
			outcome = "success"
			changes["status"] = enums.PaymentStatusSuccessful
			changes["settled_at"] = s.now().UTC()
			if receipt := extractReceipt(payload); receipt != "" {
				changes["provider_receipt"] = receipt
			}
		} else {
			outcome = "failure"
			changes["status"] = enums.PaymentStatusFailed
		}

		if err := repo.Updates(ctx, payment.ID, changes); err != nil {
			return err
		}
		payment, err = repo.FindByID(ctx, payment.ID)
		if err != nil {
			return err
		}

		order, err := s.orders.WithTx(tx).FindByID(ctx, payment.OrderID)
		if err != nil {
			return err
		}
		if success {
			if err := s.orders.WithTx(tx).UpdateStatus(ctx, order.ID, enums.OrderStatusPaid); err != nil {
				return err
			}
		}
		if err := s.emitSettlement(ctx, tx, payment, order, success); err != nil {
			return err
		}

		result = payment
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.workflow.IncPaymentReconciled(outcome)
	if s.logg != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{"source": source, "outcome": outcome}), "payment reconciled")
	}
	return NewPaymentDTO(result), nil
}

func (s *service) emitSettlement(ctx context.Context, tx *gorm.DB, payment *models.Payment, order *models.Order, success bool) error {
	if s.emitter == nil {
		return nil
	}
	eventType := enums.EventPaymentFailed
	if success {
		eventType = enums.EventPaymentSettled
	}
	return s.emitter.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     eventType,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Version:       1,
		Actor:         &outbox.ActorRef{CustomerID: order.CustomerID, Source: "provider"},
		Data: payloads.PaymentStatusEvent{
			PaymentID:         payment.ID,
			OrderID:           order.ID,
			CustomerID:        order.CustomerID,
			Amount:            payment.Amount,
			Status:            string(payment.Status),
			ProviderReceipt:   payment.ProviderReceipt,
			ResultDescription: payment.ResultDescription,
		},
	})
}

func (s *service) withPaymentFields(ctx context.Context, paymentID, orderID uuid.UUID) context.Context {
	if s.logg == nil {
		return ctx
	}
	ctx = s.logg.WithPaymentID(ctx, paymentID.String())
	return s.logg.WithOrderID(ctx, orderID.String())
}

// parseCallbackBody digs the stkCallback object out of the provider's
// envelope, tolerating casing drift on the wrapper keys.
func parseCallbackBody(body []byte) (map[string]any, error) {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback body is not valid JSON")
	}
	wrapper, ok := lookupFold(envelope, "Body")
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback body is missing Body")
	}
	inner, ok := wrapper.(map[string]any)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback Body has an unexpected shape")
	}
	raw, ok := lookupFold(inner, "stkCallback")
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "callback body is missing stkCallback")
	}
	stkCallback, ok := raw.(map[string]any)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "stkCallback has an unexpected shape")
	}
	return stkCallback, nil
}

func callbackCheckoutID(stkCallback map[string]any) string {
	raw, ok := lookupFold(stkCallback, "CheckoutRequestID")
	if !ok {
		return ""
	}
	id, _ := raw.(string)
	return strings.TrimSpace(id)
}

func lookupFold(node map[string]any, key string) (any, bool) {
	if value, ok := node[key]; ok {
		return value, true
	}
	for k, value := range node {
		if strings.EqualFold(k, key) {
			return value, true
		}
	}
	return nil, false
}

// accountReference derives the short customer-facing reference the provider
// shows on the handset, capped at the 12 characters Daraja accepts.
func accountReference(orderID uuid.UUID) string {
	compact := strings.ToUpper(strings.ReplaceAll(orderID.String(), "-", ""))
	if len(compact) > 12 {
		compact = compact[:12]
	}
	return compact
}

func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	return text[:limit]
}
