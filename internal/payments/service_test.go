package payments

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mtaani/commerce-backend/internal/orders"
	"github.com/mtaani/commerce-backend/pkg/db/models"
	"github.com/mtaani/commerce-backend/pkg/enums"
	pkgerrors "github.com/mtaani/commerce-backend/pkg/errors"
	"github.com/mtaani/commerce-backend/pkg/mpesa"
	"github.com/mtaani/commerce-backend/pkg/outbox"
)

type testTxRunner struct {
	db *gorm.DB
}

func (r *testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type stubEmitter struct {
	events []outbox.DomainEvent
}

func (s *stubEmitter) Emit(_ context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	if tx == nil {
		panic("emit outside transaction")
	}
	s.events = append(s.events, event)
	return nil
}

type stubSTK struct {
	pushResp   *mpesa.STKPushResponse
	pushErr    error
	pushCalls  int
	queryResp  *mpesa.STKQueryResponse
	queryErr   error
	queryCalls int
}

func (s *stubSTK) STKPush(_ context.Context, _ mpesa.STKPushParams) (*mpesa.STKPushResponse, error) {
	s.pushCalls++
	if s.pushErr != nil {
		return nil, s.pushErr
	}
	return s.pushResp, nil
}

func (s *stubSTK) QueryStatus(_ context.Context, _ string) (*mpesa.STKQueryResponse, error) {
	s.queryCalls++
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	return s.queryResp, nil
}

type testEnv struct {
	svc     Service
	db      *gorm.DB
	stk     *stubSTK
	emitter *stubEmitter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := "file:payments_" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	err = db.AutoMigrate(
		&models.Customer{},
		&models.Category{},
		&models.Product{},
		&models.Order{},
		&models.OrderItem{},
		&models.Payment{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stk := &stubSTK{
		pushResp: &mpesa.STKPushResponse{
			MerchantRequestID:   "mr-0001",
			CheckoutRequestID:   "ws_CO_TEST_0001",
			ResponseCode:        "0",
			ResponseDescription: "Success. Request accepted for processing",
		},
	}
	emitter := &stubEmitter{}
	svc, err := NewService(NewRepository(db), orders.NewRepository(db), &testTxRunner{db: db}, stk, emitter, nil, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testEnv{svc: svc, db: db, stk: stk, emitter: emitter}
}

func (e *testEnv) seedOrder(t *testing.T, total string) *models.Order {
	t.Helper()
	customer := models.Customer{
		FirstName: "Wanjiru",
		LastName:  "Kamau",
		Email:     "wanjiru_" + uuid.NewString() + "@example.com",
		Phone:     "254712345678",
	}
	if err := e.db.Create(&customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		t.Fatalf("parse total: %v", err)
	}
	order := models.Order{
		CustomerID: customer.ID,
		Status:     enums.OrderStatusPending,
		Total:      amount,
	}
	if err := e.db.Create(&order).Error; err != nil {
		t.Fatalf("seed order: %v", err)
	}
	return &order
}

func (e *testEnv) loadPayment(t *testing.T, id uuid.UUID) *models.Payment {
	t.Helper()
	var payment models.Payment
	if err := e.db.First(&payment, "id = ?", id).Error; err != nil {
		t.Fatalf("load payment: %v", err)
	}
	return &payment
}

func successCallbackBody(checkoutID, receipt string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "mr-0001",
				"CheckoutRequestID": %q,
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 100.0},
						{"Name": "MpesaReceiptNumber", "Value": %q},
						{"Name": "TransactionDate", "Value": 20250901101530},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`, checkoutID, receipt))
}

func failureCallbackBody(checkoutID string) []byte {
	return []byte(fmt.Sprintf(`{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "mr-0001",
				"CheckoutRequestID": %q,
				"ResultCode": 1032,
				"ResultDesc": "Request cancelled by user"
			}
		}
	}`, checkoutID))
}

func TestInitiateStoresCheckoutReference(t *testing.T) {
	env := newTestEnv(t)
	order := env.seedOrder(t, "100.00")

	dto, err := env.svc.Initiate(context.Background(), InitiateInput{OrderID: order.ID, Phone: "0712345678"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if dto.Status != string(enums.PaymentStatusPending) {
		t.Fatalf("expected pending payment, got %s", dto.Status)
	}
	if !dto.Amount.Equal(order.Total) {
		t.Fatalf("expected amount copied from order, got %s", dto.Amount)
	}
	if dto.CheckoutRequestID != "ws_CO_TEST_0001" || dto.MerchantRequestID != "mr-0001" {
		t.Fatalf("unexpected provider references %q %q", dto.CheckoutRequestID, dto.MerchantRequestID)
	}
	if dto.Phone != "254712345678" {
		t.Fatalf("expected normalized phone, got %q", dto.Phone)
	}
	if env.stk.pushCalls != 1 {
		t.Fatalf("expected one provider call, got %d", env.stk.pushCalls)
	}
}

func TestInitiateProviderErrorLeavesAuditableRow(t *testing.T) {
	env := newTestEnv(t)
	env.stk.pushErr = pkgerrors.New(pkgerrors.CodeDependency, "provider unavailable")
	order := env.seedOrder(t, "100.00")

	_, err := env.svc.Initiate(context.Background(), InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeDependency {
		t.Fatalf("expected dependency error, got %v", err)
	}

	var payment models.Payment
	if err := env.db.First(&payment, "order_id = ?", order.ID).Error; err != nil {
		t.Fatalf("expected payment row to survive: %v", err)
	}
	if payment.Status != enums.PaymentStatusFailed {
		t.Fatalf("expected failed payment, got %s", payment.Status)
	}
}

func TestInitiateDuplicateRejected(t *testing.T) {
	env := newTestEnv(t)
	order := env.seedOrder(t, "100.00")
	ctx := context.Background()

	if _, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"}); err != nil {
		t.Fatalf("first initiate: %v", err)
	}
	_, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeConflict {
		t.Fatalf("expected conflict, got %v", err)
	}
	if env.stk.pushCalls != 1 {
		t.Fatalf("expected no second provider call, got %d", env.stk.pushCalls)
	}
}

func TestInitiateUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.Initiate(context.Background(), InitiateInput{OrderID: uuid.New(), Phone: "254712345678"})
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCallbackSettlesPaymentAndOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, "100.00")
	dto, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	settled, err := env.svc.HandleCallback(ctx, successCallbackBody(dto.CheckoutRequestID, "ABC123"))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if settled.Status != string(enums.PaymentStatusSuccessful) {
		t.Fatalf("expected successful, got %s", settled.Status)
	}
	if settled.ProviderReceipt != "ABC123" {
		t.Fatalf("expected receipt ABC123, got %q", settled.ProviderReceipt)
	}
	if settled.SettledAt == nil || time.Since(*settled.SettledAt) > time.Minute {
		t.Fatalf("expected recent settlement timestamp, got %v", settled.SettledAt)
	}
	if settled.ResultCode == nil || *settled.ResultCode != 0 {
		t.Fatalf("expected result code 0, got %v", settled.ResultCode)
	}

	var reloaded models.Order
	if err := env.db.First(&reloaded, "id = ?", order.ID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if reloaded.Status != enums.OrderStatusPaid {
		t.Fatalf("expected paid order, got %s", reloaded.Status)
	}

	if len(env.emitter.events) != 1 || env.emitter.events[0].EventType != enums.EventPaymentSettled {
		t.Fatalf("expected one settled event, got %+v", env.emitter.events)
	}
}

func TestCallbackIdempotentOnRedelivery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, "100.00")
	dto, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	body := successCallbackBody(dto.CheckoutRequestID, "ABC123")
	first, err := env.svc.HandleCallback(ctx, body)
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	second, err := env.svc.HandleCallback(ctx, body)
	if err != nil {
		t.Fatalf("second callback: %v", err)
	}
	if second.Status != string(enums.PaymentStatusSuccessful) {
		t.Fatalf("expected successful on redelivery, got %s", second.Status)
	}
	if !second.SettledAt.Equal(*first.SettledAt) {
		t.Fatalf("expected settlement timestamp unchanged")
	}
	if len(env.emitter.events) != 1 {
		t.Fatalf("expected exactly one event after redelivery, got %d", len(env.emitter.events))
	}

	// A late contradictory result must not flip a settled payment either.
	if _, err := env.svc.HandleCallback(ctx, failureCallbackBody(dto.CheckoutRequestID)); err != nil {
		t.Fatalf("contradictory callback: %v", err)
	}
	final := env.loadPayment(t, dto.ID)
	if final.Status != enums.PaymentStatusSuccessful {
		t.Fatalf("settled payment flipped to %s", final.Status)
	}
}

func TestCallbackFailureOutcome(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, "100.00")
	dto, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	failed, err := env.svc.HandleCallback(ctx, failureCallbackBody(dto.CheckoutRequestID))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if failed.Status != string(enums.PaymentStatusFailed) {
		t.Fatalf("expected failed, got %s", failed.Status)
	}
	if failed.SettledAt != nil {
		t.Fatalf("failed payment must not carry a settlement timestamp")
	}

	var reloaded models.Order
	if err := env.db.First(&reloaded, "id = ?", order.ID).Error; err != nil {
		t.Fatalf("load order: %v", err)
	}
	if reloaded.Status != enums.OrderStatusPending {
		t.Fatalf("order status must stay pending, got %s", reloaded.Status)
	}
	if len(env.emitter.events) != 1 || env.emitter.events[0].EventType != enums.EventPaymentFailed {
		t.Fatalf("expected one failed event, got %+v", env.emitter.events)
	}
}

func TestCallbackUnknownCheckoutReference(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, "100.00")
	dto, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	_, err = env.svc.HandleCallback(ctx, successCallbackBody("ws_CO_UNKNOWN", "ABC123"))
	if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	payment := env.loadPayment(t, dto.ID)
	if payment.Status != enums.PaymentStatusPending {
		t.Fatalf("payment must stay pending, got %s", payment.Status)
	}
}

func TestCallbackMatchesCaseInsensitively(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, "100.00")
	dto, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	settled, err := env.svc.HandleCallback(ctx, successCallbackBody("WS_co_test_0001", "ABC123"))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	if settled.ID != dto.ID || settled.Status != string(enums.PaymentStatusSuccessful) {
		t.Fatalf("expected matching payment settled, got %+v", settled)
	}
}

func TestCallbackMalformedBody(t *testing.T) {
	env := newTestEnv(t)
	cases := [][]byte{
		[]byte("not json at all"),
		[]byte(`{"Body": "string"}`),
		[]byte(`{"Body": {"other": {}}}`),
		[]byte(`{"Body": {"stkCallback": {"ResultCode": 0}}}`),
	}
	for i, body := range cases {
		_, err := env.svc.HandleCallback(context.Background(), body)
		if typed := pkgerrors.As(err); typed == nil || typed.Code() != pkgerrors.CodeValidation {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestVerifyReconcilesThroughQuery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, "100.00")
	dto, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	env.stk.queryResp = &mpesa.STKQueryResponse{
		ResponseCode: "0",
		ResultCode:   "0",
		ResultDesc:   "The service request is processed successfully.",
	}
	verified, err := env.svc.Verify(ctx, dto.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != string(enums.PaymentStatusSuccessful) {
		t.Fatalf("expected successful, got %s", verified.Status)
	}
	if env.stk.queryCalls != 1 {
		t.Fatalf("expected one query call, got %d", env.stk.queryCalls)
	}

	// Settled payments return without another provider round trip.
	again, err := env.svc.Verify(ctx, dto.ID)
	if err != nil {
		t.Fatalf("second verify: %v", err)
	}
	if again.Status != string(enums.PaymentStatusSuccessful) || env.stk.queryCalls != 1 {
		t.Fatalf("expected cached settlement, got %s after %d calls", again.Status, env.stk.queryCalls)
	}
}

func TestVerifyFailureResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	order := env.seedOrder(t, "100.00")
	dto, err := env.svc.Initiate(ctx, InitiateInput{OrderID: order.ID, Phone: "254712345678"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	env.stk.queryResp = &mpesa.STKQueryResponse{
		ResponseCode: "0",
		ResultCode:   "1032",
		ResultDesc:   "Request cancelled by user",
	}
	verified, err := env.svc.Verify(ctx, dto.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if verified.Status != string(enums.PaymentStatusFailed) {
		t.Fatalf("expected failed, got %s", verified.Status)
	}
	if verified.ResultDescription != "Request cancelled by user" {
		t.Fatalf("unexpected description %q", verified.ResultDescription)
	}
}
