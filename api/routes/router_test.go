package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mtaani/commerce-backend/internal/catalog"
	"github.com/mtaani/commerce-backend/internal/customers"
	"github.com/mtaani/commerce-backend/internal/orders"
	"github.com/mtaani/commerce-backend/internal/payments"
	"github.com/mtaani/commerce-backend/pkg/config"
	"github.com/mtaani/commerce-backend/pkg/db/models"
	"github.com/mtaani/commerce-backend/pkg/enums"
	"github.com/mtaani/commerce-backend/pkg/logger"
	"github.com/mtaani/commerce-backend/pkg/mpesa"
	"github.com/mtaani/commerce-backend/pkg/outbox"
)

type testTxRunner struct {
	db *gorm.DB
}

func (r *testTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type fakeCache struct {
	data map[string]string
}

func (f *fakeCache) Get(_ context.Context, key string) (string, error) {
	if value, ok := f.data[key]; ok {
		return value, nil
	}
	return "", fmt.Errorf("cache miss")
}

func (f *fakeCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	f.data[key] = fmt.Sprint(value)
	return nil
}

func (f *fakeCache) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func (f *fakeCache) Incr(_ context.Context, _ string) (int64, error) { return 1, nil }

func (f *fakeCache) Info(_ context.Context, _ ...string) (string, error) {
	return "keyspace_hits:0\r\nkeyspace_misses:0\r\n", nil
}

func (f *fakeCache) CacheKey(parts ...string) string {
	key := "test:cache"
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

func (f *fakeCache) CounterKey(name string) string { return "test:counter:" + name }

type stubSTK struct {
	queryResp *mpesa.STKQueryResponse
}

func (s *stubSTK) STKPush(_ context.Context, _ mpesa.STKPushParams) (*mpesa.STKPushResponse, error) {
	return &mpesa.STKPushResponse{
		MerchantRequestID: "mr-1",
		CheckoutRequestID: "ws_CO_ROUTER_1",
		ResponseCode:      "0",
	}, nil
}

func (s *stubSTK) QueryStatus(_ context.Context, _ string) (*mpesa.STKQueryResponse, error) {
	return s.queryResp, nil
}

type testServer struct {
	handler http.Handler
	db      *gorm.DB
	stk     *stubSTK
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dsn := "file:routes_" + uuid.NewString() + "?mode=memory&cache=shared"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	err = gdb.AutoMigrate(
		&models.Customer{},
		&models.Category{},
		&models.Product{},
		&models.Order{},
		&models.OrderItem{},
		&models.Payment{},
		&models.OutboxEvent{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logg := logger.New(logger.Options{ServiceName: "router-test", Output: io.Discard})
	runner := &testTxRunner{db: gdb}
	emitter := outbox.NewService(outbox.NewRepository(gdb), logg)

	catalogSvc, err := catalog.NewService(
		catalog.NewRepository(gdb), runner, &fakeCache{data: map[string]string{}}, emitter,
		config.CatalogConfig{ListCacheTTL: time.Hour}, logg,
	)
	if err != nil {
		t.Fatalf("catalog service: %v", err)
	}
	orderSvc, err := orders.NewService(orders.NewRepository(gdb), runner, customers.NewRepository(gdb), emitter, logg, nil)
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	stk := &stubSTK{}
	paymentSvc, err := payments.NewService(payments.NewRepository(gdb), orders.NewRepository(gdb), runner, stk, emitter, logg, nil)
	if err != nil {
		t.Fatalf("payment service: %v", err)
	}

	cfg := &config.Config{}
	cfg.App.Env = "test"
	handler := NewRouter(cfg, logg, nil, nil, prometheus.NewRegistry(), catalogSvc, orderSvc, paymentSvc)
	return &testServer{handler: handler, db: gdb, stk: stk}
}

func (s *testServer) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seedCustomer(t *testing.T) uuid.UUID {
	t.Helper()
	customer := models.Customer{
		FirstName: "Njeri",
		LastName:  "Otieno",
		Email:     "njeri_" + uuid.NewString() + "@example.com",
		Phone:     "254712345678",
	}
	if err := s.db.Create(&customer).Error; err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	return customer.ID
}

func (s *testServer) seedProduct(t *testing.T, price string, stock int) uuid.UUID {
	t.Helper()
	product := models.Product{
		Name:  "Router Test Product",
		Price: decimal.RequireFromString(price),
		Stock: stock,
	}
	if err := s.db.Create(&product).Error; err != nil {
		t.Fatalf("seed product: %v", err)
	}
	return product.ID
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var envelope struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return envelope.Data
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error response %q: %v", rec.Body.String(), err)
	}
	return envelope.Error.Code
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	if rec := srv.request(t, http.MethodGet, "/health/live", nil); rec.Code != http.StatusOK {
		t.Fatalf("live: expected 200, got %d", rec.Code)
	}
	if rec := srv.request(t, http.MethodGet, "/health/ready", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready: expected 200, got %d", rec.Code)
	}
	if rec := srv.request(t, http.MethodGet, "/metrics", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
}

func TestPlaceOrderEndpoint(t *testing.T) {
	srv := newTestServer(t)
	customerID := srv.seedCustomer(t)
	productID := srv.seedProduct(t, "100.00", 1)

	rec := srv.request(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"customer_id": customerID,
		"items":       []map[string]any{{"product_id": productID, "quantity": 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeData(t, rec)
	if data["total"] != "100" && data["total"] != "100.00" {
		t.Fatalf("unexpected total %v", data["total"])
	}

	// Stock is exhausted, the next order must be rejected with 409.
	rec = srv.request(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"customer_id": customerID,
		"items":       []map[string]any{{"product_id": productID, "quantity": 1}},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "INSUFFICIENT_STOCK" {
		t.Fatalf("unexpected error code %q", code)
	}
}

func TestPlaceOrderRejectsUnknownFields(t *testing.T) {
	srv := newTestServer(t)
	rec := srv.request(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"customer_id": uuid.New(),
		"items":       []map[string]any{},
		"surprise":    true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPaymentFlowEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	customerID := srv.seedCustomer(t)
	productID := srv.seedProduct(t, "100.00", 1)

	rec := srv.request(t, http.MethodPost, "/api/v1/orders", map[string]any{
		"customer_id": customerID,
		"items":       []map[string]any{{"product_id": productID, "quantity": 1}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("place order: %d: %s", rec.Code, rec.Body.String())
	}
	orderID := decodeData(t, rec)["id"].(string)

	rec = srv.request(t, http.MethodPost, "/api/v1/payments/initiate", map[string]any{
		"order_id": orderID,
		"phone":    "254712345678",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate: %d: %s", rec.Code, rec.Body.String())
	}
	payment := decodeData(t, rec)
	paymentID := payment["id"].(string)
	checkoutID := payment["checkout_request_id"].(string)
	if payment["status"] != string(enums.PaymentStatusPending) {
		t.Fatalf("expected pending payment, got %v", payment["status"])
	}

	callback := fmt.Sprintf(`{
		"Body": {"stkCallback": {
			"CheckoutRequestID": %q,
			"ResultCode": 0,
			"ResultDesc": "Processed",
			"CallbackMetadata": {"Item": [{"Name": "MpesaReceiptNumber", "Value": "ABC123"}]}
		}}
	}`, checkoutID)
	rec = srv.request(t, http.MethodPost, "/api/v1/webhooks/mpesa", []byte(callback))
	if rec.Code != http.StatusOK {
		t.Fatalf("callback: %d: %s", rec.Code, rec.Body.String())
	}

	rec = srv.request(t, http.MethodGet, "/api/v1/payments/"+paymentID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get payment: %d", rec.Code)
	}
	settled := decodeData(t, rec)
	if settled["status"] != string(enums.PaymentStatusSuccessful) {
		t.Fatalf("expected successful payment, got %v", settled["status"])
	}
	if settled["provider_receipt"] != "ABC123" {
		t.Fatalf("expected receipt stored, got %v", settled["provider_receipt"])
	}

	rec = srv.request(t, http.MethodGet, "/api/v1/orders/"+orderID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: %d", rec.Code)
	}
	if status := decodeData(t, rec)["status"]; status != string(enums.OrderStatusPaid) {
		t.Fatalf("expected paid order, got %v", status)
	}

	// Redelivered callbacks still acknowledge with 200.
	rec = srv.request(t, http.MethodPost, "/api/v1/webhooks/mpesa", []byte(callback))
	if rec.Code != http.StatusOK {
		t.Fatalf("redelivered callback: %d", rec.Code)
	}
}

func TestWebhookErrorStatuses(t *testing.T) {
	srv := newTestServer(t)

	rec := srv.request(t, http.MethodPost, "/api/v1/webhooks/mpesa", []byte("not json"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body: expected 400, got %d", rec.Code)
	}

	unknown := `{"Body": {"stkCallback": {"CheckoutRequestID": "ws_CO_NOPE", "ResultCode": 0}}}`
	rec = srv.request(t, http.MethodPost, "/api/v1/webhooks/mpesa", []byte(unknown))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown reference: expected 404, got %d", rec.Code)
	}
}

func TestGetProductEndpoints(t *testing.T) {
	srv := newTestServer(t)
	productID := srv.seedProduct(t, "45.50", 3)

	rec := srv.request(t, http.MethodGet, "/api/v1/products", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = srv.request(t, http.MethodGet, "/api/v1/products/"+productID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail: expected 200, got %d", rec.Code)
	}

	rec = srv.request(t, http.MethodGet, "/api/v1/products/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing product: expected 404, got %d", rec.Code)
	}

	rec = srv.request(t, http.MethodGet, "/api/v1/products/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
}
