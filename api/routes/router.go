package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtaani/commerce-backend/api/controllers"
	webhookcontrollers "github.com/mtaani/commerce-backend/api/controllers/webhooks"
	"github.com/mtaani/commerce-backend/api/middleware"
	"github.com/mtaani/commerce-backend/internal/catalog"
	"github.com/mtaani/commerce-backend/internal/orders"
	"github.com/mtaani/commerce-backend/internal/payments"
	"github.com/mtaani/commerce-backend/pkg/config"
	"github.com/mtaani/commerce-backend/pkg/db"
	"github.com/mtaani/commerce-backend/pkg/logger"
	"github.com/mtaani/commerce-backend/pkg/redis"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	dbP db.Pinger,
	redisP redis.Pinger,
	registry *prometheus.Registry,
	catalogService catalog.Service,
	orderService orders.Service,
	paymentService payments.Service,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, dbP, redisP))
	})

	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/products", controllers.ListProducts(catalogService, logg))
		r.Get("/products/{productId}", controllers.GetProduct(catalogService, logg))
		r.Get("/cache/metrics", controllers.CacheMetrics(catalogService, logg))

		r.Post("/orders", controllers.PlaceOrder(orderService, logg))
		r.Get("/orders/{orderId}", controllers.GetOrder(orderService, logg))
		r.Get("/customers/{customerId}/orders", controllers.ListCustomerOrders(orderService, logg))

		r.Post("/payments/initiate", controllers.InitiatePayment(paymentService, logg))
		r.Post("/payments/{paymentId}/verify", controllers.VerifyPayment(paymentService, logg))
		r.Get("/payments/{paymentId}", controllers.GetPayment(paymentService, logg))

		r.Post("/webhooks/mpesa", webhookcontrollers.MpesaCallback(paymentService, logg))
	})

	return r
}
