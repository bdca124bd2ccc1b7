package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WorkflowMetrics records counters for the order and payment workflows.
type WorkflowMetrics struct {
	ordersPlaced         prometheus.Counter
	reservationsRejected *prometheus.CounterVec
	paymentsReconciled   *prometheus.CounterVec
	providerCallDuration *prometheus.HistogramVec
}

// NewWorkflowMetrics registers the workflow metrics on the provided registerer.
func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	if reg == nil {
		return &WorkflowMetrics{}
	}
	ordersPlaced := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Orders successfully placed.",
	})
	reservationsRejected := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_reservations_rejected_total",
		Help: "Stock reservations rejected during order placement.",
	}, []string{"reason"})
	paymentsReconciled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "payments_reconciled_total",
		Help: "Payments reconciled to a terminal status.",
	}, []string{"outcome"})
	providerCallDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_provider_call_duration_seconds",
		Help:    "Duration of outbound payment provider calls in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
	reg.MustRegister(ordersPlaced, reservationsRejected, paymentsReconciled, providerCallDuration)
	return &WorkflowMetrics{
		ordersPlaced:         ordersPlaced,
		reservationsRejected: reservationsRejected,
		paymentsReconciled:   paymentsReconciled,
		providerCallDuration: providerCallDuration,
	}
}

// IncOrderPlaced increments the placed-orders counter.
func (w *WorkflowMetrics) IncOrderPlaced() {
	if w == nil || w.ordersPlaced == nil {
		return
	}
	w.ordersPlaced.Inc()
}

// IncReservationRejected increments the rejected-reservations counter.
func (w *WorkflowMetrics) IncReservationRejected(reason string) {
	if w == nil || w.reservationsRejected == nil {
		return
	}
	w.reservationsRejected.WithLabelValues(normalizeLabel(reason)).Inc()
}

// IncPaymentReconciled increments the reconciled-payments counter.
func (w *WorkflowMetrics) IncPaymentReconciled(outcome string) {
	if w == nil || w.paymentsReconciled == nil {
		return
	}
	w.paymentsReconciled.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// ObserveProviderCall records the duration of an outbound provider call.
func (w *WorkflowMetrics) ObserveProviderCall(operation string, duration time.Duration) {
	if w == nil || w.providerCallDuration == nil {
		return
	}
	w.providerCallDuration.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
