/**
 * @description
 * Prometheus counters for the billing-service. A Metrics value owns its own registry
 * so tests can build isolated instances. Every recording method is safe on a nil
 * receiver, which lets callers treat metrics as optional.
 *
 * @dependencies
 * - github.com/prometheus/client_golang: counters, registry and the /metrics handler.
 */

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

type Metrics struct {
	registry *prometheus.Registry

	BillingUpserts   *prometheus.CounterVec
	PaymentsRecorded *prometheus.CounterVec
	Payouts          *prometheus.CounterVec
	PayoutAmount     prometheus.Counter
	Webhooks         *prometheus.CounterVec
	OutboxDispatch   *prometheus.CounterVec
}

// New registers the service counters plus the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BillingUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billing_upserts_total",
			Help: "Billing record upserts by outcome.",
		}, []string{"outcome"}),
		PaymentsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_recorded_total",
			Help: "Payment intake attempts by source and outcome.",
		}, []string{"source", "outcome"}),
		Payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payouts_total",
			Help: "Landlord payout batches by outcome.",
		}, []string{"outcome"}),
		PayoutAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "payout_amount_total",
			Help: "Sum of accepted payout batch amounts in pesos.",
		}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhooks_total",
			Help: "Inbound gateway webhooks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		OutboxDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_dispatch_total",
			Help: "Notification outbox deliveries by outcome.",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BillingUpserts,
		m.PaymentsRecorded,
		m.Payouts,
		m.PayoutAmount,
		m.Webhooks,
		m.OutboxDispatch,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BillingUpsert(outcome string) {
	if m == nil {
		return
	}
	m.BillingUpserts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PaymentRecorded(source, outcome string) {
	if m == nil {
		return
	}
	m.PaymentsRecorded.WithLabelValues(source, outcome).Inc()
}

// Payout counts one batch. Accepted batches also add their amount.
func (m *Metrics) Payout(outcome string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	m.Payouts.WithLabelValues(outcome).Inc()
	if outcome == "accepted" {
		m.PayoutAmount.Add(amount.InexactFloat64())
	}
}

func (m *Metrics) Webhook(kind, outcome string) {
	if m == nil {
		return
	}
	m.Webhooks.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) Outbox(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.OutboxDispatch.WithLabelValues(outcome).Add(float64(n))
}
