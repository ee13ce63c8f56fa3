// Package metrics exposes Prometheus gauges and counters for the router,
// funder, and token-channel layers: requests forwarded, freeze-guard
// rejections, open token channels, and friend liveness. Grounded on the
// promauto-registered counter/gauge/histogram shape other payment-channel
// codebases in this ecosystem use for the same kind of per-operation
// accounting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric this node exposes, constructed once at
// startup and threaded through the router/funder/token-channel layers.
type Registry struct {
	RequestsForwarded   prometheus.Counter
	RequestsRejected    *prometheus.CounterVec
	BackwardsRouted     prometheus.Counter
	FreezeGuardRejected prometheus.Counter

	FriendsOnline      prometheus.Gauge
	FriendsTotal       prometheus.Gauge
	TokenChannelsOpen  prometheus.Gauge
	ChannelsInconsistent prometheus.Gauge

	BatchSize        prometheus.Histogram
	PaymentDuration  prometheus.Histogram

	InvoicesCommitted prometheus.Counter
	InvoicesCancelled prometheus.Counter
}

// NewRegistry creates and registers every metric against reg (use
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		RequestsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meshnode",
			Subsystem: "funder",
			Name:      "requests_forwarded_total",
			Help:      "Number of RequestSendFunds successfully forwarded downstream.",
		}),
		RequestsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshnode",
			Subsystem: "funder",
			Name:      "requests_rejected_total",
			Help:      "Number of RequestSendFunds rejected on the forward path, by reason.",
		}, []string{"reason"}),
		BackwardsRouted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meshnode",
			Subsystem: "funder",
			Name:      "backwards_routed_total",
			Help:      "Number of ResponseSendFunds/CancelSendFunds routed back toward their origin.",
		}),
		FreezeGuardRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meshnode",
			Subsystem: "funder",
			Name:      "freeze_guard_rejected_total",
			Help:      "Number of forward-path requests rejected by the freeze guard.",
		}),
		FriendsOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Subsystem: "friend",
			Name:      "online",
			Help:      "Number of friends currently marked online.",
		}),
		FriendsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Subsystem: "friend",
			Name:      "total",
			Help:      "Number of friends registered with this node.",
		}),
		TokenChannelsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Subsystem: "tokenchannel",
			Name:      "open",
			Help:      "Number of token channels currently in a consistent state.",
		}),
		ChannelsInconsistent: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "meshnode",
			Subsystem: "tokenchannel",
			Name:      "inconsistent",
			Help:      "Number of token channels currently inconsistent, awaiting reset.",
		}),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meshnode",
			Subsystem: "friend",
			Name:      "batch_size",
			Help:      "Number of operations drained into a single outgoing MoveToken batch.",
			Buckets:   prometheus.LinearBuckets(1, 4, 8),
		}),
		PaymentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "meshnode",
			Subsystem: "node",
			Name:      "payment_duration_seconds",
			Help:      "Time from CreatePayment to a completed payment's last transaction result.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		InvoicesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meshnode",
			Subsystem: "node",
			Name:      "invoices_committed_total",
			Help:      "Number of invoices that released their preimage via CommitInvoice.",
		}),
		InvoicesCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "meshnode",
			Subsystem: "node",
			Name:      "invoices_cancelled_total",
			Help:      "Number of invoices cancelled before collecting their full total.",
		}),
	}
}
