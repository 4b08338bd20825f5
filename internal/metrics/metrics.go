package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the engine's Prometheus instruments behind one registry so
// tests can build isolated instances.
type Registry struct {
	reg *prometheus.Registry

	EventsIngested         *prometheus.CounterVec
	EventsDropped          *prometheus.CounterVec
	OpportunitiesDetected  *prometheus.CounterVec
	OpportunitiesDuplicate prometheus.Counter
	ExecutionsTotal        *prometheus.CounterVec
	SkipsTotal             *prometheus.CounterVec
	QueueDepth             *prometheus.GaugeVec
	GasPriceGwei           *prometheus.GaugeVec
	DetectionLatency       prometheus.Histogram
	ExecutionLatency       prometheus.Histogram
	ProviderFailovers      *prometheus.CounterVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		EventsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_events_ingested_total",
			Help: "Chain events decoded and dispatched, by chain and event kind.",
		}, []string{"chain", "kind"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_events_dropped_total",
			Help: "Events rejected before dispatch, by chain and reason.",
		}, []string{"chain", "reason"}),
		OpportunitiesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_opportunities_detected_total",
			Help: "Opportunities published to the bus, by type and buy chain.",
		}, []string{"type", "chain"}),
		OpportunitiesDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "arb_opportunities_duplicate_total",
			Help: "Opportunities suppressed by fingerprint dedupe.",
		}),
		ExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_executions_total",
			Help: "Execution attempts, by chain and result.",
		}, []string{"chain", "result"}),
		SkipsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_execution_skips_total",
			Help: "Opportunities skipped before submission, by chain and reason.",
		}, []string{"chain", "reason"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arb_queue_depth",
			Help: "Current depth of internal work queues.",
		}, []string{"queue"}),
		GasPriceGwei: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arb_gas_price_gwei",
			Help: "Last observed gas price per chain.",
		}, []string{"chain"}),
		DetectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_detection_latency_seconds",
			Help:    "Price update to opportunity publish latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		ExecutionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arb_execution_latency_seconds",
			Help:    "Opportunity dequeue to submission latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ProviderFailovers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "arb_provider_failovers_total",
			Help: "WebSocket provider rotations, by chain.",
		}, []string{"chain"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
