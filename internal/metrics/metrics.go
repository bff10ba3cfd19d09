package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many instances as
// they like without duplicate-collector panics.
type Metrics struct {
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	metersSold      prometheus.Counter
	revenueCents    prometheus.Counter
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	externalErrors  *prometheus.CounterVec
	streamClients   prometheus.Gauge
	jobRuns         *prometheus.CounterVec
	inStock         *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "umspos_http_request_duration_seconds",
				Help:    "HTTP request latency by route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umspos_meter_transitions_total",
				Help: "Meter lifecycle transitions applied, by event kind.",
			},
			[]string{"event"},
		),
		metersSold: factory.NewCounter(prometheus.CounterOpts{
			Name: "umspos_meters_sold_total",
			Help: "Meters sold across all batches.",
		}),
		revenueCents: factory.NewCounter(prometheus.CounterOpts{
			Name: "umspos_sales_revenue_cents_total",
			Help: "Revenue recorded by new sale batches, in cents.",
		}),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umspos_cache_hits_total",
				Help: "Cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umspos_cache_misses_total",
				Help: "Cache misses.",
			},
			[]string{"cache"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umspos_external_errors_total",
				Help: "Errors from external services.",
			},
			[]string{"service"},
		),
		streamClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "umspos_notification_stream_clients",
			Help: "Open notification stream connections.",
		}),
		jobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "umspos_job_runs_total",
				Help: "Scheduled job runs by job and outcome.",
			},
			[]string{"job", "outcome"},
		),
		inStock: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "umspos_in_stock_meters",
				Help: "In-stock meters per type at the last low-stock check.",
			},
			[]string{"type"},
		),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveRequest(method string, route string, status int, d time.Duration) {
	m.requestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

func (m *Metrics) AddTransitions(event string, n int) {
	m.transitions.WithLabelValues(event).Add(float64(n))
}

func (m *Metrics) RecordSale(meters int, cents int64) {
	m.metersSold.Add(float64(meters))
	m.revenueCents.Add(float64(cents))
}

func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) StreamOpened() {
	m.streamClients.Inc()
}

func (m *Metrics) StreamClosed() {
	m.streamClients.Dec()
}

func (m *Metrics) RecordJob(job string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) SetInStock(meterType string, count int) {
	m.inStock.WithLabelValues(meterType).Set(float64(count))
}
