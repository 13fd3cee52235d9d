package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	submissions  *prometheus.CounterVec
	reservations *prometheus.CounterVec
	escalations  prometheus.Counter
	statuses     *prometheus.CounterVec
	tracked      prometheus.Gauge
	batchItems   *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraudpipe_http_requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fraudpipe_http_request_duration_seconds",
			Help:    "HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraudpipe_submissions_total",
			Help: "Ledger submission attempts by outcome code.",
		}, []string{"outcome"}),
		reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraudpipe_nonce_events_total",
			Help: "Nonce sequencer events (reserve, commit, abandon, resync, drift).",
		}, []string{"event"}),
		escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fraudpipe_fee_escalations_total",
			Help: "Same-nonce fee replacements broadcast for stuck writes.",
		}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraudpipe_tracker_transitions_total",
			Help: "Confirmation status transitions by target status.",
		}, []string{"status"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fraudpipe_tracker_open",
			Help: "Submissions still awaiting a terminal status.",
		}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fraudpipe_batch_items_total",
			Help: "Batch items by result kind.",
		}, []string{"kind"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.submissions,
		m.reservations,
		m.escalations,
		m.statuses,
		m.tracked,
		m.batchItems,
	)
	return m
}

// Registry exposes the underlying collectors, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Nonce(event string) {
	if m == nil {
		return
	}
	m.reservations.WithLabelValues(event).Inc()
}

func (m *Metrics) Escalation() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.statuses.WithLabelValues(status).Inc()
}

func (m *Metrics) SetOpen(n int) {
	if m == nil {
		return
	}
	m.tracked.Set(float64(n))
}

func (m *Metrics) BatchItem(kind string) {
	if m == nil {
		return
	}
	m.batchItems.WithLabelValues(kind).Inc()
}
