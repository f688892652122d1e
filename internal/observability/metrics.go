package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	shortages       prometheus.Counter
	duplicates      prometheus.Counter
	reversals       prometheus.Counter
	violations      *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry, metrik HTTP, dan metrik ledger stok.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockledger_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	shortages := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_stock_shortages_total",
		Help: "Pengurangan stok yang ditolak karena stok tidak cukup.",
	})
	duplicates := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_duplicate_batches_total",
		Help: "Penerimaan yang ditolak karena batch ganda.",
	})
	reversals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stockledger_reversal_warnings_total",
		Help: "Pembatalan penerimaan yang batch-nya sudah terpakai sebagian.",
	})
	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stockledger_consistency_violations_total",
		Help: "Pelanggaran konsistensi indeks stok terhadap batch.",
	}, []string{"kind"})
	registry.MustRegister(requests, duration, shortages, duplicates, reversals, violations)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		shortages:       shortages,
		duplicates:      duplicates,
		reversals:       reversals,
		violations:      violations,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// IncShortage mencatat pengurangan yang gagal karena stok kurang.
func (m *Metrics) IncShortage() {
	if m != nil {
		m.shortages.Inc()
	}
}

// IncDuplicateBatch mencatat penolakan batch ganda.
func (m *Metrics) IncDuplicateBatch() {
	if m != nil {
		m.duplicates.Inc()
	}
}

// IncReversalWarning mencatat pembatalan penerimaan dengan batch yang sudah terpakai.
func (m *Metrics) IncReversalWarning() {
	if m != nil {
		m.reversals.Inc()
	}
}

// IncConsistencyViolation mencatat pelanggaran konsistensi berdasarkan jenisnya.
func (m *Metrics) IncConsistencyViolation(kind string) {
	if m != nil {
		m.violations.WithLabelValues(kind).Inc()
	}
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
