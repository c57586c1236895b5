package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "castrelay"

// Metrics holds Prometheus collectors for the relay.
type Metrics struct {
	registry          *prometheus.Registry
	connectionsTotal  *prometheus.CounterVec
	activeConnections *prometheus.GaugeVec
	rejectedTotal     *prometheus.CounterVec
	processStarts     prometheus.Counter
	processExits      *prometheus.CounterVec
	bytesRelayed      *prometheus.CounterVec
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_connections_total",
			Help:      "Ingest connections accepted, by transport",
		}, []string{"transport"}),
		activeConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_active_connections",
			Help:      "Ingest connections currently open, by transport",
		}, []string{"transport"}),
		rejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_total",
			Help:      "Ingest connections closed before streaming, by reason",
		}, []string{"reason"}),
		processStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ffmpeg_starts_total",
			Help:      "ffmpeg processes spawned",
		}),
		processExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ffmpeg_exits_total",
			Help:      "ffmpeg processes exited, by which side ended the stream",
		}, []string{"closed_by"}),
		bytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Media bytes written to ffmpeg, by transport",
		}, []string{"transport"}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_errors_total",
			Help:      "HTTP responses with status >= 400",
		}),
	}
	registry.MustRegister(
		m.connectionsTotal,
		m.activeConnections,
		m.rejectedTotal,
		m.processStarts,
		m.processExits,
		m.bytesRelayed,
		m.requestsTotal,
		m.errorsTotal,
	)
	return m
}

// ConnectionOpened counts a new ingest connection and returns the func that
// marks it closed.
func (m *Metrics) ConnectionOpened(transport string) func() {
	if m == nil {
		return func() {}
	}
	m.connectionsTotal.WithLabelValues(transport).Inc()
	g := m.activeConnections.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ProcessStarted() {
	if m == nil {
		return
	}
	m.processStarts.Inc()
}

func (m *Metrics) ProcessExited(closedBy string) {
	if m == nil {
		return
	}
	m.processExits.WithLabelValues(closedBy).Inc()
}

func (m *Metrics) AddBytes(transport string, n int64) {
	if m == nil {
		return
	}
	m.bytesRelayed.WithLabelValues(transport).Add(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestMiddleware counts requests and error responses. Websocket upgrades
// are passed through untouched since they need the raw writer to hijack.
func RequestMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.requestsTotal.Inc()
			if r.Header.Get("Upgrade") != "" {
				next.ServeHTTP(w, r)
				return
			}
			wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrap, r)
			if wrap.status >= 400 {
				m.errorsTotal.Inc()
			}
		})
	}
}
