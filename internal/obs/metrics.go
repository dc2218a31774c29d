package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/AlexKimmel/rampload/internal/monitor"
	"github.com/AlexKimmel/rampload/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	PermitsIssued    prometheus.Counter
	AllowedRate      prometheus.Gauge
	GeneratorPending prometheus.Gauge
	Events           *prometheus.CounterVec
	EventLatency     *prometheus.HistogramVec
	EventsDropped    prometheus.Counter
	MonitorRPS       prometheus.Gauge
	MonitorTotal     prometheus.Gauge
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PermitsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rampload_permits_issued_total",
			Help: "Total permits emitted by the generator",
		}),
		AllowedRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rampload_allowed_rate",
			Help: "Permits per second allowed by the ramp at the last tick",
		}),
		GeneratorPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rampload_generator_pending",
			Help: "Permits queued and not yet acquired at the last tick",
		}),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rampload_events_total",
				Help: "Completion events reported by the load client",
			},
			[]string{"kind"},
		),
		EventLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rampload_request_duration_seconds",
				Help:    "Duration of the throttled unit of work",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rampload_events_dropped_total",
			Help: "Events dropped because the monitor queue was full",
		}),
		MonitorRPS: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rampload_monitor_rps",
			Help: "Requests per second over the last monitor interval",
		}),
		MonitorTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rampload_monitor_total",
			Help: "Requests aggregated by the monitor",
		}),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rampload_admin_requests_total",
				Help: "Total HTTP requests served by the admin endpoint",
			},
			[]string{"path", "method", "code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rampload_admin_request_duration_seconds",
				Help:    "Admin request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path", "method"},
		),
	}

	reg.MustRegister(
		m.PermitsIssued, m.AllowedRate, m.GeneratorPending,
		m.Events, m.EventLatency, m.EventsDropped,
		m.MonitorRPS, m.MonitorTotal,
		m.RequestsTotal, m.RequestDuration,
	)
	return m
}

// ObserveTick is meant for ratelimit.WithOnTick.
func (m *Metrics) ObserveTick(ti ratelimit.TickInfo) {
	m.AllowedRate.Set(ti.Rate)
	m.GeneratorPending.Set(float64(ti.Pending))
	m.PermitsIssued.Add(float64(ti.Allowed))
}

// ObserveStatus is meant for monitor.WithOnPublish.
func (m *Metrics) ObserveStatus(s monitor.Status) {
	m.MonitorRPS.Set(float64(s.RPS))
	m.MonitorTotal.Set(float64(s.Total))
}

func (m *Metrics) ObserveDrop() { m.EventsDropped.Inc() }

func (m *Metrics) ObserveEvent(e monitor.Event) {
	kind := e.Kind.String()
	m.Events.WithLabelValues(kind).Inc()
	m.EventLatency.WithLabelValues(kind).Observe(e.Latency.Seconds())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Middleware records per-request metrics for the admin endpoint.
func (m *Metrics) Middleware(skip map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			code := rec.status
			if code == 0 {
				code = http.StatusOK
			}

			m.RequestDuration.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
			m.RequestsTotal.WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(code)).Inc()
		})
	}
}
