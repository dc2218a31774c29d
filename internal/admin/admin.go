package admin

import (
	"net/http"

	"github.com/AlexKimmel/rampload/internal/monitor"
	"github.com/AlexKimmel/rampload/internal/obs"
	"github.com/AlexKimmel/rampload/internal/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusSource is the part of *monitor.Monitor the admin surface reads.
type StatusSource interface {
	Status() monitor.Status
	Dropped() int64
	InFlight() int64
}

// GeneratorSource is the part of *ratelimit.Generator the admin surface reads.
type GeneratorSource interface {
	State() ratelimit.State
	Issued() uint64
	Pending() int
}

type Options struct {
	Version        string
	RunID          string
	Monitor        StatusSource
	Generator      GeneratorSource
	Gatherer       prometheus.Gatherer // nil disables the metrics endpoint
	PrometheusPath string
	Metrics        *obs.Metrics // optional request metrics
	Logger         *zerolog.Logger
}

type StatusResponse struct {
	RunID     string          `json:"run_id"`
	Monitor   MonitorStatus   `json:"monitor"`
	Generator GeneratorStatus `json:"generator"`
}

type MonitorStatus struct {
	RPS      int   `json:"rps"`
	Total    int64 `json:"total"`
	Failed   int64 `json:"failed"`
	ClockMS  int64 `json:"clock_ms"`
	Dropped  int64 `json:"dropped"`
	InFlight int64 `json:"in_flight"`
}

type GeneratorStatus struct {
	State   string `json:"state"`
	Issued  uint64 `json:"issued"`
	Pending int    `json:"pending"`
}

// New builds the admin handler: /health, /version, /status and metrics.
func New(o Options) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})

	version := o.Version
	if version == "" {
		version = "dev"
	}
	mux.HandleFunc("/version", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(version))
	})

	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, snapshot(o))
	})

	promPath := o.PrometheusPath
	if promPath == "" {
		promPath = "/metrics"
	}
	if o.Gatherer != nil {
		mux.Handle(promPath, promhttp.HandlerFor(o.Gatherer, promhttp.HandlerOpts{}))
	}

	skip := map[string]struct{}{
		"/health":  {},
		"/version": {},
		promPath:   {},
	}

	var mws []Middleware
	if o.Logger != nil {
		mws = append(mws, obs.Logger(*o.Logger))
	}
	if o.Metrics != nil {
		mws = append(mws, o.Metrics.Middleware(skip))
	}
	mws = append(mws, MethodGet(nil))

	return Chain(mux, mws...)
}

func snapshot(o Options) StatusResponse {
	resp := StatusResponse{RunID: o.RunID}
	if o.Monitor != nil {
		s := o.Monitor.Status()
		resp.Monitor = MonitorStatus{
			RPS:      s.RPS,
			Total:    s.Total,
			Failed:   s.Failed,
			ClockMS:  s.Clock.Milliseconds(),
			Dropped:  o.Monitor.Dropped(),
			InFlight: o.Monitor.InFlight(),
		}
	}
	if o.Generator != nil {
		resp.Generator = GeneratorStatus{
			State:   o.Generator.State().String(),
			Issued:  o.Generator.Issued(),
			Pending: o.Generator.Pending(),
		}
	}
	return resp
}
