package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/AlexKimmel/rampload/internal/ratelimit"
	"gopkg.in/yaml.v3"
)

// EnvPath overrides the default config location when no flag is given.
const EnvPath = "CONFIG_PATH"

const DefaultPath = "./config.yaml"

type Server struct {
	Addr           string `yaml:"addr"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	IdleTimeoutMS  int    `yaml:"idle_timeout_ms"`
}

type Observability struct {
	LogLevel       string `yaml:"log_level"`       // "debug","info","warn","error"
	PrometheusPath string `yaml:"prometheus_path"` // e.g. "/metrics"
}

type Ramp struct {
	StartRate     float64 `yaml:"start_rate"`
	TargetRate    float64 `yaml:"target_rate"`
	DurationMS    int     `yaml:"duration_ms"`
	IntervalMS    int     `yaml:"interval_ms"`
	QueueCapacity int     `yaml:"queue_capacity"`
}

type Monitor struct {
	IntervalMS int `yaml:"interval_ms"`
	QueueSize  int `yaml:"queue_size"`
}

type Scenario struct {
	Parallel     int     `yaml:"parallel"`
	DurationMS   int     `yaml:"duration_ms"` // 0 runs until interrupted
	URL          string  `yaml:"url"`         // empty simulates work
	TimeoutMS    int     `yaml:"timeout_ms"`
	MinLatencyMS int     `yaml:"min_latency_ms"`
	MaxLatencyMS int     `yaml:"max_latency_ms"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

type Redis struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Prefix    string `yaml:"prefix"`
	TTLMinute int    `yaml:"ttl_minutes"`
}

type Stats struct {
	SQLitePath     string `yaml:"sqlite_path"`
	Redis          Redis  `yaml:"redis"`
	BufferSize     int    `yaml:"buffer_size"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Observability Observability `yaml:"observability"`
	Ramp          Ramp          `yaml:"ramp"`
	Monitor       Monitor       `yaml:"monitor"`
	Scenario      Scenario      `yaml:"scenario"`
	Stats         Stats         `yaml:"stats"`
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (s Server) ReadTimeout() time.Duration {
	if s.ReadTimeoutMS == 0 {
		return 5 * time.Second
	}
	return ms(s.ReadTimeoutMS)
}

func (s Server) WriteTimeout() time.Duration {
	if s.WriteTimeoutMS == 0 {
		return 10 * time.Second
	}
	return ms(s.WriteTimeoutMS)
}

func (s Server) IdleTimeout() time.Duration {
	if s.IdleTimeoutMS == 0 {
		return 60 * time.Second
	}
	return ms(s.IdleTimeoutMS)
}

func (r Ramp) Duration() time.Duration { return ms(r.DurationMS) }
func (r Ramp) Interval() time.Duration { return ms(r.IntervalMS) }

// Ramp converts the section into the generator's ramp description.
func (r Ramp) Ramp() ratelimit.Ramp {
	return ratelimit.Ramp{
		StartRate:  r.StartRate,
		TargetRate: r.TargetRate,
		Duration:   r.Duration(),
		Interval:   r.Interval(),
	}
}

func (m Monitor) Interval() time.Duration { return ms(m.IntervalMS) }

func (s Scenario) Duration() time.Duration   { return ms(s.DurationMS) }
func (s Scenario) Timeout() time.Duration    { return ms(s.TimeoutMS) }
func (s Scenario) MinLatency() time.Duration { return ms(s.MinLatencyMS) }
func (s Scenario) MaxLatency() time.Duration { return ms(s.MaxLatencyMS) }

func (s Stats) WriteTimeout() time.Duration { return ms(s.WriteTimeoutMS) }

func (r Redis) TTL() time.Duration { return time.Duration(r.TTLMinute) * time.Minute }

// ResolvePath picks the flag value, then $CONFIG_PATH, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Root, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Root
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Root) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Observability.LogLevel == "" {
		c.Observability.LogLevel = "info"
	}
	if c.Observability.PrometheusPath == "" {
		c.Observability.PrometheusPath = "/metrics"
	}
	if c.Ramp.IntervalMS == 0 {
		c.Ramp.IntervalMS = int(ratelimit.DefaultInterval / time.Millisecond)
	}
	if c.Ramp.QueueCapacity == 0 {
		c.Ramp.QueueCapacity = ratelimit.DefaultQueueCapacity
	}
	if c.Monitor.IntervalMS <= 0 {
		c.Monitor.IntervalMS = 1000
	}
	if c.Monitor.QueueSize <= 0 {
		c.Monitor.QueueSize = 1000
	}
	if c.Scenario.Parallel <= 0 {
		c.Scenario.Parallel = 10
	}
	if c.Scenario.TimeoutMS <= 0 {
		c.Scenario.TimeoutMS = 3000
	}
	if c.Scenario.MaxLatencyMS == 0 {
		c.Scenario.MaxLatencyMS = 100
	}
	if c.Stats.BufferSize <= 0 {
		c.Stats.BufferSize = 64
	}
	if c.Stats.WriteTimeoutMS <= 0 {
		c.Stats.WriteTimeoutMS = 1000
	}
	if c.Stats.Redis.Prefix == "" {
		c.Stats.Redis.Prefix = "rampload"
	}
	if c.Stats.Redis.TTLMinute <= 0 {
		c.Stats.Redis.TTLMinute = 60
	}
}

// Validate reports every invalid field at once.
func (c *Root) Validate() error {
	var errs []error

	if err := c.Ramp.Ramp().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ramp: %w", err))
	}
	if c.Ramp.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("ramp: queue_capacity must be >= 0 (0 selects the default), got %d", c.Ramp.QueueCapacity))
	}
	if c.Scenario.DurationMS < 0 {
		errs = append(errs, fmt.Errorf("scenario: duration_ms must be >= 0, got %d", c.Scenario.DurationMS))
	}
	if c.Scenario.MinLatencyMS < 0 || c.Scenario.MaxLatencyMS < c.Scenario.MinLatencyMS {
		errs = append(errs, fmt.Errorf("scenario: latency range [%d, %d] ms is invalid", c.Scenario.MinLatencyMS, c.Scenario.MaxLatencyMS))
	}
	if r := c.Scenario.FailureRatio; math.IsNaN(r) || r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("scenario: failure_ratio must be within [0, 1], got %v", r))
	}
	if u := c.Scenario.URL; u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		errs = append(errs, fmt.Errorf("scenario: url %q must be http(s)", u))
	}
	if !strings.HasPrefix(c.Observability.PrometheusPath, "/") {
		errs = append(errs, fmt.Errorf("observability: prometheus_path %q must start with /", c.Observability.PrometheusPath))
	}

	return errors.Join(errs...)
}
