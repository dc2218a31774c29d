package ratelimit

import (
	"fmt"
	"math"
	"time"
)

// DefaultInterval is the tick length used when Ramp.Interval is zero.
const DefaultInterval = time.Second

// MaxPerTick caps the permits a single tick may allow.
const MaxPerTick = math.MaxInt32

// Ramp describes a linear change of the allowed rate from StartRate to
// TargetRate over Duration. Rates are in permits per second.
type Ramp struct {
	StartRate  float64
	TargetRate float64
	Duration   time.Duration
	Interval   time.Duration // tick length, DefaultInterval when zero
}

// Validate checks the ramp parameters.
func (r Ramp) Validate() error {
	if math.IsNaN(r.StartRate) || math.IsInf(r.StartRate, 0) || r.StartRate < 0 {
		return &ConfigError{Field: "start rate", Value: r.StartRate, Reason: "must be a finite number >= 0"}
	}
	if math.IsNaN(r.TargetRate) || math.IsInf(r.TargetRate, 0) || r.TargetRate < 0 {
		return &ConfigError{Field: "target rate", Value: r.TargetRate, Reason: "must be a finite number >= 0"}
	}
	if r.Duration <= 0 {
		return &ConfigError{Field: "ramp duration", Value: r.Duration, Reason: "must be > 0"}
	}
	if r.Interval < 0 {
		return &ConfigError{Field: "interval", Value: r.Interval, Reason: "must be >= 0"}
	}
	if peak := math.Max(r.StartRate, r.TargetRate); peak*r.TickInterval().Seconds() > MaxPerTick {
		return &ConfigError{Field: "rate", Value: peak, Reason: fmt.Sprintf("allows more than %d permits per tick", MaxPerTick)}
	}
	return nil
}

// TickInterval returns the effective tick length.
func (r Ramp) TickInterval() time.Duration {
	if r.Interval <= 0 {
		return DefaultInterval
	}
	return r.Interval
}

// Flat reports whether the rate never changes.
func (r Ramp) Flat() bool { return r.StartRate == r.TargetRate }

// Slope returns the rate change per second of elapsed time.
func (r Ramp) Slope() float64 {
	if r.Flat() || r.Duration <= 0 {
		return 0
	}
	return (r.TargetRate - r.StartRate) / r.Duration.Seconds()
}

// RateAt returns the allowed rate (permits/s) after elapsed time.
// The result always lies between StartRate and TargetRate.
func (r Ramp) RateAt(elapsed time.Duration) float64 {
	if r.Flat() {
		return r.StartRate
	}
	lo, hi := math.Min(r.StartRate, r.TargetRate), math.Max(r.StartRate, r.TargetRate)
	rate := r.StartRate + r.Slope()*elapsed.Seconds()
	return math.Min(math.Max(rate, lo), hi)
}

// PerTick returns the (fractional) number of permits one tick allows at elapsed.
func (r Ramp) PerTick(elapsed time.Duration) float64 {
	return r.RateAt(elapsed) * r.TickInterval().Seconds()
}
