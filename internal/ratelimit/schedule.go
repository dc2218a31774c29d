package ratelimit

import (
	"math"
	"time"
)

// rounding slack so that e.g. 0.1*30 still yields 3 permits
const epsilon = 1e-9

// Schedule turns a Ramp into whole permit counts per tick. The fractional
// part of every allowance is carried into the next tick, so the cumulative
// count after tick n is floor(sum of PerTick) and never drifts by a full permit.
//
// A Schedule is not safe for concurrent use; the generator loop owns it.
type Schedule struct {
	ramp     Ramp
	interval time.Duration
	ticks    int64
	elapsed  time.Duration
	carry    float64
}

func NewSchedule(r Ramp) *Schedule {
	return &Schedule{ramp: r, interval: r.TickInterval()}
}

// Next advances the clock by one interval and returns how many new permits
// that tick allows.
func (s *Schedule) Next() int {
	s.ticks++
	s.elapsed = time.Duration(s.ticks) * s.interval

	allowed := s.carry + s.ramp.PerTick(s.elapsed)
	n := math.Floor(allowed + epsilon)
	if n > MaxPerTick {
		n = MaxPerTick
	}
	s.carry = math.Max(allowed-n, 0)
	return int(n)
}

// Rate returns the rate applied at the current tick.
func (s *Schedule) Rate() float64 { return s.ramp.RateAt(s.elapsed) }

func (s *Schedule) Tick() int64 { return s.ticks }

func (s *Schedule) Elapsed() time.Duration { return s.elapsed }

// Steady reports whether the ramp has reached its target rate.
func (s *Schedule) Steady() bool {
	return s.ramp.Flat() || s.elapsed >= s.ramp.Duration
}
