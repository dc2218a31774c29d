package loadclient

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/AlexKimmel/rampload/internal/monitor"
	"github.com/AlexKimmel/rampload/internal/ratelimit"
	"github.com/rs/zerolog"
)

// ErrSimulated is the failure reported by Simulated calls.
var ErrSimulated = errors.New("loadclient: simulated failure")

// Call is the unit of work performed once per permit.
type Call func(ctx context.Context) error

// Recorder receives one event per finished call. *monitor.Monitor satisfies it.
type Recorder interface {
	Record(e monitor.Event) error
}

// Client throttles Call through a Limiter and reports every outcome.
type Client struct {
	Limiter  ratelimit.Limiter
	Recorder Recorder
	Call     Call
	Timeout  time.Duration // per call, zero means none
	OnEvent  func(monitor.Event)
	Log      zerolog.Logger

	now func() time.Time
}

// Do waits for a permit, runs the call and records the result. It only
// returns an error when no permit could be acquired; call failures are
// reported as events.
func (c *Client) Do(ctx context.Context) error {
	p, err := c.Limiter.Acquire(ctx)
	if err != nil {
		return err
	}

	now := c.now
	if now == nil {
		now = time.Now
	}

	callCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	start := now()
	callErr := c.Call(callCtx)
	end := now()

	ev := monitor.RequestCompleted(end, end.Sub(start))
	if callErr != nil {
		ev = monitor.RequestFailed(end, end.Sub(start), callErr)
		c.Log.Debug().Uint64("permit", uint64(p)).Err(callErr).Msg("call failed")
	}
	if c.OnEvent != nil {
		c.OnEvent(ev)
	}
	if c.Recorder != nil {
		// overflow and cancellation are informational
		_ = c.Recorder.Record(ev)
	}
	return nil
}

// Simulated returns a Call that sleeps for a random duration in [lo, hi]
// and fails with ErrSimulated for the given share of calls.
func Simulated(lo, hi time.Duration, failureRatio float64) Call {
	return func(ctx context.Context) error {
		d := lo
		if hi > lo {
			d += rand.N(hi - lo + 1)
		}
		if d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if failureRatio > 0 && rand.Float64() < failureRatio {
			return ErrSimulated
		}
		return nil
	}
}
