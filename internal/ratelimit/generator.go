package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultQueueCapacity bounds the permits buffered between generator and callers.
const DefaultQueueCapacity = 1000

type State int32

const (
	Idle State = iota
	Ramping
	Steady
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Ramping:
		return "ramping"
	case Steady:
		return "steady"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TickInfo describes one generator tick. It is passed to the WithOnTick hook.
type TickInfo struct {
	Tick    int64
	Elapsed time.Duration
	Rate    float64
	Allowed int
	Pending int // permits still queued when the tick fired
	State   State
}

type Option func(*Generator)

// WithQueueCapacity sets the permit queue size.
func WithQueueCapacity(n int) Option {
	return func(g *Generator) { g.capacity = n }
}

// WithTickSource replaces the internal ticker. Every value received counts as
// one interval; closing the channel cancels the generator.
func WithTickSource(c <-chan time.Time) Option {
	return func(g *Generator) { g.ticks = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// WithOnTick registers a hook called from the generator loop before the
// tick's permits are emitted. It must not block.
func WithOnTick(fn func(TickInfo)) Option {
	return func(g *Generator) { g.onTick = fn }
}

// Generator issues permits following a Ramp. A single goroutine owns the
// schedule and pushes permits onto a bounded queue; a full queue stalls the
// generator until callers catch up.
type Generator struct {
	ramp     Ramp
	log      zerolog.Logger
	capacity int
	ticks    <-chan time.Time
	onTick   func(TickInfo)

	queue  chan Permit
	nextID uint64 // loop only
	issued atomic.Uint64
	state  atomic.Int32

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Limiter = (*Generator)(nil)

// Start validates r and launches the generator loop. Cancelling ctx has the
// same effect as Close.
func Start(ctx context.Context, r Ramp, opts ...Option) (*Generator, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	g := &Generator{
		ramp:     r,
		log:      zerolog.Nop(),
		capacity: DefaultQueueCapacity,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.capacity <= 0 {
		return nil, &ConfigError{Field: "queue capacity", Value: g.capacity, Reason: "must be > 0"}
	}
	g.queue = make(chan Permit, g.capacity)

	var stop func()
	if g.ticks == nil {
		t := time.NewTicker(r.TickInterval())
		g.ticks, stop = t.C, t.Stop
	}

	if r.Flat() {
		g.state.Store(int32(Steady))
	} else {
		g.state.Store(int32(Ramping))
	}

	g.log.Info().
		Float64("start_rate", r.StartRate).
		Float64("target_rate", r.TargetRate).
		Dur("ramp", r.Duration).
		Dur("interval", r.TickInterval()).
		Int("queue", g.capacity).
		Msg("generator started")

	g.wg.Add(1)
	go g.loop(ctx, stop)
	return g, nil
}

// Acquire takes the next permit. Permits still buffered when the generator
// is closed are discarded.
func (g *Generator) Acquire(ctx context.Context) (Permit, error) {
	select {
	case <-g.done:
		return 0, ErrCancelled
	default:
	}

	select {
	case p := <-g.queue:
		return p, nil
	case <-g.done:
		return 0, ErrCancelled
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Close stops the generator and releases every waiting Acquire. It is safe
// to call more than once.
func (g *Generator) Close() error {
	g.cancel()
	g.wg.Wait()
	return nil
}

func (g *Generator) State() State { return State(g.state.Load()) }

// Issued returns the number of permits pushed onto the queue so far.
func (g *Generator) Issued() uint64 { return g.issued.Load() }

// Pending returns the number of permits waiting to be acquired.
func (g *Generator) Pending() int { return len(g.queue) }

func (g *Generator) cancel() {
	g.closeOnce.Do(func() {
		g.state.Store(int32(Cancelled))
		close(g.done)
	})
}

func (g *Generator) loop(ctx context.Context, stop func()) {
	defer g.wg.Done()
	if stop != nil {
		defer stop()
	}

	sched := NewSchedule(g.ramp)
	for {
		select {
		case <-g.done:
			return
		case <-ctx.Done():
			g.cancel()
			return
		case _, ok := <-g.ticks:
			if !ok {
				g.cancel()
				return
			}
		}

		n := sched.Next()
		if sched.Steady() && g.state.CompareAndSwap(int32(Ramping), int32(Steady)) {
			g.log.Info().Dur("elapsed", sched.Elapsed()).Float64("rate", sched.Rate()).Msg("ramp complete")
		}
		if g.onTick != nil {
			g.onTick(TickInfo{
				Tick:    sched.Tick(),
				Elapsed: sched.Elapsed(),
				Rate:    sched.Rate(),
				Allowed: n,
				Pending: len(g.queue),
				State:   g.State(),
			})
		}
		g.log.Debug().Int64("tick", sched.Tick()).Float64("rate", sched.Rate()).Int("allowed", n).Msg("tick")

		if !g.emit(ctx, n) {
			return
		}
	}
}

// emit pushes n permits, blocking while the queue is full.
func (g *Generator) emit(ctx context.Context, n int) bool {
	for i := 0; i < n; i++ {
		p := Permit(g.nextID + 1)
		select {
		case g.queue <- p:
			g.nextID++
			g.issued.Add(1)
		case <-g.done:
			return false
		case <-ctx.Done():
			g.cancel()
			return false
		}
	}
	return true
}
