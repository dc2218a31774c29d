package monitor

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultInterval  = time.Second
	DefaultQueueSize = 1000
)

// Status is an immutable throughput snapshot. A new one replaces the old one
// on every monitor tick.
type Status struct {
	RPS    int           // events per second over the last interval
	Total  int64         // events aggregated since start
	Failed int64         // subset of Total reported as failed
	Clock  time.Duration // intervals elapsed * interval
}

type Option func(*Monitor)

func WithInterval(d time.Duration) Option {
	return func(m *Monitor) { m.interval = d }
}

// WithQueueSize bounds the events accepted but not yet aggregated.
func WithQueueSize(n int) Option {
	return func(m *Monitor) { m.capacity = int64(n) }
}

// WithTickSource replaces the internal ticker; each value is one interval.
func WithTickSource(c <-chan time.Time) Option {
	return func(m *Monitor) { m.ticks = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithOnPublish adds a listener called with every new Status, from the tick
// goroutine. Listeners must return quickly.
func WithOnPublish(fn func(Status)) Option {
	return func(m *Monitor) { m.onPublish = append(m.onPublish, fn) }
}

// WithOnDrop is called for every event rejected by Record.
func WithOnDrop(fn func()) Option {
	return func(m *Monitor) { m.onDrop = fn }
}

// Monitor aggregates completion events reported by many goroutines and
// publishes a Status once per interval.
//
// Record only touches an atomic in-flight counter and a buffered channel
// whose capacity equals the admission limit, so it never blocks. One
// goroutine drains the channel and advances the counters; a second one
// turns the counters into a Status on every tick.
type Monitor struct {
	interval  time.Duration
	capacity  int64
	ticks     <-chan time.Time
	log       zerolog.Logger
	onPublish []func(Status)
	onDrop    func()
	warn      rate.Sometimes

	events    chan Event
	inflight  atomic.Int64
	dropped   atomic.Int64
	total     atomic.Int64
	failed    atomic.Int64
	startedAt atomic.Int64 // unix nanos of the first aggregated event
	status    atomic.Pointer[Status]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Start creates a monitor and launches its drain and tick goroutines.
func Start(opts ...Option) *Monitor {
	m := newMonitor(opts...)
	m.start()
	return m
}

func newMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		interval: DefaultInterval,
		capacity: DefaultQueueSize,
		log:      zerolog.Nop(),
		warn:     rate.Sometimes{First: 1, Interval: 5 * time.Second},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.interval <= 0 {
		m.interval = DefaultInterval
	}
	if m.capacity <= 0 {
		m.capacity = DefaultQueueSize
	}
	m.events = make(chan Event, m.capacity)
	m.status.Store(&Status{})
	return m
}

func (m *Monitor) start() {
	var stop func()
	if m.ticks == nil {
		t := time.NewTicker(m.interval)
		m.ticks, stop = t.C, t.Stop
	}

	m.wg.Add(2)
	go m.drain()
	go m.run(stop)
}

// Record hands an event to the aggregator. It returns ErrOverflow when the
// event was dropped and ErrCancelled after Close; neither needs handling.
func (m *Monitor) Record(e Event) error {
	select {
	case <-m.done:
		return ErrCancelled
	default:
	}

	if m.inflight.Add(1) > m.capacity {
		m.inflight.Add(-1)
		dropped := m.dropped.Add(1)
		if m.onDrop != nil {
			m.onDrop()
		}
		m.warn.Do(func() {
			m.log.Warn().Int64("dropped", dropped).Int64("capacity", m.capacity).Msg("monitor can't keep up, dropping events")
		})
		return ErrOverflow
	}

	// cannot block: in-flight events never exceed the channel capacity
	m.events <- e
	return nil
}

// Status returns the last published snapshot.
func (m *Monitor) Status() Status { return *m.status.Load() }

func (m *Monitor) Dropped() int64 { return m.dropped.Load() }

// InFlight returns the number of accepted events not yet aggregated.
func (m *Monitor) InFlight() int64 { return m.inflight.Load() }

// StartedAt returns when the first event was aggregated, zero if none was.
func (m *Monitor) StartedAt() time.Time {
	ns := m.startedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close stops both goroutines. Events still queued are discarded.
func (m *Monitor) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Monitor) cancel() {
	m.closeOnce.Do(func() { close(m.done) })
}

func (m *Monitor) drain() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case e := <-m.events:
			m.aggregate(e)
			m.inflight.Add(-1)
		}
	}
}

func (m *Monitor) aggregate(e Event) {
	switch e.Kind {
	case KindRequestCompleted:
		m.total.Add(1)
	case KindRequestFailed:
		// total first: readers load failed before total
		m.total.Add(1)
		m.failed.Add(1)
	default:
		return
	}
	m.startedAt.CompareAndSwap(0, time.Now().UnixNano())
}

func (m *Monitor) run(stop func()) {
	defer m.wg.Done()
	if stop != nil {
		defer stop()
	}

	for {
		select {
		case <-m.done:
			return
		case _, ok := <-m.ticks:
			if !ok {
				m.cancel()
				return
			}
		}
		m.publish()
	}
}

func (m *Monitor) publish() {
	prev := m.status.Load()
	failed := m.failed.Load()
	total := m.total.Load()

	next := &Status{
		RPS:    int(math.Round(float64(total-prev.Total) / m.interval.Seconds())),
		Total:  total,
		Failed: failed,
		Clock:  prev.Clock + m.interval,
	}
	m.status.Store(next)

	m.log.Info().
		Int("rps", next.RPS).
		Int64("total", next.Total).
		Int64("failed", next.Failed).
		Dur("clock", next.Clock).
		Int64("dropped", m.dropped.Load()).
		Msg("status")

	for _, fn := range m.onPublish {
		fn(*next)
	}
}
