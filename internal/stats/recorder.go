package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexKimmel/rampload/internal/monitor"
	"github.com/rs/zerolog"
)

const (
	DefaultBufferSize   = 64
	DefaultWriteTimeout = time.Second
)

type RecorderOption func(*Recorder)

func WithBufferSize(n int) RecorderOption {
	return func(r *Recorder) { r.size = n }
}

// WithWriteTimeout bounds each sink write.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.timeout = d }
}

func WithLogger(l zerolog.Logger) RecorderOption {
	return func(r *Recorder) { r.log = l }
}

func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder copies monitor snapshots to a set of sinks off the monitor's tick
// goroutine. Publish never blocks: when the buffer is full the snapshot is
// dropped and counted.
type Recorder struct {
	runID   string
	sinks   []Sink
	size    int
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time

	queue   chan Record
	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64

	mu        sync.RWMutex // guards closed against in-progress Publish calls
	closed    bool
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

func NewRecorder(runID string, sinks []Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		runID:   runID,
		sinks:   sinks,
		size:    DefaultBufferSize,
		timeout: DefaultWriteTimeout,
		log:     zerolog.Nop(),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.size <= 0 {
		r.size = DefaultBufferSize
	}
	if r.timeout <= 0 {
		r.timeout = DefaultWriteTimeout
	}
	r.queue = make(chan Record, r.size)

	r.wg.Add(1)
	go r.loop()
	return r
}

// Publish matches monitor.WithOnPublish.
func (r *Recorder) Publish(s monitor.Status) { r.publish(s) }

// publish reports whether the snapshot was queued. Once it returns true the
// snapshot is written before Close returns.
func (r *Recorder) publish(s monitor.Status) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}

	rec := Record{RunID: r.runID, Status: s, At: r.now()}
	select {
	case r.queue <- rec:
		return true
	default:
		n := r.dropped.Add(1)
		r.log.Warn().Int64("dropped", n).Msg("stats buffer full, snapshot dropped")
		return false
	}
}

func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written counts successful sink writes.
func (r *Recorder) Written() int64 { return r.written.Load() }

func (r *Recorder) Failed() int64 { return r.failed.Load() }

// Close writes what is still buffered and closes every sink.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		close(r.done)
		r.wg.Wait()

		var errs []error
		for _, s := range r.sinks {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		r.closeErr = errors.Join(errs...)
	})
	return r.closeErr
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.write(rec)
		case <-r.done:
			for {
				select {
				case rec := <-r.queue:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(rec Record) {
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := s.Write(ctx, rec)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.log.Error().Err(err).Str("run_id", rec.RunID).Dur("clock", rec.Status.Clock).Msg("stats write failed")
			continue
		}
		r.written.Add(1)
	}
}
