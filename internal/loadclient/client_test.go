package loadclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexKimmel/rampload/internal/monitor"
	"github.com/AlexKimmel/rampload/internal/ratelimit"
)

// fakeLimiter hands out the permits pushed on c and is cancelled by Close.
type fakeLimiter struct {
	c    chan ratelimit.Permit
	done chan struct{}
	once sync.Once
}

func newFakeLimiter(n int) *fakeLimiter {
	l := &fakeLimiter{c: make(chan ratelimit.Permit, n), done: make(chan struct{})}
	for i := 1; i <= n; i++ {
		l.c <- ratelimit.Permit(i)
	}
	return l
}

func (l *fakeLimiter) Acquire(ctx context.Context) (ratelimit.Permit, error) {
	select {
	case p := <-l.c:
		return p, nil
	case <-l.done:
		return 0, ratelimit.ErrCancelled
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (l *fakeLimiter) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []monitor.Event
}

func (r *eventLog) Record(e monitor.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *eventLog) count(k monitor.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func TestClient_DoRecordsOutcome(t *testing.T) {
	lim := newFakeLimiter(2)
	rec := &eventLog{}
	calls := 0
	var observed []monitor.Event

	tick := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c := &Client{
		Limiter:  lim,
		Recorder: rec,
		OnEvent:  func(e monitor.Event) { observed = append(observed, e) },
		Call: func(context.Context) error {
			calls++
			if calls == 2 {
				return errors.New("boom")
			}
			return nil
		},
		now: func() time.Time {
			tick = tick.Add(5 * time.Millisecond)
			return tick
		},
	}

	for i := 0; i < 2; i++ {
		if err := c.Do(context.Background()); err != nil {
			t.Fatalf("do %d: %v", i, err)
		}
	}
	if rec.count(monitor.KindRequestCompleted) != 1 || rec.count(monitor.KindRequestFailed) != 1 {
		t.Fatalf("unexpected events %+v", rec.events)
	}
	if rec.events[0].Latency != 5*time.Millisecond {
		t.Fatalf("expected 5ms latency, got %s", rec.events[0].Latency)
	}
	if rec.events[1].Err == nil || len(observed) != 2 {
		t.Fatalf("expected failure error and hook calls, got %+v / %d", rec.events[1], len(observed))
	}

	_ = lim.Close()
	if err := c.Do(context.Background()); !errors.Is(err, ratelimit.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected no call without a permit, got %d", calls)
	}
}

func TestClient_TimeoutAppliesToCall(t *testing.T) {
	rec := &eventLog{}
	c := &Client{
		Limiter:  newFakeLimiter(1),
		Recorder: rec,
		Timeout:  10 * time.Millisecond,
		Call:     Simulated(time.Second, time.Second, 0),
	}
	if err := c.Do(context.Background()); err != nil {
		t.Fatalf("do: %v", err)
	}
	if rec.count(monitor.KindRequestFailed) != 1 || !errors.Is(rec.events[0].Err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline failure, got %+v", rec.events)
	}
}

func TestSimulated_FailureRatio(t *testing.T) {
	ctx := context.Background()
	if err := Simulated(0, 0, 1)(ctx); !errors.Is(err, ErrSimulated) {
		t.Fatalf("expected ErrSimulated, got %v", err)
	}
	if err := Simulated(0, time.Millisecond, 0)(ctx); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestHTTPGet(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	client := srv.Client()
	ctx := context.Background()

	if err := HTTPGet(client, srv.URL+"/ping")(ctx); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	err := HTTPGet(client, srv.URL+"/fail")(ctx)
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 StatusError, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 hits, got %d", hits.Load())
	}
}

func TestRunner_StopsWhenLimiterCloses(t *testing.T) {
	ticks := make(chan time.Time)
	gen, err := ratelimit.Start(context.Background(),
		ratelimit.Ramp{StartRate: 5, TargetRate: 5, Duration: time.Second},
		ratelimit.WithTickSource(ticks),
	)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	rec := &eventLog{}
	c := &Client{Limiter: gen, Recorder: rec, Call: func(context.Context) error { return nil }}

	errc := make(chan error, 1)
	go func() { errc <- Runner{Parallel: 4}.Run(context.Background(), c) }()

	for i := 0; i < 3; i++ {
		ticks <- time.Now()
	}
	deadline := time.Now().Add(2 * time.Second)
	for rec.count(monitor.KindRequestCompleted) < 15 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := rec.count(monitor.KindRequestCompleted); got != 15 {
		t.Fatalf("expected 15 calls for 3 ticks at 5/s, got %d", got)
	}

	_ = gen.Close()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
}

func TestRunner_StopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{Limiter: newFakeLimiter(0), Call: func(context.Context) error { return nil }}

	errc := make(chan error, 1)
	go func() { errc <- Runner{}.Run(ctx, c) }()
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop")
	}
}
