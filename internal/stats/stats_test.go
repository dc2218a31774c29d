package stats

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AlexKimmel/rampload/internal/monitor"
)

type blockingSink struct {
	MemorySink
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) Write(ctx context.Context, r Record) error {
	s.entered <- struct{}{}
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemorySink.Write(ctx, r)
}

type failingSink struct{ closed bool }

func (s *failingSink) Write(context.Context, Record) error { return errors.New("unavailable") }
func (s *failingSink) Close() error {
	s.closed = true
	return errors.New("close failed")
}

func fixedClock() func() time.Time {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return at }
}

func TestMemorySink_History(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	_ = s.Write(ctx, Record{RunID: "a", Status: monitor.Status{Total: 1}})
	_ = s.Write(ctx, Record{RunID: "b", Status: monitor.Status{Total: 5}})
	_ = s.Write(ctx, Record{RunID: "a", Status: monitor.Status{Total: 2}})

	h, _ := s.History(ctx, "a")
	if len(h) != 2 || h[0].Status.Total != 1 || h[1].Status.Total != 2 {
		t.Fatalf("unexpected history %+v", h)
	}

	_ = s.Close()
	if err := s.Write(ctx, Record{RunID: "a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRecorder_FansOutAndFlushes(t *testing.T) {
	a, b := NewMemorySink(), NewMemorySink()
	r := NewRecorder("run-1", []Sink{a, b}, WithClock(fixedClock()))

	for i := 1; i <= 5; i++ {
		r.Publish(monitor.Status{RPS: 1, Total: int64(i), Clock: time.Duration(i) * time.Second})
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, s := range []*MemorySink{a, b} {
		h, _ := s.History(context.Background(), "run-1")
		if len(h) != 5 {
			t.Fatalf("expected 5 records, got %d", len(h))
		}
		if h[4].Status.Total != 5 || !h[4].At.Equal(fixedClock()()) {
			t.Fatalf("unexpected last record %+v", h[4])
		}
	}
	if r.Written() != 10 || r.Dropped() != 0 {
		t.Fatalf("expected 10 writes and no drops, got %d/%d", r.Written(), r.Dropped())
	}

	r.Publish(monitor.Status{Total: 6})
	if a.Len() != 5 {
		t.Fatalf("expected publish after close to be ignored")
	}
}

func TestRecorder_DropsWhenBufferFull(t *testing.T) {
	s := &blockingSink{entered: make(chan struct{}, 4), release: make(chan struct{})}
	r := NewRecorder("run", []Sink{s}, WithBufferSize(1), WithWriteTimeout(5*time.Second))

	r.Publish(monitor.Status{Total: 1})
	<-s.entered // first record taken off the buffer, sink blocked

	r.Publish(monitor.Status{Total: 2})
	r.Publish(monitor.Status{Total: 3})
	if r.Dropped() != 1 {
		t.Fatalf("expected 1 drop, got %d", r.Dropped())
	}

	close(s.release)
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	h, _ := s.History(context.Background(), "run")
	if len(h) != 2 || h[0].Status.Total != 1 || h[1].Status.Total != 2 {
		t.Fatalf("unexpected history %+v", h)
	}
}

func TestRecorder_SinkErrors(t *testing.T) {
	bad := &failingSink{}
	good := NewMemorySink()
	r := NewRecorder("run", []Sink{bad, good})

	r.Publish(monitor.Status{Total: 1})
	err := r.Close()
	if err == nil || !bad.closed {
		t.Fatalf("expected close error from failing sink, got %v", err)
	}
	if r.Failed() != 1 || r.Written() != 1 || good.Len() != 1 {
		t.Fatalf("expected one failed and one written, got %d/%d", r.Failed(), r.Written())
	}
	if err2 := r.Close(); err2 == nil || err2.Error() != err.Error() {
		t.Fatalf("expected repeated Close to return the same error, got %v", err2)
	}
}

func TestSQLiteSink_History(t *testing.T) {
	s, err := NewSQLiteSink(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		rec := Record{
			RunID:  "run-a",
			Status: monitor.Status{RPS: i, Total: int64(i * (i + 1) / 2), Failed: int64(i - 1), Clock: time.Duration(i) * time.Second},
			At:     at.Add(time.Duration(i) * time.Second),
		}
		if err := s.Write(ctx, rec); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := s.Write(ctx, Record{RunID: "run-b", Status: monitor.Status{Total: 99}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := s.History(ctx, "run-a")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(h) != 3 {
		t.Fatalf("expected 3 snapshots, got %d", len(h))
	}
	want := monitor.Status{RPS: 3, Total: 6, Failed: 2, Clock: 3 * time.Second}
	if h[2].Status != want || !h[2].At.Equal(at.Add(3*time.Second)) {
		t.Fatalf("expected %+v at %s, got %+v", want, at.Add(3*time.Second), h[2])
	}

	if h, _ := s.History(ctx, "missing"); len(h) != 0 {
		t.Fatalf("expected empty history, got %d", len(h))
	}
}

func TestSQLiteSink_RejectsEmptyPath(t *testing.T) {
	if _, err := NewSQLiteSink(""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRecorder_CloseRacingPublish(t *testing.T) {
	for round := 0; round < 20; round++ {
		sink := NewMemorySink()
		r := NewRecorder("run", []Sink{sink}, WithBufferSize(10000))

		var accepted atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 200; i++ {
					if r.publish(monitor.Status{Total: int64(i)}) {
						accepted.Add(1)
					}
				}
			}()
		}
		close(start)
		_ = r.Close()
		wg.Wait()

		if got := int64(sink.Len()); got != accepted.Load() {
			t.Fatalf("round %d: %d snapshots queued but %d written", round, accepted.Load(), got)
		}
		if r.Dropped() != 0 {
			t.Fatalf("round %d: expected no drops, got %d", round, r.Dropped())
		}
	}
}
