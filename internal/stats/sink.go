package stats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AlexKimmel/rampload/internal/monitor"
)

var ErrClosed = errors.New("stats: sink closed")

// Record is one published monitor snapshot tagged with the run it belongs to.
type Record struct {
	RunID  string
	Status monitor.Status
	At     time.Time
}

type Sink interface {
	Write(ctx context.Context, r Record) error
	Close() error
}

// MemorySink keeps every record in memory. cmd/rampload falls back to it when
// no persistent sink is configured.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.records = append(s.records, r)
	return nil
}

// History returns the records of one run in write order.
func (s *MemorySink) History(_ context.Context, runID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, r := range s.records {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *MemorySink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
