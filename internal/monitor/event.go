package monitor

import (
	"errors"
	"time"

	"github.com/AlexKimmel/rampload/internal/ratelimit"
)

var (
	// ErrCancelled is returned by Record once the monitor is closed.
	ErrCancelled = ratelimit.ErrCancelled
	// ErrOverflow means the event was dropped because too many events are
	// waiting to be aggregated. It is informational; callers should carry on.
	ErrOverflow = errors.New("monitor: event queue full, event dropped")
)

// Kind tags an Event. Kinds the monitor does not know are ignored.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindRequestCompleted
	KindRequestFailed
)

func (k Kind) String() string {
	switch k {
	case KindRequestCompleted:
		return "request_completed"
	case KindRequestFailed:
		return "request_failed"
	default:
		return "unknown"
	}
}

// Event is reported by callers after a unit of work.
type Event struct {
	Kind    Kind
	At      time.Time
	Latency time.Duration
	Err     error // set for KindRequestFailed
}

func RequestCompleted(at time.Time, latency time.Duration) Event {
	return Event{Kind: KindRequestCompleted, At: at, Latency: latency}
}

func RequestFailed(at time.Time, latency time.Duration, err error) Event {
	return Event{Kind: KindRequestFailed, At: at, Latency: latency, Err: err}
}
