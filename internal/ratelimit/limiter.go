package ratelimit

import "context"

// Permit identifies one unit of allowed work. Ids handed out by a Limiter
// are unique and strictly increasing.
type Permit uint64

// Limiter hands out permits to callers that want to throttle their work.
type Limiter interface {
	// Acquire suspends until a permit is available, the limiter is closed
	// (ErrCancelled) or ctx ends (ctx.Err()).
	Acquire(ctx context.Context) (Permit, error)
	Close() error
}
