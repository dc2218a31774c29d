package loadclient

import (
	"context"
	"errors"

	"github.com/AlexKimmel/rampload/internal/ratelimit"
	"golang.org/x/sync/errgroup"
)

// Runner drives a Client from several goroutines. Parallelism caps the
// number of calls in flight; the limiter decides how many start per second.
type Runner struct {
	Parallel int
}

// Run blocks until ctx ends or the client's limiter is closed. Both count as
// a normal stop and return nil.
func (r Runner) Run(ctx context.Context, c *Client) error {
	n := r.Parallel
	if n <= 0 {
		n = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for {
				err := c.Do(gctx)
				switch {
				case err == nil:
				case errors.Is(err, ratelimit.ErrCancelled), gctx.Err() != nil:
					return nil
				default:
					return err
				}
			}
		})
	}
	return g.Wait()
}
