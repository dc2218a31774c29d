package stats

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes the latest status of a run under <prefix>:<run>:status
// and counts requests per minute under <prefix>:<run>:minute:<yyyymmddhhmm>.
// The status hash lets dashboards and other processes follow a live run.
type RedisSink struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration

	mu   sync.Mutex
	last map[string]int64 // run -> total at the previous write
}

type RedisOption func(*RedisSink)

func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisSink) { s.prefix = strings.Trim(prefix, ":") }
}

// WithRedisTTL sets the expiry of every key written for a run. Zero disables it.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisSink) { s.ttl = d }
}

func NewRedisSink(rdb redis.UniversalClient, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		rdb:    rdb,
		prefix: "rampload",
		ttl:    time.Hour,
		last:   make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSink) StatusKey(runID string) string {
	return s.prefix + ":" + runID + ":status"
}

func (s *RedisSink) BucketKey(runID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:minute:%s", s.prefix, runID, at.UTC().Format("200601021504"))
}

func (s *RedisSink) Write(ctx context.Context, r Record) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}

	delta := s.delta(r.RunID, r.Status.Total)

	statusKey := s.StatusKey(r.RunID)
	bucketKey := s.BucketKey(r.RunID, at)

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, statusKey,
		"rps", r.Status.RPS,
		"total", r.Status.Total,
		"failed", r.Status.Failed,
		"clock_ms", r.Status.Clock.Milliseconds(),
		"at", at.UTC().Format(time.RFC3339Nano),
	)
	pipe.HIncrBy(ctx, bucketKey, "requests", delta)
	pipe.HIncrBy(ctx, bucketKey, "snapshots", 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, statusKey, s.ttl)
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis write %s: %w", statusKey, err)
	}
	s.commit(r.RunID, r.Status.Total)
	return nil
}

// delta is the number of requests not yet counted in a minute bucket.
func (s *RedisSink) delta(runID string, total int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return total - s.last[runID]
}

// commit records total as counted. Only called after a successful write, so
// a failed write leaves its requests to the next one.
func (s *RedisSink) commit(runID string, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if total > s.last[runID] {
		s.last[runID] = total
	}
}

// Close does not close the client; it belongs to the caller.
func (s *RedisSink) Close() error { return nil }
