package statussync

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPipelineClient is the minimal client surface used by RedisSink.
type RedisPipelineClient interface {
	Pipeline() redis.Pipeliner
}

// RedisSink mirrors the latest detail of each entity into a hash and appends
// every change to a stream, so other processes can follow status changes.
type RedisSink struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
	now       func() time.Time
}

// NewRedisSink constructs a Redis-backed sink.
func NewRedisSink(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisSink {
	if stream == "" {
		stream = "entity_status_events"
	}
	return &RedisSink{
		client:    client,
		stream:    stream,
		keyPrefix: "entity:",
		ttl:       ttl,
		maxLen:    maxLen,
		now:       time.Now,
	}
}

// Publish writes the latest detail and appends it to the stream.
func (s *RedisSink) Publish(ctx context.Context, detail EntityDetail) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := s.keyPrefix + detail.ID
	observed := s.now().UTC().Format(time.RFC3339Nano)
	values := map[string]any{
		"id":          detail.ID,
		"kind":        detail.Kind,
		"status":      detail.Status,
		"processing":  detail.Processing,
		"data":        string(detail.Data),
		"observed_at": observed,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, values)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}

// Callback adapts the sink to a subscription callback. Publish failures are
// logged and never reach the engine.
func (s *RedisSink) Callback(timeout time.Duration, logf func(format string, args ...any)) Callback {
	return func(detail EntityDetail) {
		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if err := s.Publish(ctx, detail); err != nil && logf != nil {
			logf("status sink id=%s publish failed: %v", detail.ID, err)
		}
	}
}
