package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/vyrodovalexey/kvgate/internal/config"
	"github.com/vyrodovalexey/kvgate/internal/observability"
	"github.com/vyrodovalexey/kvgate/internal/retry"
	"github.com/vyrodovalexey/kvgate/internal/routing"
)

const (
	// DefaultWriteTimeout bounds each XADD.
	DefaultWriteTimeout = 2 * time.Second

	pingTimeout = 5 * time.Second
)

// redisRetryConfig retries appends on connection errors. The whole write,
// retries included, is bounded by the write timeout.
var redisRetryConfig = retry.Config{
	MaxRetries:     2,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     500 * time.Millisecond,
}

// RedisSink appends transitions to a capped Redis stream. Publish never
// blocks; transitions are dropped when the queue is full.
type RedisSink struct {
	client       *redis.Client
	stream       string
	maxLen       int64
	writeTimeout time.Duration
	logger       observability.Logger
	queue        *queue
}

// NewRedisSink connects to Redis and starts the writer goroutine.
func NewRedisSink(cfg config.RedisSinkConfig, opts ...Option) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	o := applyOptions(opts)
	s := &RedisSink{
		client:       client,
		stream:       cfg.Stream,
		maxLen:       cfg.MaxLen,
		writeTimeout: DefaultWriteTimeout,
		logger:       o.logger,
		queue:        newQueue(o),
	}
	s.queue.start(s.write)

	s.logger.Info("redis transition sink initialized",
		observability.String("address", cfg.Address),
		observability.String("stream", s.stream),
		observability.Int64("maxLen", s.maxLen),
	)
	return s, nil
}

// Publish implements routing.TransitionSink.
func (s *RedisSink) Publish(t routing.Transition) {
	s.queue.push(t)
}

func (s *RedisSink) write(t routing.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()

	r := NewRecord(t)
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"from":   r.From,
			"to":     r.To,
			"target": r.Target,
			"reason": r.Reason,
			"at":     r.At.Format(time.RFC3339Nano),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	err := retry.Do(ctx, redisRetryConfig, func(ctx context.Context) error {
		return s.client.XAdd(ctx, args).Err()
	}, nil, func(attempt int, err error, backoff time.Duration) {
		s.logger.Debug("retrying redis append",
			observability.Int("attempt", attempt),
			observability.Duration("backoff", backoff),
			observability.Error(err),
		)
	})
	if err != nil {
		s.logger.Warn("failed to append transition to redis",
			observability.String("stream", s.stream),
			observability.Error(err),
		)
	}
}

// Close drains queued transitions and closes the client.
func (s *RedisSink) Close() error {
	err := s.queue.close()
	if errors.Is(err, ErrSinkClosed) {
		return err
	}
	return multierr.Append(err, s.client.Close())
}
