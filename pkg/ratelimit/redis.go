package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisLimiter shares the window across replicas using one sorted set per
// key, scored by request time in milliseconds.
type RedisLimiter struct {
	client *redis.Client
	cfg    Config
	prefix string
}

// NewRedisLimiter wraps an existing client.
func NewRedisLimiter(client *redis.Client, cfg Config) *RedisLimiter {
	return &RedisLimiter{client: client, cfg: cfg, prefix: "ratelimit:"}
}

// Connect opens a client and pings it until Redis answers or attempts run out.
func Connect(ctx context.Context, addr string, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	_, err := backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("redis not ready", zap.String("addr", addr), zap.Error(err), zap.Duration("retry_in", next))
		}),
	)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

// Allow implements Limiter. The request is recorded first and removed again
// when it pushes the key over the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	setKey := l.prefix + key
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()
	cutoff := now.Add(-l.cfg.Window).UnixMilli()

	var card *redis.IntCmd
	var oldest *redis.ZSliceCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, setKey, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		card = pipe.ZCard(ctx, setKey)
		oldest = pipe.ZRangeWithScores(ctx, setKey, 0, 0)
		pipe.PExpire(ctx, setKey, l.cfg.Window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	count := int(card.Val())
	if count <= l.cfg.Requests {
		return Decision{Allowed: true, Limit: l.cfg.Requests, Remaining: l.cfg.Requests - count}, nil
	}

	if err := l.client.ZRem(ctx, setKey, member).Err(); err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	d := Decision{Limit: l.cfg.Requests, RetryAfter: l.cfg.Window}
	if z := oldest.Val(); len(z) > 0 {
		d.RetryAfter = time.UnixMilli(int64(z[0].Score)).Add(l.cfg.Window).Sub(now)
	}
	return d, nil
}
