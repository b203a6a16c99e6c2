package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a cross-process lock built on SET NX PX. Locks expire after TTL
// so a crashed holder cannot block a space forever.
type Redis struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	retryWait time.Duration
	logger    *zerolog.Logger
}

func NewRedis(rdb *redis.Client, prefix string, ttl time.Duration, logger *zerolog.Logger) *Redis {
	if prefix == "" {
		prefix = "lock"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Redis{
		rdb:       rdb,
		prefix:    prefix,
		ttl:       ttl,
		retryWait: 25 * time.Millisecond,
		logger:    logger,
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := fmt.Sprintf("%s:lock:%s", r.prefix, key)
	token := uuid.NewString()

	for {
		ok, err := r.rdb.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-time.After(r.retryWait):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release even if the request context is already gone.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.rdb, []string{redisKey}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
			}
		})
	}, nil
}
