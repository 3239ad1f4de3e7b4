package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/vault-ledger/internal/model"
)

// unlockScript deletes a lock only if it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker provides the same exclusion as LocalLocker across service
// instances sharing one Redis. Each key is held with SET NX PX and a
// per-acquisition token; the TTL bounds how long a crashed holder blocks
// others.
type RedisLocker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

// NewRedisLocker creates a distributed locker. ttl must exceed the longest
// transition.
func NewRedisLocker(rdb *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisLocker{rdb: rdb, ttl: ttl, retry: 10 * time.Millisecond}
}

func (l *RedisLocker) Lock(ctx context.Context, keys ...model.Key) (func(), error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	release := func() {
		// Released with a fresh context so cancellation cannot strand a lock.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for i := len(held) - 1; i >= 0; i-- {
			unlockScript.Run(rctx, l.rdb, []string{held[i]}, token)
		}
	}

	for _, k := range keys {
		rk := lockKey(k)
		for {
			ok, err := l.rdb.SetNX(ctx, rk, token, l.ttl).Result()
			if err != nil {
				release()
				return nil, fmt.Errorf("lock %s: %w", k, err)
			}
			if ok {
				held = append(held, rk)
				break
			}
			select {
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			case <-time.After(l.retry):
			}
		}
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func lockKey(k model.Key) string { return "ledger:lock:" + k.String() }
