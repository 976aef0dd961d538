package lock

import (
	"context"
	"errors"
	"time"

	"github.com/dyluth/burrow/pkg/fault"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes KEYS[1] only when its value equals ARGV[1].
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker implements Locker on a Redis server using SET NX PX for
// acquisition and a compare-and-delete script for release.
// The lock store is never blindly overwritten.
type RedisLocker struct {
	rdb redis.UniversalClient
}

// NewRedisLocker wraps an existing Redis client. The caller owns the client
// and is responsible for closing it.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

// TryAcquire implements Locker.
func (l *RedisLocker) TryAcquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	if err := validate(name, token, ttl); err != nil {
		return false, err
	}

	ok, err := l.rdb.SetNX(ctx, Key(name), token, ttl).Result()
	if err != nil {
		return false, fault.New(fault.KindTransientCoordination, "lock.acquire", err)
	}
	return ok, nil
}

// Release implements Locker.
func (l *RedisLocker) Release(ctx context.Context, name, token string) (bool, error) {
	n, err := releaseScript.Run(ctx, l.rdb, []string{Key(name)}, token).Int64()
	if err != nil {
		return false, fault.New(fault.KindTransientCoordination, "lock.release", err)
	}
	return n == 1, nil
}

// Holder implements Locker.
func (l *RedisLocker) Holder(ctx context.Context, name string) (string, error) {
	token, err := l.rdb.Get(ctx, Key(name)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fault.New(fault.KindTransientCoordination, "lock.holder", err)
	}
	return token, nil
}
