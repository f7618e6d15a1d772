package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Redis SET NX + EX lock with a Lua-scripted release that only deletes the
// key when the stored value matches the holder token, so one process can
// never release another's lock.
//
// Two callers use it:
//   - checkout, keyed by order id, so two submissions reusing the same
//     client-supplied order id cannot both reach the gateway;
//   - callback reconciliation, keyed by CheckoutRequestID, so duplicate
//     deliveries of the same callback are serialized and both fall through
//     the same conditional-update path.

var ErrLockFailed = errors.New("failed to acquire lock")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisLocker implements the service-layer Locker interface.
type RedisLocker struct {
	client *redis.Client
}

func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client}
}

// Lock tries to take the key, retrying briefly before giving up. The
// returned release function is safe to defer; release failures are
// ignored because the TTL bounds the damage.
func (l *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	fullKey := "lock:" + key

	const maxRetries = 30
	const retryInterval = 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			release := func() {
				releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				l.client.Eval(releaseCtx, unlockScript, []string{fullKey}, token)
			}
			return release, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrLockFailed, key)
}
