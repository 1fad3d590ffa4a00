package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKey = "worldrates:ingestion:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock holds a key set with NX and a millisecond expiry. Release only
// deletes the key while it still carries this holder's token.
type RedisLock struct {
	rdb    *redis.Client
	key    string
	expiry time.Duration

	mu    sync.Mutex
	token string
}

func NewRedisLock(rdb *redis.Client, key string, expiry time.Duration) (*RedisLock, error) {
	if rdb == nil {
		return nil, errors.New("lock: redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = defaultRedisKey
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &RedisLock{rdb: rdb, key: key, expiry: expiry}, nil
}

func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.expiry).Result()
	if err != nil {
		return false, fmt.Errorf("lock: redis setnx %s: %w", l.key, err)
	}
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return true, nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()
	if token == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lock: redis release %s: %w", l.key, err)
	}
	return nil
}

func (l *RedisLock) State(ctx context.Context) (State, error) {
	state := State{Backend: "redis", Location: l.key}
	ttl, err := l.rdb.PTTL(ctx, l.key).Result()
	if err != nil {
		return state, fmt.Errorf("lock: redis pttl %s: %w", l.key, err)
	}
	if ttl > 0 {
		state.Held = true
		state.Since = time.Now().Add(ttl - l.expiry)
	}
	return state, nil
}

var _ Lock = (*RedisLock)(nil)
