package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/formflow/internal/config"
)

// ErrLockLost is returned by a release function when the lock expired or was
// taken over before it was released.
var ErrLockLost = errors.New("workflow: submission lock lost before release")

// Locker serializes work on a key. Lock blocks until the key is free or ctx
// is done; the returned release function must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (release func() error, err error)
}

// --- In-memory locker ---

type keyLock struct {
	sem  chan struct{}
	refs int
}

// MemoryLocker is a keyed mutex for a single process. Entries are removed
// once no caller holds or waits on them.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// NewMemoryLocker creates an empty in-memory locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock acquires the key.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func() error, error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{sem: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.refs++
	l.mu.Unlock()

	select {
	case kl.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, kl)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() error {
		once.Do(func() {
			<-kl.sem
			l.unref(key, kl)
		})
		return nil
	}, nil
}

func (l *MemoryLocker) unref(key string, kl *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.refs--
	if kl.refs == 0 {
		delete(l.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (l *MemoryLocker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// HealthCheck always succeeds.
func (l *MemoryLocker) HealthCheck(context.Context) error { return nil }

// --- Redis-backed locker ---

const releaseTimeout = 5 * time.Second

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker serializes across processes sharing a Redis. The lock expires
// after TTL so a crashed holder cannot wedge a submission.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

// NewRedisLocker creates a locker from the workflow lock configuration.
func NewRedisLocker(client redis.Cmdable, cfg config.LockConfig) *RedisLocker {
	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	return &RedisLocker{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		retry:  retry,
	}
}

// Lock polls SET NX until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func() error, error) {
	redisKey := FormatLockKey(l.prefix, key)
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", redisKey, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
			defer cancel()

			n, err := releaseScript.Run(rctx, l.client, []string{redisKey}, token).Int()
			switch {
			case err != nil:
				releaseErr = fmt.Errorf("redis unlock %s: %w", redisKey, err)
			case n == 0:
				releaseErr = ErrLockLost
			}
		})
		return releaseErr
	}, nil
}

// HealthCheck pings Redis.
func (l *RedisLocker) HealthCheck(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// FormatLockKey builds the Redis key for a submission lock.
func FormatLockKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + ":" + key
}
