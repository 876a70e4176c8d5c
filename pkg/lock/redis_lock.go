package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/pkg/logger"
)

var (
	ErrLockNotHeld       = errors.New("lock not held")
	ErrLockAcquireFailed = errors.New("failed to acquire lock")
)

// Locker runs fn while holding an exclusive lock on key. It does not wait:
// if the key is held elsewhere it returns ErrLockAcquireFailed.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLock is a single SET NX lock owned by a random token.
type RedisLock struct {
	client     redis.UniversalClient
	key        string
	value      string
	expiration time.Duration
}

// RedisLocker hands out locks shared by every instance on the same Redis.
type RedisLocker struct {
	client     redis.UniversalClient
	keyPrefix  string
	expiration time.Duration
}

func NewRedisLocker(client redis.UniversalClient, keyPrefix string, expiration time.Duration) *RedisLocker {
	if expiration == 0 {
		expiration = 30 * time.Second
	}
	return &RedisLocker{
		client:     client,
		keyPrefix:  keyPrefix,
		expiration: expiration,
	}
}

func (l *RedisLocker) NewLock(key string) *RedisLock {
	return &RedisLock{
		client:     l.client,
		key:        l.keyPrefix + key,
		value:      uuid.New().String(),
		expiration: l.expiration,
	}
}

// Acquire tries once.
func (lock *RedisLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := lock.client.SetNX(ctx, lock.key, lock.value, lock.expiration).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", lock.key, err)
	}
	return ok, nil
}

// AcquireWithRetry tries up to maxRetries times, retryInterval apart.
func (lock *RedisLock) AcquireWithRetry(ctx context.Context, retryInterval time.Duration, maxRetries int) (bool, error) {
	for i := 0; i < maxRetries; i++ {
		ok, err := lock.Acquire(ctx)
		if err != nil || ok {
			return ok, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
	return false, nil
}

// Release deletes the key only if this lock still owns it.
func (lock *RedisLock) Release(ctx context.Context) error {
	return lock.runOwned(ctx, "release", releaseScript)
}

// Extend pushes the expiry out while the lock is still owned.
func (lock *RedisLock) Extend(ctx context.Context, extension time.Duration) error {
	return lock.runOwned(ctx, "extend", extendScript, extension.Milliseconds())
}

// runOwned runs a script guarded by the owner token; a zero reply means the
// key expired or was taken over.
func (lock *RedisLock) runOwned(ctx context.Context, op string, script *redis.Script, extra ...interface{}) error {
	args := append([]interface{}{lock.value}, extra...)
	n, err := script.Run(ctx, lock.client, []string{lock.key}, args...).Int64()
	if err != nil {
		return fmt.Errorf("%s lock %s: %w", op, lock.key, err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lock := l.NewLock(key)
	ok, err := lock.Acquire(ctx)
	return lock.hold(ctx, ok, err, fn)
}

// WithLockRetry is WithLock with a bounded wait for the key.
func (l *RedisLocker) WithLockRetry(ctx context.Context, key string, retryInterval time.Duration, maxRetries int, fn func(ctx context.Context) error) error {
	lock := l.NewLock(key)
	ok, err := lock.AcquireWithRetry(ctx, retryInterval, maxRetries)
	return lock.hold(ctx, ok, err, fn)
}

func (lock *RedisLock) hold(ctx context.Context, acquired bool, err error, fn func(ctx context.Context) error) error {
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockAcquireFailed
	}
	stop := lock.keepAlive(context.WithoutCancel(ctx))
	defer func() {
		stop()
		_ = lock.Release(context.WithoutCancel(ctx))
	}()
	return fn(ctx)
}

// keepAlive re-arms the expiry every third of it until stop returns. A holder
// waiting on a receipt may run far longer than one expiry.
func (lock *RedisLock) keepAlive(ctx context.Context) (stop func()) {
	interval := lock.expiration / 3
	if interval <= 0 {
		interval = lock.expiration
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := lock.Extend(ctx, lock.expiration); err != nil {
					logger.Warn("lock lost while held",
						zap.String("key", lock.key),
						zap.Error(err))
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// LocalLocker is the single-process Locker used when Redis is not
// configured.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return ErrLockAcquireFailed
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}
