// Package convlock serializes conversation turns. At most one turn runs per
// chat at a time; a second inbound message for the same chat waits until the
// running turn released the lock. The local locker covers a single process,
// the redis locker coordinates replicas.
package convlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing a lock this process no longer holds,
// e.g. after the TTL expired under a slow turn.
var ErrNotHeld = errors.New("convlock: lock not held")

// Locker acquires an exclusive per-chat lock. Acquire blocks until the lock
// is free or ctx is done; the returned release function must be called
// exactly once.
type Locker interface {
	Acquire(ctx context.Context, chatID string) (release func() error, err error)
}

// LocalLocker is an in-process locker backed by per-chat channels.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates a single-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*localLock)}
}

func (l *LocalLocker) Acquire(ctx context.Context, chatID string) (func() error, error) {
	l.mu.Lock()
	entry, ok := l.locks[chatID]
	if !ok {
		entry = &localLock{ch: make(chan struct{}, 1)}
		l.locks[chatID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.put(chatID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	release := func() error {
		once.Do(func() {
			<-entry.ch
			l.put(chatID, entry)
		})
		return nil
	}
	return release, nil
}

func (l *LocalLocker) put(chatID string, entry *localLock) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.locks, chatID)
	}
	l.mu.Unlock()
}

// RedisLocker coordinates turns across replicas with SET NX and a token
// check on release, so an expired lock is never released on behalf of the
// replica that took it over.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// RedisLockerConfig tunes the distributed locker.
type RedisLockerConfig struct {
	TTL    time.Duration // lock lifetime, default 2m
	Retry  time.Duration // polling interval while waiting, default 50ms
	Prefix string        // key prefix, default "oats:convlock:"
}

// NewRedisLocker creates a distributed locker on the given client.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) *RedisLocker {
	if cfg.TTL == 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.Retry == 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "oats:convlock:"
	}
	return &RedisLocker{client: client, ttl: cfg.TTL, retry: cfg.Retry, prefix: cfg.Prefix}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, chatID string) (func() error, error) {
	key := l.prefix + chatID
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-time.After(l.retry):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	var releaseErr error
	release := func() error {
		once.Do(func() {
			// Release must succeed even when the turn's context is gone.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(ctx, l.client, []string{key}, token).Int()
			if err != nil {
				releaseErr = err
				return
			}
			if n == 0 {
				releaseErr = ErrNotHeld
			}
		})
		return releaseErr
	}
	return release, nil
}
