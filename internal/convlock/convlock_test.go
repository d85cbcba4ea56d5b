package convlock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLockerSerializesPerChat(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(ctx, "chat-1")
			require.NoError(t, err)
			defer release()

			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
}

func TestLocalLockerDifferentChatsIndependent(t *testing.T) {
	locker := NewLocalLocker()
	ctx := context.Background()

	releaseA, err := locker.Acquire(ctx, "chat-a")
	require.NoError(t, err)
	defer releaseA()

	// chat-b is not blocked by chat-a's turn.
	done := make(chan struct{})
	go func() {
		releaseB, err := locker.Acquire(ctx, "chat-b")
		assert.NoError(t, err)
		releaseB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent chat lock blocked")
	}
}

func TestLocalLockerAcquireHonorsContext(t *testing.T) {
	locker := NewLocalLocker()

	release, err := locker.Acquire(context.Background(), "chat-1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(ctx, "chat-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func newRedisLocker(t *testing.T, cfg RedisLockerConfig) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLocker(client, cfg), mr
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	locker, _ := newRedisLocker(t, RedisLockerConfig{Retry: 5 * time.Millisecond})
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "chat-1")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = locker.Acquire(waitCtx, "chat-1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, release())

	release2, err := locker.Acquire(ctx, "chat-1")
	require.NoError(t, err)
	require.NoError(t, release2())
}

func TestRedisLockerReleaseAfterExpiry(t *testing.T) {
	locker, mr := newRedisLocker(t, RedisLockerConfig{TTL: 50 * time.Millisecond, Retry: 5 * time.Millisecond})
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "chat-1")
	require.NoError(t, err)

	// The TTL expires under the slow turn and another replica takes over.
	mr.FastForward(100 * time.Millisecond)
	release2, err := locker.Acquire(ctx, "chat-1")
	require.NoError(t, err)

	// The first holder must not release the second holder's lock.
	require.ErrorIs(t, release(), ErrNotHeld)
	require.NoError(t, release2())
}

func TestRedisLockerReleaseIdempotent(t *testing.T) {
	locker, _ := newRedisLocker(t, RedisLockerConfig{})
	release, err := locker.Acquire(context.Background(), "chat-1")
	require.NoError(t, err)
	require.NoError(t, release())
	require.NoError(t, release())
}
