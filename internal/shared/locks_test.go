package shared

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSubjectMutexSerializesSameKey(t *testing.T) {
	m := NewSubjectMutex()
	ctx := context.Background()

	release, err := m.Acquire(ctx, "ledger:customer:1:lock")
	require.NoError(t, err)

	var second sync.WaitGroup
	entered := make(chan struct{})
	second.Add(1)
	go func() {
		defer second.Done()
		release2, err := m.Acquire(ctx, "ledger:customer:1:lock")
		require.NoError(t, err)
		close(entered)
		release2()
	}()

	select {
	case <-entered:
		t.Fatal("second acquire entered while first still held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	second.Wait()
	require.Equal(t, 0, m.Len())
}

func TestSubjectMutexIndependentKeys(t *testing.T) {
	m := NewSubjectMutex()
	ctx := context.Background()

	release1, err := m.Acquire(ctx, CustomerLockKey(1))
	require.NoError(t, err)
	defer release1()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	release2, err := m.Acquire(ctx2, CustomerLockKey(2))
	require.NoError(t, err)
	release2()
}

func TestSubjectMutexTimeoutIsConflict(t *testing.T) {
	m := NewSubjectMutex()
	release, err := m.Acquire(context.Background(), CostLockKey(1, 0, 1))
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx, CostLockKey(1, 0, 1))
	require.Error(t, err)
	require.True(t, IsRetryable(err))
}

func TestSubjectLockerDistributed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	lockerA := NewSubjectLocker(redislock.New(client), LockerConfig{Timeout: 200 * time.Millisecond, Retry: 20 * time.Millisecond})
	lockerB := NewSubjectLocker(redislock.New(client), LockerConfig{Timeout: 200 * time.Millisecond, Retry: 20 * time.Millisecond})

	release, err := lockerA.Acquire(context.Background(), CustomerLockKey(7))
	require.NoError(t, err)

	// A second instance must not enter the same subject.
	_, err = lockerB.Acquire(context.Background(), CustomerLockKey(7))
	require.Error(t, err)
	require.True(t, IsRetryable(err))

	release()

	release, err = lockerB.Acquire(context.Background(), CustomerLockKey(7))
	require.NoError(t, err)
	release()
}

func TestSubjectLockerOnWait(t *testing.T) {
	var observed string
	locker := NewSubjectLocker(nil, LockerConfig{OnWait: func(key string, _ time.Duration) { observed = key }})
	release, err := locker.Acquire(context.Background(), CustomerLockKey(3))
	require.NoError(t, err)
	release()
	require.Equal(t, CustomerLockKey(3), observed)
}
