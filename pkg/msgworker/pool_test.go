package msgworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPool_DispatchNonBlocking(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewPool("test", 2, 10)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	release := make(chan struct{})
	start := time.Now()
	ok := pool.TryDispatch(Task{
		Key: "a",
		Handler: func(ctx context.Context) error {
			<-release
			return nil
		},
	})
	elapsed := time.Since(start)
	close(release)

	assert.True(t, ok)
	assert.Less(t, elapsed, 50*time.Millisecond, "dispatch must not wait for the handler")
}

func TestPool_SameKeySequentialProcessing(t *testing.T) {
	pool := NewPool("test", 4, 100)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	var mu sync.Mutex
	var results []int
	var wg sync.WaitGroup

	for i := 1; i <= 5; i++ {
		val := i
		wg.Add(1)
		require.True(t, pool.TryDispatch(Task{
			Key: "schedule:1",
			Handler: func(ctx context.Context) error {
				defer wg.Done()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				results = append(results, val)
				mu.Unlock()
				return nil
			},
		}))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3, 4, 5}, results)
}

func TestPool_RespectsMaxWorkers(t *testing.T) {
	maxWorkers := 3
	pool := NewPool("test", maxWorkers, 100)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	var activeCount, maxActive int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		pool.TryDispatch(Task{
			Key: fmt.Sprintf("campaign:%d", i),
			Handler: func(ctx context.Context) error {
				defer wg.Done()
				current := atomic.AddInt32(&activeCount, 1)
				for {
					seen := atomic.LoadInt32(&maxActive)
					if current <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, current) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&activeCount, -1)
				return nil
			},
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(maxWorkers))
}

func TestPool_PanicAndErrorAreIsolated(t *testing.T) {
	pool := NewPool("test", 1, 10)
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	done := make(chan struct{})
	pool.TryDispatch(Task{Key: "k", Handler: func(ctx context.Context) error { panic("boom") }})
	pool.TryDispatch(Task{Key: "k", Handler: func(ctx context.Context) error { return errors.New("nope") }})
	pool.TryDispatch(Task{Key: "k", Handler: func(ctx context.Context) error { close(done); return nil }})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive a panicking task")
	}

	require.Eventually(t, func() bool {
		return pool.GetStats().TotalProcessed == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), pool.GetStats().TotalErrors)
}

func TestPool_GracefulShutdownCompletesQueued(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewPool("test", 2, 10)
	pool.Start(context.Background())

	var completed, cancelled int32
	for i := 0; i < 4; i++ {
		pool.TryDispatch(Task{
			Key: fmt.Sprintf("k%d", i),
			Handler: func(ctx context.Context) error {
				time.Sleep(10 * time.Millisecond)
				if ctx.Err() != nil {
					atomic.AddInt32(&cancelled, 1)
				}
				atomic.AddInt32(&completed, 1)
				return nil
			},
		})
	}

	pool.Stop(context.Background())

	assert.Equal(t, int32(4), atomic.LoadInt32(&completed))
	assert.Zero(t, atomic.LoadInt32(&cancelled), "stopping does not cancel running tasks")
}

func TestPool_StopDeadlineCancelsRunningAndDropsQueued(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pool := NewPool("test", 1, 10)
	pool.Start(context.Background())

	running := make(chan struct{})
	var sawCancel, ranLater int32
	require.True(t, pool.TryDispatch(Task{Key: "a", Handler: func(ctx context.Context) error {
		close(running)
		<-ctx.Done()
		atomic.StoreInt32(&sawCancel, 1)
		return ctx.Err()
	}}))
	require.True(t, pool.TryDispatch(Task{Key: "a", Handler: func(ctx context.Context) error {
		atomic.StoreInt32(&ranLater, 1)
		return nil
	}}))
	<-running

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	pool.Stop(ctx)

	assert.Equal(t, int32(1), atomic.LoadInt32(&sawCancel))
	assert.Zero(t, atomic.LoadInt32(&ranLater))
	assert.Equal(t, int64(1), pool.GetStats().TotalDropped)
}

func TestPool_DropsWhenFullOrStopped(t *testing.T) {
	pool := NewPool("test", 1, 1)
	assert.False(t, pool.TryDispatch(Task{Key: "x", Handler: func(ctx context.Context) error { return nil }}), "not started")

	pool.Start(context.Background())
	block := make(chan struct{})
	running := make(chan struct{})
	require.True(t, pool.TryDispatch(Task{Key: "x", Handler: func(ctx context.Context) error {
		close(running)
		<-block
		return nil
	}}))
	<-running
	require.True(t, pool.TryDispatch(Task{Key: "x", Handler: func(ctx context.Context) error { return nil }}))
	assert.False(t, pool.TryDispatch(Task{Key: "x", Handler: func(ctx context.Context) error { return nil }}), "queue full")

	close(block)
	pool.Stop(context.Background())
	assert.False(t, pool.TryDispatch(Task{Key: "x", Handler: func(ctx context.Context) error { return nil }}), "stopped")
	assert.Equal(t, int64(3), pool.GetStats().TotalDropped)
}

func TestPool_ConsistentHashing(t *testing.T) {
	pool := NewPool("test", 4, 100)

	shard := pool.shardForKey("schedule:42")
	assert.Equal(t, shard, pool.shardForKey("schedule:42"))
	assert.GreaterOrEqual(t, shard, 0)
	assert.Less(t, shard, 4)
}

func TestPool_FairDistribution(t *testing.T) {
	numWorkers := 4
	pool := NewPool("test", numWorkers, 100)

	shardCounts := make(map[int]int)
	for i := 0; i < 400; i++ {
		shardCounts[pool.shardForKey(fmt.Sprintf("campaign:%d", i))]++
	}

	require.Len(t, shardCounts, numWorkers)
	for shard, count := range shardCounts {
		assert.Greater(t, count, 60, "worker %d is underloaded", shard)
		assert.Less(t, count, 140, "worker %d is overloaded", shard)
	}
}
