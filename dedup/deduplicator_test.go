package dedup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDeduplicator(clock *fakeClock) *Deduplicator {
	var now types.Clock
	if clock != nil {
		now = clock.Now
	}
	return NewDeduplicator(logger.NewNopLogger(), &types.DedupConfig{
		UseCompletedCache: true,
		CompletedTTL:      5 * time.Second,
		RequestTimeout:    time.Second,
	}, now)
}

func TestConcurrentCallsCollapse(t *testing.T) {
	d := newTestDeduplicator(&fakeClock{now: time.Unix(0, 0)})

	var invocations int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		<-release
		return "result", nil
	}

	const callers = 10
	var wg sync.WaitGroup
	results := make([]interface{}, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, err := d.Do(context.Background(), "jikan:seasonal:winter:2024:1", fn, nil)
			assert.NoError(t, err)
			results[i] = val
		}(i)
	}

	require.Eventually(t, func() bool { return d.GetStats().PendingCount == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	for _, val := range results {
		assert.Equal(t, "result", val)
	}

	stats := d.GetStats()
	assert.Equal(t, 0, stats.PendingCount)
	assert.Equal(t, 1, stats.CompletedCacheSize)
}

func TestCompletedWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	d := newTestDeduplicator(clock)

	var invocations int32
	fn := func(ctx context.Context) (interface{}, error) {
		return atomic.AddInt32(&invocations, 1), nil
	}

	ctx := context.Background()

	val, err := d.Do(ctx, "k", fn, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), val)

	clock.Advance(4999 * time.Millisecond)
	val, err = d.Do(ctx, "k", fn, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), val)

	clock.Advance(2 * time.Millisecond)
	val, err = d.Do(ctx, "k", fn, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), val)

	val, err = d.Do(ctx, "k", fn, &types.DedupOptions{SkipCompletedCache: true})
	require.NoError(t, err)
	assert.Equal(t, int32(3), val)
}

func TestCompletedEntriesArePrunedOnWrite(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	d := newTestDeduplicator(clock)
	ctx := context.Background()

	ok := func(ctx context.Context) (interface{}, error) { return 1, nil }

	_, err := d.Do(ctx, "a", ok, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.GetStats().CompletedCacheSize)

	clock.Advance(6 * time.Second)
	_, err = d.Do(ctx, "b", ok, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, d.GetStats().CompletedCacheSize)
}

func TestFailureIsSharedAndNotMemoized(t *testing.T) {
	d := newTestDeduplicator(&fakeClock{now: time.Unix(0, 0)})
	ctx := context.Background()

	boom := errors.New("boom")
	var invocations int32
	fn := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		return nil, boom
	}

	_, err := d.Do(ctx, "k", fn, nil)
	assert.ErrorIs(t, err, boom)
	_, err = d.Do(ctx, "k", fn, nil)
	assert.ErrorIs(t, err, boom)

	assert.Equal(t, int32(2), atomic.LoadInt32(&invocations))
	assert.Equal(t, 0, d.GetStats().CompletedCacheSize)
	assert.Equal(t, 0, d.GetStats().PendingCount)
}

func TestTimeoutClearsPending(t *testing.T) {
	d := newTestDeduplicator(nil)

	hang := make(chan struct{})
	defer close(hang)

	_, err := d.Do(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		<-hang
		return nil, nil
	}, &types.DedupOptions{Timeout: 30 * time.Millisecond})

	assert.ErrorIs(t, err, types.ErrRequestTimeout)
	assert.Equal(t, 0, d.GetStats().PendingCount)
}

func TestTimeoutCancelsFunctionContext(t *testing.T) {
	d := newTestDeduplicator(nil)

	cancelled := make(chan struct{})
	_, err := d.Do(context.Background(), "k", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}, &types.DedupOptions{Timeout: 20 * time.Millisecond})

	assert.Error(t, err)
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("function context was not cancelled")
	}
}

func TestCancelThenReissue(t *testing.T) {
	d := newTestDeduplicator(nil)
	ctx := context.Background()

	releaseFirst := make(chan struct{})
	releaseSecond := make(chan struct{})
	var invocations int32

	first := make(chan interface{}, 1)
	go func() {
		val, _ := d.Do(ctx, "k", func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&invocations, 1)
			<-releaseFirst
			return "first", nil
		}, nil)
		first <- val
	}()

	require.Eventually(t, func() bool { return d.GetStats().PendingCount == 1 }, time.Second, time.Millisecond)

	d.Cancel("k")
	assert.Equal(t, 0, d.GetStats().PendingCount)

	second := make(chan interface{}, 1)
	go func() {
		val, _ := d.Do(ctx, "k", func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&invocations, 1)
			<-releaseSecond
			return "second", nil
		}, nil)
		second <- val
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&invocations) == 2 }, time.Second, time.Millisecond)

	close(releaseFirst)
	assert.Equal(t, "first", <-first)
	assert.Equal(t, []string{"k"}, d.GetStats().PendingKeys)

	close(releaseSecond)
	assert.Equal(t, "second", <-second)
	assert.Equal(t, 0, d.GetStats().PendingCount)
}

func TestCancelAll(t *testing.T) {
	d := newTestDeduplicator(nil)

	release := make(chan struct{})
	defer close(release)

	for _, key := range []string{"b", "a"} {
		go func(key string) {
			_, _ = d.Do(context.Background(), key, func(ctx context.Context) (interface{}, error) {
				<-release
				return nil, nil
			}, nil)
		}(key)
	}

	require.Eventually(t, func() bool { return d.GetStats().PendingCount == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, d.GetStats().PendingKeys)

	d.CancelAll()
	assert.Equal(t, 0, d.GetStats().PendingCount)
}

func TestCallerCancellationLeavesOthersWaiting(t *testing.T) {
	d := newTestDeduplicator(nil)

	release := make(chan struct{})
	fn := func(ctx context.Context) (interface{}, error) {
		<-release
		return "ok", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	early := make(chan error, 1)
	go func() {
		_, err := d.Do(ctx, "k", fn, nil)
		early <- err
	}()

	require.Eventually(t, func() bool { return d.GetStats().PendingCount == 1 }, time.Second, time.Millisecond)

	late := make(chan interface{}, 1)
	go func() {
		val, _ := d.Do(context.Background(), "k", fn, nil)
		late <- val
	}()

	cancel()
	assert.ErrorIs(t, <-early, context.Canceled)

	close(release)
	assert.Equal(t, "ok", <-late)
}

func TestInvalidArguments(t *testing.T) {
	d := newTestDeduplicator(nil)

	_, err := d.Do(context.Background(), "", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, types.ErrRequestKeyEmpty)

	_, err = d.Do(context.Background(), "k", nil, nil)
	assert.ErrorIs(t, err, types.ErrRequestFnIsNil)
}

func TestRunTyped(t *testing.T) {
	d := newTestDeduplicator(nil)
	ctx := context.Background()

	got, err := Run(ctx, d, "typed", func(ctx context.Context) ([]string, error) {
		return []string{"a"}, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got)

	_, err = d.Do(ctx, "mixed", func(ctx context.Context) (interface{}, error) { return 42, nil }, nil)
	require.NoError(t, err)

	_, err = Run(ctx, d, "mixed", func(ctx context.Context) (string, error) { return "", nil }, nil)
	assert.ErrorIs(t, err, types.ErrResultType)
}
