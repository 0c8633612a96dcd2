package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/types"
)

func TestCallsAreSpacedByMinDelay(t *testing.T) {
	s := NewScheduler("jikan", 100*time.Millisecond, logger.NewNopLogger(), nil)
	ctx := context.Background()

	var mu sync.Mutex
	var starts []time.Time
	fn := func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return nil, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Schedule(ctx, fn)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, starts, 3)
	first, last := starts[0], starts[0]
	for _, start := range starts {
		if start.Before(first) {
			first = start
		}
		if start.After(last) {
			last = start
		}
	}
	assert.GreaterOrEqual(t, last.Sub(first), 190*time.Millisecond)
	assert.Equal(t, uint64(3), s.GetStats().Scheduled)
}

func TestSecondCallWaits(t *testing.T) {
	s := NewScheduler("kitsu", 80*time.Millisecond, logger.NewNopLogger(), nil)
	ctx := context.Background()

	noop := func(ctx context.Context) (interface{}, error) { return "ok", nil }

	start := time.Now()
	val, err := s.Schedule(ctx, noop)
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	_, err = s.Schedule(ctx, noop)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
	assert.Greater(t, s.GetStats().LastRequestTime, int64(0))
}

func TestQueueLengthCountsWaiters(t *testing.T) {
	s := NewScheduler("schedule", 200*time.Millisecond, logger.NewNopLogger(), nil)
	ctx := context.Background()
	noop := func(ctx context.Context) (interface{}, error) { return nil, nil }

	_, err := s.Schedule(ctx, noop)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = s.Schedule(ctx, noop)
		close(done)
	}()

	require.Eventually(t, func() bool { return s.QueueLength() == 1 }, time.Second, time.Millisecond)
	<-done
	assert.Equal(t, 0, s.QueueLength())
}

func TestCancelledWaitReturnsContextError(t *testing.T) {
	s := NewScheduler("anilist", time.Hour, logger.NewNopLogger(), nil)
	noop := func(ctx context.Context) (interface{}, error) { return nil, nil }

	_, err := s.Schedule(context.Background(), noop)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = s.Schedule(ctx, noop)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.QueueLength())
}

func TestZeroDelayDisablesSpacing(t *testing.T) {
	s := NewScheduler("local", 0, logger.NewNopLogger(), nil)
	noop := func(ctx context.Context) (interface{}, error) { return nil, nil }

	start := time.Now()
	for i := 0; i < 5; i++ {
		_, err := s.Schedule(context.Background(), noop)
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	_, err := s.Schedule(context.Background(), nil)
	assert.ErrorIs(t, err, types.ErrRequestFnIsNil)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(logger.NewNopLogger(), map[string]*types.UpstreamConfig{
		types.UpstreamKitsu: {MinDelay: 500 * time.Millisecond},
		types.UpstreamJikan: {MinDelay: time.Second},
	}, nil)

	jikan, err := r.Get(types.UpstreamJikan)
	require.NoError(t, err)
	assert.Equal(t, time.Second, jikan.GetStats().MinDelay)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, types.ErrSchedulerNotFound)

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, types.UpstreamJikan, stats[0].Upstream)
	assert.Equal(t, types.UpstreamKitsu, stats[1].Upstream)
}

func TestRunTyped(t *testing.T) {
	s := NewScheduler("jikan", 0, logger.NewNopLogger(), nil)

	got, err := Run(context.Background(), s, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, got)
}
