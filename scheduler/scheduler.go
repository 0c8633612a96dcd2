package scheduler

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/saiset-co/sai-anime-cache/types"
)

// Scheduler spaces calls to one upstream at least minDelay apart. Calls
// arriving while the window is taken wait for their slot in arrival order
// and are never dropped.
type Scheduler struct {
	upstream string
	logger   types.Logger
	now      types.Clock
	minDelay time.Duration
	limiter  *rate.Limiter

	waiting     int64
	scheduled   uint64
	lastRequest int64
}

func NewScheduler(upstream string, minDelay time.Duration, logger types.Logger, now types.Clock) *Scheduler {
	if now == nil {
		now = time.Now
	}

	s := &Scheduler{
		upstream: upstream,
		logger:   logger,
		now:      now,
		minDelay: minDelay,
	}

	if minDelay > 0 {
		s.limiter = rate.NewLimiter(rate.Every(minDelay), 1)
	}

	return s
}

func (s *Scheduler) Schedule(ctx context.Context, fn types.RequestFunc) (interface{}, error) {
	if fn == nil {
		return nil, types.ErrRequestFnIsNil
	}

	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	atomic.StoreInt64(&s.lastRequest, s.now().UnixMilli())
	atomic.AddUint64(&s.scheduled, 1)

	return fn(ctx)
}

func (s *Scheduler) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}

	now := s.now()
	reservation := s.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return types.NewErrorf("scheduler %s: reservation refused", s.upstream)
	}

	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}

	atomic.AddInt64(&s.waiting, 1)
	defer atomic.AddInt64(&s.waiting, -1)

	s.logger.Debug("Delaying upstream request",
		zap.String("upstream", s.upstream),
		zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.CancelAt(s.now())
		return ctx.Err()
	}
}

// QueueLength is the number of calls waiting for their slot.
func (s *Scheduler) QueueLength() int {
	return int(atomic.LoadInt64(&s.waiting))
}

func (s *Scheduler) GetStats() types.SchedulerStats {
	return types.SchedulerStats{
		Upstream:        s.upstream,
		QueueLength:     s.QueueLength(),
		MinDelay:        s.minDelay,
		LastRequestTime: atomic.LoadInt64(&s.lastRequest),
		Scheduled:       atomic.LoadUint64(&s.scheduled),
	}
}

// Run is Schedule with the result asserted to T.
func Run[T any](ctx context.Context, s types.RequestScheduler, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	val, err := s.Schedule(ctx, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	})
	if err != nil || val == nil {
		return zero, err
	}

	out, ok := val.(T)
	if !ok {
		return zero, types.Errorf(types.ErrResultType, "%T", val)
	}

	return out, nil
}

// Registry holds one independent scheduler per upstream.
type Registry struct {
	schedulers map[string]*Scheduler
}

func NewRegistry(logger types.Logger, upstreams map[string]*types.UpstreamConfig, now types.Clock) *Registry {
	r := &Registry{schedulers: make(map[string]*Scheduler, len(upstreams))}

	for name, upstream := range upstreams {
		if upstream == nil {
			continue
		}
		r.schedulers[name] = NewScheduler(name, upstream.MinDelay, logger, now)
	}

	return r
}

func (r *Registry) Get(upstream string) (*Scheduler, error) {
	s, ok := r.schedulers[upstream]
	if !ok {
		return nil, types.Errorf(types.ErrSchedulerNotFound, "upstream: %s", upstream)
	}
	return s, nil
}

func (r *Registry) Stats() []types.SchedulerStats {
	stats := make([]types.SchedulerStats, 0, len(r.schedulers))
	for _, s := range r.schedulers {
		stats = append(stats, s.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Upstream < stats[j].Upstream })
	return stats
}
