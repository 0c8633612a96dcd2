package dedup

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
)

const (
	DefaultCompletedTTL   = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
)

// call is one in-flight execution shared by every caller of its key.
type call struct {
	done chan struct{}
	val  interface{}
	err  error
}

type completed struct {
	val interface{}
	at  time.Time
	ttl time.Duration
}

// Deduplicator collapses concurrent requests for one key into a single
// execution and remembers successful results for a short window.
//
// Cancel and CancelAll only forget pending entries. The running function is
// not interrupted and callers already waiting still receive its result.
type Deduplicator struct {
	logger         types.Logger
	now            types.Clock
	useCompleted   bool
	completedTTL   time.Duration
	requestTimeout time.Duration

	mu        sync.Mutex
	pending   map[string]*call
	completed map[string]completed
}

func NewDeduplicator(logger types.Logger, config *types.DedupConfig, now types.Clock) *Deduplicator {
	if now == nil {
		now = time.Now
	}

	d := &Deduplicator{
		logger:         logger,
		now:            now,
		useCompleted:   true,
		completedTTL:   DefaultCompletedTTL,
		requestTimeout: DefaultRequestTimeout,
		pending:        make(map[string]*call),
		completed:      make(map[string]completed),
	}

	if config != nil {
		d.useCompleted = config.UseCompletedCache
		if config.CompletedTTL > 0 {
			d.completedTTL = config.CompletedTTL
		}
		if config.RequestTimeout > 0 {
			d.requestTimeout = config.RequestTimeout
		}
	}

	return d
}

// Do returns a memoized result younger than the completed ttl, joins a call
// already in flight for key, or starts a new one, in that order.
func (d *Deduplicator) Do(ctx context.Context, key string, fn types.RequestFunc, opts *types.DedupOptions) (interface{}, error) {
	if key == "" {
		return nil, types.ErrRequestKeyEmpty
	}
	if fn == nil {
		return nil, types.ErrRequestFnIsNil
	}

	useCompleted, completedTTL, timeout := d.resolve(opts)

	d.mu.Lock()
	if useCompleted {
		if memo, ok := d.completed[key]; ok && d.now().Sub(memo.at) < completedTTL {
			d.mu.Unlock()
			d.logger.Debug("Serving completed request", zap.String("key", key))
			return memo.val, nil
		}
	}

	c, joined := d.pending[key]
	if !joined {
		c = &call{done: make(chan struct{})}
		d.pending[key] = c
	}
	d.mu.Unlock()

	if joined {
		d.logger.Debug("Joining in-flight request", zap.String("key", key))
	} else {
		go d.run(ctx, key, c, fn, useCompleted, completedTTL, timeout)
	}

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Deduplicator) resolve(opts *types.DedupOptions) (bool, time.Duration, time.Duration) {
	useCompleted, completedTTL, timeout := d.useCompleted, d.completedTTL, d.requestTimeout
	if opts == nil {
		return useCompleted, completedTTL, timeout
	}
	if opts.SkipCompletedCache {
		useCompleted = false
	}
	if opts.CompletedTTL > 0 {
		completedTTL = opts.CompletedTTL
	}
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	return useCompleted, completedTTL, timeout
}

// run executes fn detached from the first caller's cancellation, so other
// waiters are not failed by it. The timeout still applies.
func (d *Deduplicator) run(parent context.Context, key string, c *call, fn types.RequestFunc, useCompleted bool, completedTTL, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()

	type result struct {
		val interface{}
		err error
	}

	results := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- result{err: types.NewErrorf("request %s panicked: %v", key, r)}
			}
		}()
		val, err := fn(ctx)
		results <- result{val: val, err: err}
	}()

	select {
	case r := <-results:
		c.val, c.err = r.val, r.err
	case <-ctx.Done():
		c.err = types.Errorf(types.ErrRequestTimeout, "key %s after %s", key, timeout)
		d.logger.Warn("Request timed out", zap.String("key", key), zap.Duration("timeout", timeout))
	}

	d.mu.Lock()
	if d.pending[key] == c {
		delete(d.pending, key)
	}
	if c.err == nil && useCompleted {
		now := d.now()
		d.completed[key] = completed{val: c.val, at: now, ttl: completedTTL}
		d.pruneLocked(now)
	}
	d.mu.Unlock()

	close(c.done)
}

func (d *Deduplicator) pruneLocked(now time.Time) {
	for key, memo := range d.completed {
		if now.Sub(memo.at) >= memo.ttl {
			delete(d.completed, key)
		}
	}
}

func (d *Deduplicator) Cancel(key string) {
	d.mu.Lock()
	delete(d.pending, key)
	d.mu.Unlock()
}

func (d *Deduplicator) CancelAll() {
	d.mu.Lock()
	d.pending = make(map[string]*call)
	d.mu.Unlock()
}

func (d *Deduplicator) GetStats() types.DedupStats {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.pending))
	for key := range d.pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return types.DedupStats{
		PendingCount:       len(d.pending),
		CompletedCacheSize: len(d.completed),
		PendingKeys:        keys,
	}
}

// Run is Do with the result asserted to T.
func Run[T any](ctx context.Context, d types.RequestDeduplicator, key string, fn func(ctx context.Context) (T, error), opts *types.DedupOptions) (T, error) {
	var zero T

	val, err := d.Do(ctx, key, func(ctx context.Context) (interface{}, error) {
		return fn(ctx)
	}, opts)
	if err != nil || val == nil {
		return zero, err
	}

	out, ok := val.(T)
	if !ok {
		return zero, types.Errorf(types.ErrResultType, "key %s: %T", key, val)
	}

	return out, nil
}
