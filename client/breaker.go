package client

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
)

type CircuitBreakerState int32

const (
	StateBreakerClosed CircuitBreakerState = iota
	StateBreakerOpen
	StateBreakerHalfOpen
	StateBreakerDisabled
)

// CircuitBreaker stops calls to an upstream after FailureThreshold
// consecutive failures. After RecoveryTimeout it lets trial calls through
// and closes again once HalfOpenRequests of them succeed.
type CircuitBreaker struct {
	config    *types.CircuitBreakerConfig
	logger    types.Logger
	upstream  string
	now       types.Clock
	mu        sync.Mutex
	state     CircuitBreakerState
	failures  int
	successes int
	lastFail  time.Time
}

func NewCircuitBreaker(config *types.CircuitBreakerConfig, logger types.Logger, upstream string, now types.Clock) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}

	cb := &CircuitBreaker{
		config:   config,
		logger:   logger,
		upstream: upstream,
		now:      now,
		state:    StateBreakerClosed,
	}

	if config == nil || !config.Enabled {
		cb.config = &types.CircuitBreakerConfig{Enabled: false}
		cb.state = StateBreakerDisabled
	}

	return cb
}

func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerOpen:
		if cb.now().Sub(cb.lastFail) >= cb.config.RecoveryTimeout {
			cb.transitionLocked(StateBreakerHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures = 0
	case StateBreakerHalfOpen:
		cb.successes++
		cb.logger.Debug("Success recorded in half-open state",
			zap.String("upstream", cb.upstream),
			zap.Int("successes", cb.successes),
			zap.Int("required", cb.config.HalfOpenRequests))

		if cb.successes >= cb.config.HalfOpenRequests {
			cb.transitionLocked(StateBreakerClosed)
		}
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateBreakerDisabled {
		return
	}

	cb.lastFail = cb.now()

	switch cb.state {
	case StateBreakerClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionLocked(StateBreakerOpen)
		}
	case StateBreakerHalfOpen:
		cb.transitionLocked(StateBreakerOpen)
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateBreakerDisabled {
		return
	}
	cb.transitionLocked(StateBreakerClosed)
}

func (cb *CircuitBreaker) transitionLocked(to CircuitBreakerState) {
	from := cb.state
	cb.state = to
	cb.successes = 0

	if to == StateBreakerClosed {
		cb.failures = 0
		cb.lastFail = time.Time{}
	}

	fields := []zap.Field{
		zap.String("upstream", cb.upstream),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	}

	if to == StateBreakerOpen {
		cb.logger.Warn("Circuit breaker opened", append(fields, zap.Int("failures", cb.failures))...)
		return
	}
	cb.logger.Info("Circuit breaker state changed", fields...)
}

func (s CircuitBreakerState) String() string {
	switch s {
	case StateBreakerClosed:
		return "closed"
	case StateBreakerOpen:
		return "open"
	case StateBreakerHalfOpen:
		return "half-open"
	case StateBreakerDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// IsCircuitBreakerFailure reports outcomes that count against the upstream.
// Ordinary 4xx answers are the caller's fault and do not.
func IsCircuitBreakerFailure(statusCode int, err error) bool {
	if err != nil {
		return true
	}

	switch statusCode {
	case fasthttp.StatusTooManyRequests, fasthttp.StatusRequestTimeout,
		fasthttp.StatusBadGateway, fasthttp.StatusServiceUnavailable, fasthttp.StatusGatewayTimeout:
		return true
	default:
		return statusCode >= 500
	}
}

func IsRetryableError(statusCode int, err error) bool {
	if err != nil {
		return isNetworkError(err)
	}

	switch statusCode {
	case fasthttp.StatusTooManyRequests, fasthttp.StatusRequestTimeout,
		fasthttp.StatusBadGateway, fasthttp.StatusServiceUnavailable, fasthttp.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func IsSuccessfulResponse(statusCode int, err error) bool {
	return err == nil && statusCode >= 200 && statusCode < 300
}

func isNetworkError(err error) bool {
	if errors.Is(err, fasthttp.ErrTimeout) ||
		errors.Is(err, fasthttp.ErrDialTimeout) ||
		errors.Is(err, fasthttp.ErrConnectionClosed) ||
		errors.Is(err, fasthttp.ErrNoFreeConns) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
