package client

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-anime-cache/types"
)

type ManagerState int32

const (
	ManagerStateStopped ManagerState = iota
	ManagerStateStarting
	ManagerStateRunning
	ManagerStateStopping
)

var requestDurationBuckets = []float64{0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Dependencies are optional overrides for the clients a Manager builds.
type Dependencies struct {
	Dial  fasthttp.DialFunc
	Clock types.Clock
}

// Manager owns one HTTPClient per configured upstream.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	clients         map[string]*HTTPClient
	mu              sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewManager(ctx context.Context, logger types.Logger, upstreams map[string]*types.UpstreamConfig, metrics types.MetricsManager, deps Dependencies) *Manager {
	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		metrics:         metrics,
		clients:         make(map[string]*HTTPClient, len(upstreams)),
		shutdownTimeout: 10 * time.Second,
	}

	for name, upstream := range upstreams {
		if upstream == nil {
			continue
		}
		m.clients[name] = NewHTTPClient(managerCtx, logger, name, upstream, deps.Dial, deps.Clock)
	}

	m.state.Store(ManagerStateStopped)

	return m
}

func (m *Manager) Start() error {
	if !m.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	m.setState(ManagerStateRunning)

	m.logger.Info("Client manager started", zap.Strings("upstreams", m.upstreams()))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(ManagerStateRunning, ManagerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		m.setState(ManagerStateStopped)
		m.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	m.mu.RLock()
	clients := make([]*HTTPClient, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.RUnlock()

	for _, client := range clients {
		c := client
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				c.Close()
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		m.logger.Warn("Client manager stop timeout, some clients may not have stopped gracefully", zap.Error(err))
	} else {
		m.logger.Info("Client manager stopped gracefully", zap.Int("clients_closed", len(clients)))
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == ManagerStateRunning
}

// Client returns the caller for an upstream. Calls through it are metered.
func (m *Manager) Client(upstream string) (types.UpstreamCaller, error) {
	m.mu.RLock()
	client, exists := m.clients[upstream]
	m.mu.RUnlock()

	if !exists {
		return nil, types.Errorf(types.ErrClientNotFound, "upstream: %s", upstream)
	}

	return &meteredCaller{manager: m, client: client}, nil
}

func (m *Manager) BreakerStates() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]string, len(m.clients))
	for name, client := range m.clients {
		states[name] = client.BreakerState().String()
	}
	return states
}

func (m *Manager) upstreams() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.clients))
	for name := range m.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) getState() ManagerState {
	return m.state.Load().(ManagerState)
}

func (m *Manager) setState(newState ManagerState) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to ManagerState) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) recordMetrics(upstream, method string, statusCode int, err error, responseSize int, duration time.Duration) {
	if m.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	m.metrics.Counter("http_client_requests_total", map[string]string{
		"upstream": upstream,
		"method":   method,
		"status":   strconv.Itoa(statusCode),
		"result":   result,
	}).Inc()

	m.metrics.Histogram("http_client_request_duration_seconds", requestDurationBuckets, map[string]string{
		"upstream": upstream,
		"method":   method,
	}).Observe(duration.Seconds())

	if responseSize > 0 {
		m.metrics.Histogram("http_client_response_size_bytes",
			[]float64{100, 1000, 10000, 100000, 1000000},
			map[string]string{"upstream": upstream},
		).Observe(float64(responseSize))
	}

	m.updateCircuitBreakerMetrics(upstream)
}

func (m *Manager) updateCircuitBreakerMetrics(upstream string) {
	m.mu.RLock()
	client, ok := m.clients[upstream]
	m.mu.RUnlock()
	if !ok {
		return
	}

	current := client.BreakerState()
	for _, state := range []CircuitBreakerState{StateBreakerClosed, StateBreakerOpen, StateBreakerHalfOpen} {
		value := 0.0
		if state == current {
			value = 1
		}
		m.metrics.Gauge("http_client_circuit_breaker_status", map[string]string{
			"upstream": upstream,
			"state":    state.String(),
		}).Set(value)
	}
}

type meteredCaller struct {
	manager *Manager
	client  *HTTPClient
}

func (c *meteredCaller) Call(ctx context.Context, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	if !c.manager.IsRunning() {
		return nil, 0, types.Errorf(types.ErrClientNotRunning, "upstream: %s", c.client.name)
	}

	start := time.Now()
	body, statusCode, err := c.client.Call(ctx, method, path, data, opts)
	c.manager.recordMetrics(c.client.name, method, statusCode, err, len(body), time.Since(start))

	return body, statusCode, err
}
