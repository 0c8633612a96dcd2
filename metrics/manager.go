package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

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

// Backend is a metrics implementation that can also serve its own scrape
// endpoint.
type Backend interface {
	types.MetricsManager
	Handler() http.Handler
}

// Manager fronts the configured backend. While it is stopped, or when
// metrics are disabled, every instrument it hands out is a no-op.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	backend         Backend
	state           atomic.Value
	shutdownTimeout time.Duration
}

func NewManager(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (*Manager, error) {
	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:             managerCtx,
		cancel:          cancel,
		logger:          logger,
		shutdownTimeout: 10 * time.Second,
	}

	m.state.Store(ManagerStateStopped)

	if config == nil || !config.Enabled {
		logger.Info("Metrics disabled")
		return m, nil
	}

	if err := m.initializeBackend(config); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to initialize metrics manager")
	}

	return m, nil
}

func (m *Manager) initializeBackend(config *types.MetricsConfig) error {
	switch config.Type {
	case "prometheus":
		backend, err := NewPrometheusMetrics(m.ctx, m.logger, config)
		if err != nil {
			return err
		}
		m.backend = backend
	case "memory":
		m.backend = NewMemoryMetrics(m.ctx, m.logger)
	default:
		return types.Errorf(types.ErrMetricsTypeUnknown, "type: %s", config.Type)
	}

	m.logger.Info("Metrics manager initialized", zap.String("type", config.Type))
	return nil
}

func (m *Manager) Start() error {
	if !m.transitionState(ManagerStateStopped, ManagerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	if m.backend != nil {
		if err := m.backend.Start(); err != nil {
			m.setState(ManagerStateStopped)
			return types.WrapError(err, "failed to start metrics manager")
		}
	}

	m.setState(ManagerStateRunning)
	m.logger.Info("Metrics manager started", zap.Bool("enabled", m.Enabled()))
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

	if m.backend != nil {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return m.backend.Stop()
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			m.logger.Warn("Metrics manager stop timeout")
		default:
			m.logger.Error("Error during metrics manager shutdown", zap.Error(err))
		}
	} else {
		m.logger.Info("Metrics manager stopped gracefully")
	}

	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == ManagerStateRunning
}

func (m *Manager) Enabled() bool {
	return m.backend != nil
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

func (m *Manager) Counter(name string, labels map[string]string) types.Counter {
	if m.backend != nil && m.IsRunning() {
		return m.backend.Counter(name, labels)
	}
	return &emptyCounter{}
}

func (m *Manager) Gauge(name string, labels map[string]string) types.Gauge {
	if m.backend != nil && m.IsRunning() {
		return m.backend.Gauge(name, labels)
	}
	return &emptyGauge{}
}

func (m *Manager) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	if m.backend != nil && m.IsRunning() {
		return m.backend.Histogram(name, buckets, labels)
	}
	return &emptyHistogram{}
}

// Handler returns the scrape handler of the backend, or nil when metrics
// are disabled.
func (m *Manager) Handler() http.Handler {
	if m.backend == nil {
		return nil
	}
	return m.backend.Handler()
}

type emptyCounter struct{}

func (c *emptyCounter) Inc()          {}
func (c *emptyCounter) Add(_ float64) {}
func (c *emptyCounter) Get() float64  { return 0 }

type emptyGauge struct{}

func (g *emptyGauge) Set(_ float64) {}
func (g *emptyGauge) Inc()          {}
func (g *emptyGauge) Dec()          {}
func (g *emptyGauge) Add(_ float64) {}
func (g *emptyGauge) Sub(_ float64) {}
func (g *emptyGauge) Get() float64  { return 0 }

type emptyHistogram struct{}

func (h *emptyHistogram) Observe(_ float64)           {}
func (h *emptyHistogram) ObserveDuration(_ time.Time) {}
func (h *emptyHistogram) GetCount() uint64            { return 0 }
func (h *emptyHistogram) GetSum() float64             { return 0 }
