package middleware

import (
	"sort"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
)

// RouteConfig carries per-route middleware switches.
type RouteConfig struct {
	// Operator routes mutate the cache and require the operator token.
	Operator bool
}

type Middleware interface {
	Name() string
	Weight() int
	Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler, route *RouteConfig)
}

// Manager orders the enabled middlewares by weight, lowest outermost.
type Manager struct {
	logger      types.Logger
	middlewares []Middleware
}

func NewManager(logger types.Logger, config *types.MiddlewaresConfig, metrics types.MetricsManager) (*Manager, error) {
	m := &Manager{logger: logger}

	if config == nil {
		return m, nil
	}

	if enabled(config.Recovery) {
		m.Register(NewRecoveryMiddleware(logger, config.Recovery, metrics))
	}
	if enabled(config.Logging) {
		m.Register(NewLoggingMiddleware(logger, config.Logging, metrics))
	}
	if enabled(config.Auth) {
		authMw, err := NewAuthMiddleware(logger, config.Auth, metrics)
		if err != nil {
			return nil, err
		}
		m.Register(authMw)
	}
	if enabled(config.Compression) {
		compressionMw, err := NewCompressionMiddleware(logger, config.Compression, metrics)
		if err != nil {
			return nil, err
		}
		m.Register(compressionMw)
	}

	return m, nil
}

func enabled(item *types.MiddlewareItemConfig) bool {
	return item != nil && item.Enabled
}

func (m *Manager) Register(mw Middleware) {
	m.middlewares = append(m.middlewares, mw)
	sort.SliceStable(m.middlewares, func(i, j int) bool {
		return m.middlewares[i].Weight() < m.middlewares[j].Weight()
	})

	m.logger.Info("Middleware registered",
		zap.String("name", mw.Name()),
		zap.Int("weight", mw.Weight()))
}

func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.middlewares))
	for _, mw := range m.middlewares {
		names = append(names, mw.Name())
	}
	return names
}

// Wrap builds the chain around handler once, at route registration.
func (m *Manager) Wrap(handler fasthttp.RequestHandler, route *RouteConfig) fasthttp.RequestHandler {
	if route == nil {
		route = &RouteConfig{}
	}

	wrapped := handler
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		mw := m.middlewares[i]
		next := wrapped
		wrapped = func(ctx *fasthttp.RequestCtx) {
			mw.Handle(ctx, next, route)
		}
	}

	return wrapped
}

func paramsOf(item *types.MiddlewareItemConfig) map[string]interface{} {
	if item == nil {
		return nil
	}
	return item.Params
}
