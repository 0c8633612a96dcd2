package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/documentations"
	"github.com/saiset-co/sai-anime-cache/health"
	"github.com/saiset-co/sai-anime-cache/middleware"
	"github.com/saiset-co/sai-anime-cache/scheduler"
	"github.com/saiset-co/sai-anime-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type TopCatalog interface {
	GetTop(ctx context.Context, filter string, page int) (*types.AnimePage, error)
}

type TrendingCatalog interface {
	GetTrending(ctx context.Context) (*types.AnimePage, error)
}

type Dependencies struct {
	Name       string
	Cache      types.CacheManager
	Dedup      types.RequestDeduplicator
	Schedulers *scheduler.Registry
	Clients    types.ClientManager
	Cron       types.CronManager
	Health     types.HealthManager
	Catalogs   map[string]types.CatalogService
	Seasonal   map[string]types.SeasonalCatalog
	Top        TopCatalog
	Trending   TrendingCatalog
	Schedule   types.ScheduleService
	Metrics    fasthttp.RequestHandler
	TLS        *tls.Config
	Build      health.BuildInfo
	Clock      types.Clock
}

// MetricsHandler adapts a net/http metrics handler for the fasthttp router.
func MetricsHandler(h http.Handler) fasthttp.RequestHandler {
	if h == nil {
		return nil
	}
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

type FastHTTPServer struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	httpConfig      *types.HTTPConfig
	deps            Dependencies
	router          *Router
	docs            *documentations.Generator
	server          *fasthttp.Server
	listener        net.Listener
	state           atomic.Value
	shutdownTimeout time.Duration
	requestTimeout  time.Duration
}

func NewHTTPServer(ctx context.Context, logger types.Logger, config *types.HTTPConfig, middlewares *middleware.Manager, deps Dependencies) (*FastHTTPServer, error) {
	if config == nil {
		return nil, types.Errorf(types.ErrConfigIsNil, "http server")
	}
	if deps.Cache == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "http server needs a cache manager")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Name == "" {
		deps.Name = DefaultServiceName
	}

	serverCtx, cancel := context.WithCancel(ctx)

	s := &FastHTTPServer{
		ctx:             serverCtx,
		cancel:          cancel,
		logger:          logger,
		httpConfig:      config,
		deps:            deps,
		router:          NewRouter(middlewares),
		docs:            documentations.NewGenerator(logger, deps.Name, deps.Build.Version),
		shutdownTimeout: 5 * time.Second,
		requestTimeout:  DefaultRequestTimeout,
	}
	if config.ShutdownTimeout > 0 {
		s.shutdownTimeout = time.Duration(config.ShutdownTimeout) * time.Second
	}

	s.registerRoutes()
	s.documentRoutes()
	s.state.Store(StateStopped)

	return s, nil
}

func (s *FastHTTPServer) Handler() fasthttp.RequestHandler {
	return s.router.Handler
}

func (s *FastHTTPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf("%s:%d", s.httpConfig.Host, s.httpConfig.Port)
}

// Start binds the listener synchronously so an address conflict is returned
// to the caller, then serves in the background.
func (s *FastHTTPServer) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		s.setState(StateStopped)
		return types.Errorf(types.ErrServerStartFailed, "listen %s: %v", s.Addr(), err)
	}
	if s.deps.TLS != nil {
		listener = tls.NewListener(listener, s.deps.TLS)
	}

	return s.Serve(listener)
}

// Serve runs on an existing listener. Start calls it after binding.
func (s *FastHTTPServer) Serve(listener net.Listener) error {
	s.state.CompareAndSwap(StateStopped, StateStarting)
	if s.getState() != StateStarting {
		return types.ErrServerAlreadyRunning
	}

	s.listener = listener
	s.server = &fasthttp.Server{
		Handler:                      s.router.Handler,
		Name:                         "sai-anime-cache",
		ReadTimeout:                  time.Duration(s.httpConfig.ReadTimeout) * time.Second,
		WriteTimeout:                 time.Duration(s.httpConfig.WriteTimeout) * time.Second,
		IdleTimeout:                  time.Duration(s.httpConfig.IdleTimeout) * time.Second,
		TCPKeepalive:                 true,
		DisablePreParseMultipartForm: true,
		CloseOnShutdown:              true,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error("HTTP server failed", zap.Error(err))
			s.setState(StateStopped)
		}
	}()

	s.setState(StateRunning)
	s.logger.Info("HTTP server started", zap.String("address", listener.Addr().String()))

	return nil
}

func (s *FastHTTPServer) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(StateStopped)
		s.cancel()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := s.server.ShutdownWithContext(ctx); err != nil {
		s.logger.Warn("HTTP server shutdown timeout, closing connections", zap.Error(err))
		return types.Errorf(types.ErrServerStopFailed, "%v", err)
	}

	s.logger.Info("HTTP server stopped gracefully")
	return nil
}

func (s *FastHTTPServer) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *FastHTTPServer) now() time.Time {
	return s.deps.Clock()
}

func (s *FastHTTPServer) getState() State {
	return s.state.Load().(State)
}

func (s *FastHTTPServer) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *FastHTTPServer) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}
