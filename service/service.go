package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-anime-cache/config"
	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/sai"
	"github.com/saiset-co/sai-anime-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type component struct {
	name     string
	manager  types.LifecycleManager
	critical bool
}

type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	configManager   types.LifecycleManager
	loggerManager   types.LifecycleManager
	container       *sai.Container
	done            chan struct{}
	started         chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
	signals         bool
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	configManager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to register config manager")
	}

	loggerManager, err := logger.NewManager(ctx, configManager)
	if err != nil {
		return nil, types.WrapError(err, "failed to register logger")
	}

	s, err := New(ctx, configManager.GetConfig(), loggerManager, sai.Options{})
	if err != nil {
		return nil, err
	}

	s.configManager = configManager
	s.loggerManager = loggerManager
	s.signals = true

	return s, nil
}

// New builds a service from an already loaded configuration. It does not
// install signal handlers; the caller owns the process.
func New(ctx context.Context, cfg *types.ServiceConfig, log types.Logger, opts sai.Options) (*Service, error) {
	serviceCtx, cancel := context.WithCancel(ctx)

	container, err := sai.Build(serviceCtx, cfg, log, opts)
	if err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		logger:          log,
		container:       container,
		done:            make(chan struct{}),
		started:         make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	s.state.Store(StateStopped)

	return s, nil
}

// Start runs the service until its context is cancelled, Stop is called
// or a termination signal arrives.
func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		s.logger.Warn("Service is already running")
		return types.ErrServiceIsRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				s.logger.Error("Service run panic", zap.Stack(string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	s.logger.Info("Starting service", zap.String("name", s.container.Config.Name))

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.setState(StateStopped)
		if stopErr := s.stopComponents(); stopErr != nil {
			s.logger.Error("Error while rolling back startup", zap.Error(stopErr))
		}
		s.cancel()
		close(s.done)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	if s.signals {
		s.setupSignalHandling()
	}

	s.wg.Add(1)
	go s.contextMonitor()

	s.logger.Info("Service started successfully", zap.String("addr", s.container.HTTPServer.Addr()))
	close(s.started)

	<-s.done

	if err := s.stopComponents(); err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(StateStopped)

	s.logger.Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		s.logger.Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	s.logger.Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Started is closed once every component is running.
func (s *Service) Started() <-chan struct{} {
	return s.started
}

func (s *Service) Cancel() {
	s.cancel()
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) Container() *sai.Container {
	return s.container
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

// components lists everything with a lifecycle in start order.
func (s *Service) components() []component {
	c := s.container

	list := make([]component, 0, 9)
	if s.configManager != nil {
		list = append(list, component{name: "config manager", manager: s.configManager, critical: true})
	}
	if s.loggerManager != nil {
		list = append(list, component{name: "logger", manager: s.loggerManager, critical: true})
	}

	list = append(list,
		component{name: "metrics manager", manager: c.Metrics},
		component{name: "event publisher", manager: c.Events},
		component{name: "cache manager", manager: c.CacheCore, critical: true},
		component{name: "client manager", manager: c.Clients, critical: true},
	)
	if c.Cron != nil {
		list = append(list, component{name: "cron manager", manager: c.Cron})
	}
	if c.Certs != nil {
		list = append(list, component{name: "tls manager", manager: c.Certs, critical: true})
	}
	list = append(list, component{name: "http server", manager: c.HTTPServer, critical: true})

	return list
}

func (s *Service) startComponents(ctx context.Context) error {
	for _, item := range s.components() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := item.manager.Start(); err != nil {
			if item.critical {
				return types.WrapError(err, "failed to start "+item.name)
			}
			s.logger.Error("Failed to start "+item.name, zap.Error(err))
		}
	}

	return nil
}

// stopComponents stops the HTTP server first so no request reaches a
// stopped component, then the background workers together, then the
// cache and its store.
func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	c := s.container
	var errs []error

	s.logger.Info("Stopping service components...")

	if c.HTTPServer.IsRunning() {
		if err := c.HTTPServer.Stop(); err != nil {
			s.logger.Error("Failed to stop http server", zap.Error(err))
			errs = append(errs, err)
		}
	}

	c.Dedup.CancelAll()

	g, gCtx := errgroup.WithContext(ctx)

	workers := []component{
		{name: "client manager", manager: c.Clients},
		{name: "event publisher", manager: c.Events},
	}
	if c.Cron != nil {
		workers = append(workers, component{name: "cron manager", manager: c.Cron})
	}
	if c.Certs != nil {
		workers = append(workers, component{name: "tls manager", manager: c.Certs})
	}

	for _, item := range workers {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
			}

			if !item.manager.IsRunning() {
				return nil
			}
			if err := item.manager.Stop(); err != nil {
				s.logger.Error("Failed to stop "+item.name, zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if c.CacheCore.IsRunning() {
		if err := c.CacheCore.Stop(); err != nil {
			s.logger.Error("Failed to stop cache manager", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if err := c.Store.Close(); err != nil {
		s.logger.Error("Failed to close durable store", zap.String("store", c.Store.Name()), zap.Error(err))
		errs = append(errs, err)
	}

	tail := []component{{name: "metrics manager", manager: c.Metrics}}
	if s.configManager != nil {
		tail = append(tail, component{name: "config manager", manager: s.configManager})
	}
	for _, item := range tail {
		if !item.manager.IsRunning() {
			continue
		}
		if err := item.manager.Stop(); err != nil {
			s.logger.Error("Failed to stop "+item.name, zap.Error(err))
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		s.logger.Error("Service components stopped with errors", zap.Errors("errors", errs))
	} else {
		s.logger.Info("All service components stopped successfully")
	}

	if s.loggerManager != nil && s.loggerManager.IsRunning() {
		if err := s.loggerManager.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return types.Errorf(types.ErrServerStopFailed, "%d component(s) failed to stop", len(errs))
	}

	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}
		case <-s.ctx.Done():
		}
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}
