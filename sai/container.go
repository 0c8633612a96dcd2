package sai

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/action"
	"github.com/saiset-co/sai-anime-cache/anime"
	"github.com/saiset-co/sai-anime-cache/cache"
	"github.com/saiset-co/sai-anime-cache/client"
	"github.com/saiset-co/sai-anime-cache/cron"
	"github.com/saiset-co/sai-anime-cache/dedup"
	"github.com/saiset-co/sai-anime-cache/health"
	"github.com/saiset-co/sai-anime-cache/metrics"
	"github.com/saiset-co/sai-anime-cache/middleware"
	"github.com/saiset-co/sai-anime-cache/scheduler"
	"github.com/saiset-co/sai-anime-cache/server"
	"github.com/saiset-co/sai-anime-cache/storage"
	certs "github.com/saiset-co/sai-anime-cache/tls"
	"github.com/saiset-co/sai-anime-cache/types"
)

const (
	JanitorJobName     = "cache.clear_expired"
	HealthJobName      = "health.check"
	DefaultJanitorSpec = "@every 10m"
	DefaultHealthSpec  = "@every 1m"
	janitorJobDeadline = time.Minute
)

// Options override how a Container reaches the outside world.
type Options struct {
	Dial  fasthttp.DialFunc
	Clock types.Clock
}

// Container is the component graph of one service instance. Every
// component is built once by Build and handed its collaborators
// explicitly.
type Container struct {
	Config      *types.ServiceConfig
	Logger      types.Logger
	Metrics     *metrics.Manager
	Store       types.DurableStore
	Events      action.Publisher
	CacheCore   *cache.Manager
	Cache       types.CacheManager
	Dedup       *dedup.Deduplicator
	Schedulers  *scheduler.Registry
	Clients     *client.Manager
	Jikan       *anime.JikanService
	Kitsu       *anime.KitsuService
	AniList     *anime.AniListService
	Timetable   *anime.TimetableService
	Cron        *cron.Manager
	Health      *health.Manager
	Middlewares *middleware.Manager
	Certs       *certs.CertManager
	HTTPServer  *server.FastHTTPServer
}

func Build(ctx context.Context, config *types.ServiceConfig, logger types.Logger, opts Options) (*Container, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	c := &Container{Config: config, Logger: logger}

	metricsManager, err := metrics.NewManager(ctx, logger, config.Metrics)
	if err != nil {
		return nil, types.WrapError(err, "failed to register metrics manager")
	}
	c.Metrics = metricsManager

	c.Store = storage.NewDurableStore(ctx, logger, config.Storage)

	events, err := action.NewPublisher(ctx, logger, config.Actions, metricsManager)
	if err != nil {
		_ = c.Store.Close()
		return nil, types.WrapError(err, "failed to register event publisher")
	}
	c.Events = events

	c.CacheCore = cache.NewManager(ctx, logger, config.Cache, cache.Dependencies{
		Store:  c.Store,
		Events: events,
		Clock:  opts.Clock,
	})
	c.Cache = c.CacheCore
	if metricsManager.Enabled() && config.Cache != nil && config.Cache.Metrics {
		c.Cache = cache.NewInstrumentedManager(c.CacheCore, metricsManager)
	}

	c.Dedup = dedup.NewDeduplicator(logger, config.Dedup, opts.Clock)
	c.Schedulers = scheduler.NewRegistry(logger, config.Upstreams, opts.Clock)
	c.Clients = client.NewManager(ctx, logger, config.Upstreams, metricsManager, client.Dependencies{
		Dial:  opts.Dial,
		Clock: opts.Clock,
	})

	if err := c.buildServices(); err != nil {
		_ = c.Store.Close()
		return nil, err
	}

	if config.Cron != nil && config.Cron.Enabled {
		c.Cron = cron.NewManager(ctx, logger, config.Cron, metricsManager)
	}

	if config.Health != nil && config.Health.Enabled {
		c.Health = health.NewManager(logger, types.ServiceInfo{
			Name:    config.Name,
			Version: config.Version,
		})
		c.Health.RegisterChecker("store", health.StoreChecker(c.Store))
		c.Health.RegisterChecker("cache", health.CacheChecker(c.Cache))
		c.Health.RegisterChecker("upstreams", health.BreakerChecker(c.Clients))
	}

	if config.Server != nil && config.Server.TLS != nil && config.Server.TLS.Enabled {
		c.Certs, err = certs.NewCertManager(ctx, logger, config.Server.TLS)
		if err != nil {
			_ = c.Store.Close()
			return nil, types.WrapError(err, "failed to register TLS manager")
		}
		if c.Health != nil {
			c.Health.RegisterChecker("tls", c.Certs.HealthCheck)
		}
	}

	if err := c.registerJobs(); err != nil {
		_ = c.Store.Close()
		return nil, err
	}

	middlewares, err := middleware.NewManager(logger, config.Middlewares, metricsManager)
	if err != nil {
		_ = c.Store.Close()
		return nil, types.WrapError(err, "failed to register middleware manager")
	}
	c.Middlewares = middlewares

	httpServer, err := server.NewHTTPServer(ctx, logger, httpConfig(config), middlewares, c.serverDependencies(opts.Clock))
	if err != nil {
		_ = c.Store.Close()
		return nil, types.WrapError(err, "failed to register HTTP server")
	}
	c.HTTPServer = httpServer

	return c, nil
}

func (c *Container) buildServices() error {
	loader := func(upstream string) (*anime.Loader, types.UpstreamCaller, error) {
		s, err := c.Schedulers.Get(upstream)
		if err != nil {
			return nil, nil, types.WrapError(err, "failed to register "+upstream+" service")
		}
		caller, err := c.Clients.Client(upstream)
		if err != nil {
			return nil, nil, types.WrapError(err, "failed to register "+upstream+" service")
		}
		return anime.NewLoader(c.Logger, c.Cache, c.Dedup, s), caller, nil
	}

	for _, upstream := range []string{types.UpstreamJikan, types.UpstreamKitsu, types.UpstreamAniList, types.UpstreamSchedule} {
		if c.Config.Upstreams[upstream] == nil {
			c.Logger.Info("Upstream not configured, its routes are disabled", zap.String("upstream", upstream))
			continue
		}

		l, caller, err := loader(upstream)
		if err != nil {
			return err
		}

		switch upstream {
		case types.UpstreamJikan:
			c.Jikan = anime.NewJikanService(l, caller)
		case types.UpstreamKitsu:
			c.Kitsu = anime.NewKitsuService(l, caller)
		case types.UpstreamAniList:
			c.AniList = anime.NewAniListService(l, caller)
		case types.UpstreamSchedule:
			c.Timetable = anime.NewTimetableService(l, caller)
		}
	}

	return nil
}

func (c *Container) registerJobs() error {
	if c.Cron == nil {
		c.Logger.Warn("Cron disabled, expired cache entries are only evicted on demand")
		return nil
	}

	spec := DefaultJanitorSpec
	if c.Config.Cache != nil && c.Config.Cache.JanitorSpec != "" {
		spec = c.Config.Cache.JanitorSpec
	}

	err := c.Cron.Add(JanitorJobName, spec, func(ctx context.Context) error {
		jobCtx, cancel := context.WithTimeout(ctx, janitorJobDeadline)
		defer cancel()

		removed := c.Cache.ClearExpired(jobCtx)
		c.Logger.Debug("Expired cache entries cleared", zap.Int("removed", removed))
		return nil
	})
	if err != nil {
		return types.WrapError(err, "failed to register cache janitor")
	}

	if c.Health == nil {
		return nil
	}

	err = c.Cron.Add(HealthJobName, DefaultHealthSpec, func(ctx context.Context) error {
		report := c.Health.Check(ctx)
		if report.Status == types.StatusUnhealthy {
			return types.Errorf(types.ErrHealthCheckFailed, "%d of %d checks unhealthy", report.Summary.Unhealthy, report.Summary.Total)
		}
		return nil
	})
	if err != nil {
		return types.WrapError(err, "failed to register health job")
	}

	return nil
}

func (c *Container) serverDependencies(clock types.Clock) server.Dependencies {
	deps := server.Dependencies{
		Name:       c.Config.Name,
		Cache:      c.Cache,
		Dedup:      c.Dedup,
		Schedulers: c.Schedulers,
		Clients:    c.Clients,
		Catalogs:   make(map[string]types.CatalogService),
		Seasonal:   make(map[string]types.SeasonalCatalog),
		Build:      health.GetBuildInfo(),
		Clock:      clock,
	}

	if c.Metrics.Enabled() {
		deps.Metrics = server.MetricsHandler(c.Metrics.Handler())
	}
	if c.Cron != nil {
		deps.Cron = c.Cron
	}
	if c.Health != nil {
		deps.Health = c.Health
	}
	if c.Certs != nil {
		deps.TLS = c.Certs.Config()
	}

	if c.Jikan != nil {
		deps.Catalogs[types.UpstreamJikan] = c.Jikan
		deps.Seasonal[types.UpstreamJikan] = c.Jikan
		deps.Top = c.Jikan
	}
	if c.Kitsu != nil {
		deps.Catalogs[types.UpstreamKitsu] = c.Kitsu
		deps.Trending = c.Kitsu
	}
	if c.AniList != nil {
		deps.Catalogs[types.UpstreamAniList] = c.AniList
		deps.Seasonal[types.UpstreamAniList] = c.AniList
	}
	if c.Timetable != nil {
		deps.Schedule = c.Timetable
	}

	return deps
}

func httpConfig(config *types.ServiceConfig) *types.HTTPConfig {
	if config.Server == nil {
		return nil
	}
	return config.Server.HTTP
}
