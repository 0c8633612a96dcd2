package server

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/anime"
	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const DefaultRequestTimeout = 30 * time.Second

type StatsResponse struct {
	Cache      types.CacheStats       `json:"cache"`
	HitRate    float64                `json:"hit_rate"`
	Dedup      types.DedupStats       `json:"dedup"`
	Schedulers []types.SchedulerStats `json:"schedulers"`
	Breakers   map[string]string      `json:"breakers"`
	Jobs       []types.JobEntry       `json:"jobs,omitempty"`
}

type RemovedResponse struct {
	Removed int    `json:"removed"`
	Pattern string `json:"pattern,omitempty"`
}

type ClearedResponse struct {
	Cleared       bool  `json:"cleared"`
	LastClearTime int64 `json:"last_clear_time"`
}

func (s *FastHTTPServer) registerRoutes() {
	r := s.router

	r.GET("/health", s.handleHealth)
	r.GET("/version", s.handleVersion)
	r.GET("/openapi.json", s.handleOpenAPI)
	if s.deps.Metrics != nil {
		r.GET("/metrics", s.deps.Metrics)
	}

	r.GET("/api/v1/stats", s.handleStats)
	r.Operator(fasthttp.MethodPost, "/api/v1/cache/clear-expired", s.handleClearExpired)
	r.Operator(fasthttp.MethodPost, "/api/v1/cache/clear", s.handleClear)
	r.Operator(fasthttp.MethodPost, "/api/v1/cache/invalidate", s.handleInvalidate)

	r.GET("/api/v1/anime/seasonal", s.handleSeasonal)
	r.GET("/api/v1/anime/search", s.handleSearch)
	r.GET("/api/v1/anime/top", s.handleTop)
	r.GET("/api/v1/anime/trending", s.handleTrending)
	r.GET("/api/v1/anime/random", s.handleRandom)
	r.GET("/api/v1/anime/{id}", s.handleAnime)

	r.GET("/api/v1/schedule/week", s.handleScheduleWeek)
	r.GET("/api/v1/schedule/day/{weekday}", s.handleScheduleDay)
}

func (s *FastHTTPServer) handleHealth(ctx *fasthttp.RequestCtx) {
	if s.deps.Health == nil {
		utils.WriteJSON(ctx, fasthttp.StatusOK, map[string]string{"status": string(types.StatusHealthy)})
		return
	}

	report := s.deps.Health.Check(ctx)

	status := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		status = fasthttp.StatusServiceUnavailable
	}
	utils.WriteJSON(ctx, status, report)
}

func (s *FastHTTPServer) handleVersion(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, s.deps.Build)
}

func (s *FastHTTPServer) handleStats(ctx *fasthttp.RequestCtx) {
	resp := StatsResponse{
		Cache:   s.deps.Cache.GetStats(),
		HitRate: s.deps.Cache.GetHitRate(),
	}
	if s.deps.Dedup != nil {
		resp.Dedup = s.deps.Dedup.GetStats()
	}
	if s.deps.Schedulers != nil {
		resp.Schedulers = s.deps.Schedulers.Stats()
	}
	if s.deps.Clients != nil {
		resp.Breakers = s.deps.Clients.BreakerStates()
	}
	if s.deps.Cron != nil {
		resp.Jobs = s.deps.Cron.Jobs()
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, resp)
}

func (s *FastHTTPServer) handleClearExpired(ctx *fasthttp.RequestCtx) {
	removed := s.deps.Cache.ClearExpired(ctx)
	utils.WriteJSON(ctx, fasthttp.StatusOK, RemovedResponse{Removed: removed})
}

func (s *FastHTTPServer) handleClear(ctx *fasthttp.RequestCtx) {
	s.deps.Cache.ClearAll(ctx)
	utils.WriteJSON(ctx, fasthttp.StatusOK, ClearedResponse{
		Cleared:       true,
		LastClearTime: s.deps.Cache.GetStats().LastClearTime,
	})
}

func (s *FastHTTPServer) handleInvalidate(ctx *fasthttp.RequestCtx) {
	pattern := string(ctx.QueryArgs().Peek("pattern"))

	removed, err := s.deps.Cache.Invalidate(ctx, pattern)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, RemovedResponse{Removed: removed, Pattern: pattern})
}

func (s *FastHTTPServer) handleSeasonal(ctx *fasthttp.RequestCtx) {
	source := s.source(ctx)
	catalog, ok := s.deps.Seasonal[source]
	if !ok {
		s.writeError(ctx, types.Errorf(types.ErrNotSupported, "seasonal listings from %q", source))
		return
	}

	season, year := anime.CurrentSeason(s.now())
	if q := string(ctx.QueryArgs().Peek("season")); q != "" {
		season = q
	}
	year, err := intArg(ctx, "year", year)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	page, err := intArg(ctx, "page", 1)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	s.respond(ctx, func(c context.Context) (interface{}, error) {
		return catalog.GetSeasonal(c, season, year, page)
	})
}

func (s *FastHTTPServer) handleSearch(ctx *fasthttp.RequestCtx) {
	catalog, err := s.catalog(ctx)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	page, err := intArg(ctx, "page", 1)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	query := string(ctx.QueryArgs().Peek("q"))

	s.respond(ctx, func(c context.Context) (interface{}, error) {
		return catalog.Search(c, query, page)
	})
}

func (s *FastHTTPServer) handleTop(ctx *fasthttp.RequestCtx) {
	if s.deps.Top == nil {
		s.writeError(ctx, types.Errorf(types.ErrNotSupported, "top listings"))
		return
	}
	page, err := intArg(ctx, "page", 1)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	filter := string(ctx.QueryArgs().Peek("filter"))

	s.respond(ctx, func(c context.Context) (interface{}, error) {
		return s.deps.Top.GetTop(c, filter, page)
	})
}

func (s *FastHTTPServer) handleTrending(ctx *fasthttp.RequestCtx) {
	if s.deps.Trending == nil {
		s.writeError(ctx, types.Errorf(types.ErrNotSupported, "trending listings"))
		return
	}

	s.respond(ctx, func(c context.Context) (interface{}, error) {
		return s.deps.Trending.GetTrending(c)
	})
}

func (s *FastHTTPServer) handleRandom(ctx *fasthttp.RequestCtx) {
	catalog, err := s.catalog(ctx)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	s.respond(ctx, func(c context.Context) (interface{}, error) {
		return catalog.GetRandom(c)
	})
}

func (s *FastHTTPServer) handleAnime(ctx *fasthttp.RequestCtx) {
	catalog, err := s.catalog(ctx)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	id, err := strconv.Atoi(pathParam(ctx, "id"))
	if err != nil {
		s.writeError(ctx, types.Errorf(types.ErrInvalidParameter, "id %q", pathParam(ctx, "id")))
		return
	}

	s.respond(ctx, func(c context.Context) (interface{}, error) {
		return catalog.GetAnime(c, id)
	})
}

func (s *FastHTTPServer) handleScheduleWeek(ctx *fasthttp.RequestCtx) {
	if s.deps.Schedule == nil {
		s.writeError(ctx, types.Errorf(types.ErrNotSupported, "schedule"))
		return
	}

	year, week := s.now().ISOWeek()
	year, err := intArg(ctx, "year", year)
	if err != nil {
		s.writeError(ctx, err)
		return
	}
	week, err = intArg(ctx, "week", week)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	s.respond(ctx, func(c context.Context) (interface{}, error) {
		return s.deps.Schedule.GetWeek(c, year, week)
	})
}

func (s *FastHTTPServer) handleScheduleDay(ctx *fasthttp.RequestCtx) {
	if s.deps.Schedule == nil {
		s.writeError(ctx, types.Errorf(types.ErrNotSupported, "schedule"))
		return
	}

	weekday := pathParam(ctx, "weekday")
	s.respond(ctx, func(c context.Context) (interface{}, error) {
		return s.deps.Schedule.GetDay(c, weekday)
	})
}

func (s *FastHTTPServer) source(ctx *fasthttp.RequestCtx) string {
	if source := string(ctx.QueryArgs().Peek("source")); source != "" {
		return source
	}
	return types.UpstreamJikan
}

func (s *FastHTTPServer) catalog(ctx *fasthttp.RequestCtx) (types.CatalogService, error) {
	source := s.source(ctx)
	catalog, ok := s.deps.Catalogs[source]
	if !ok {
		return nil, types.Errorf(types.ErrInvalidParameter, "unknown source %q", source)
	}
	return catalog, nil
}

// respond runs a catalog read under the request timeout. The fasthttp
// context is not used as the read context since it is recycled after the
// handler returns.
func (s *FastHTTPServer) respond(ctx *fasthttp.RequestCtx, read func(context.Context) (interface{}, error)) {
	c, cancel := context.WithTimeout(s.ctx, s.requestTimeout)
	defer cancel()

	result, err := read(c)
	if err != nil {
		s.writeError(ctx, err)
		return
	}

	utils.WriteJSON(ctx, fasthttp.StatusOK, result)
}

func (s *FastHTTPServer) writeError(ctx *fasthttp.RequestCtx, err error) {
	status := statusOf(err)
	if status >= fasthttp.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.ByteString("path", ctx.Path()),
			zap.Int("status", status),
			zap.Error(err))
	}
	utils.WriteError(ctx, status, err.Error())
}

func statusOf(err error) int {
	var upstreamErr *types.UpstreamError
	switch {
	case types.IsError(err, types.ErrInvalidParameter),
		types.IsError(err, types.ErrCacheKeyEmpty),
		types.IsError(err, types.ErrCachePatternInvalid),
		types.IsError(err, types.ErrNotSupported):
		return fasthttp.StatusBadRequest
	case errors.As(err, &upstreamErr):
		if upstreamErr.StatusCode == fasthttp.StatusNotFound {
			return fasthttp.StatusNotFound
		}
		if upstreamErr.StatusCode == fasthttp.StatusTooManyRequests {
			return fasthttp.StatusTooManyRequests
		}
		return fasthttp.StatusBadGateway
	case types.IsError(err, types.ErrCircuitBreakerOpen):
		return fasthttp.StatusServiceUnavailable
	case types.IsError(err, types.ErrRequestTimeout),
		types.IsError(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout
	case types.IsError(err, types.ErrUpstreamPayload),
		types.IsError(err, types.ErrClientRequestFailed):
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

func intArg(ctx *fasthttp.RequestCtx, name string, fallback int) (int, error) {
	raw := ctx.QueryArgs().Peek(name)
	if len(raw) == 0 {
		return fallback, nil
	}

	value, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, types.Errorf(types.ErrInvalidParameter, "%s %q", name, raw)
	}
	return value, nil
}
