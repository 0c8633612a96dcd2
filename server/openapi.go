package server

import (
	"reflect"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/documentations"
	"github.com/saiset-co/sai-anime-cache/health"
	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const DefaultServiceName = "sai-anime-cache"

var (
	sourceParam = documentations.QueryParam{Name: "source", Description: "Upstream catalog: jikan, kitsu or anilist"}
	pageParam   = documentations.QueryParam{Name: "page", Description: "Page number, starting at 1"}
)

var routeDocs = map[string]documentations.RouteDoc{
	"GET /health":  {Summary: "Aggregated health report", Tag: "service", Response: reflect.TypeOf(types.HealthReport{})},
	"GET /version": {Summary: "Build information", Tag: "service", Response: reflect.TypeOf(health.BuildInfo{})},
	"GET /metrics": {Summary: "Prometheus metrics", Tag: "service"},

	"GET /api/v1/stats":                  {Summary: "Cache, deduplicator, scheduler and breaker statistics", Tag: "cache", Response: reflect.TypeOf(StatsResponse{})},
	"POST /api/v1/cache/clear-expired":   {Summary: "Evict expired entries", Tag: "cache", Response: reflect.TypeOf(RemovedResponse{})},
	"POST /api/v1/cache/clear":           {Summary: "Remove every entry", Tag: "cache", Response: reflect.TypeOf(ClearedResponse{})},
	"POST /api/v1/cache/invalidate":      {Summary: "Remove entries matching a glob pattern", Tag: "cache", Response: reflect.TypeOf(RemovedResponse{}), Query: []documentations.QueryParam{{Name: "pattern", Description: "Glob over cache keys, * matches any run of characters", Required: true}}},
	"GET /api/v1/anime/seasonal":         {Summary: "Seasonal listing", Tag: "anime", Response: reflect.TypeOf(types.AnimePage{}), Query: []documentations.QueryParam{sourceParam, {Name: "season", Description: "winter, spring, summer or fall"}, {Name: "year"}, pageParam}},
	"GET /api/v1/anime/search":           {Summary: "Search by title", Tag: "anime", Response: reflect.TypeOf(types.AnimePage{}), Query: []documentations.QueryParam{sourceParam, {Name: "q", Description: "Search text", Required: true}, pageParam}},
	"GET /api/v1/anime/top":              {Summary: "Top ranked listing", Tag: "anime", Response: reflect.TypeOf(types.AnimePage{}), Query: []documentations.QueryParam{{Name: "filter", Description: "airing, upcoming, bypopularity or favorite"}, pageParam}},
	"GET /api/v1/anime/trending":         {Summary: "Trending listing", Tag: "anime", Response: reflect.TypeOf(types.AnimePage{})},
	"GET /api/v1/anime/random":           {Summary: "Random title, never cached", Tag: "anime", Response: reflect.TypeOf(types.Anime{}), Query: []documentations.QueryParam{sourceParam}},
	"GET /api/v1/anime/{id}":             {Summary: "Title details", Tag: "anime", Response: reflect.TypeOf(types.Anime{}), Query: []documentations.QueryParam{sourceParam}},
	"GET /api/v1/schedule/week":          {Summary: "Airing timetable of one ISO week", Tag: "schedule", Response: reflect.TypeOf([]types.ScheduleEntry{}), Query: []documentations.QueryParam{{Name: "year"}, {Name: "week", Description: "ISO week, 1 to 53"}}},
	"GET /api/v1/schedule/day/{weekday}": {Summary: "Airing timetable of one weekday this week", Tag: "schedule", Response: reflect.TypeOf([]types.ScheduleEntry{})},
}

func (s *FastHTTPServer) documentRoutes() {
	for _, route := range s.router.Routes() {
		doc := routeDocs[route.Method+" "+route.Pattern]
		doc.Method = route.Method
		doc.Path = route.Pattern
		doc.Operator = route.Operator

		if err := s.docs.AddRoute(doc); err != nil {
			s.logger.Debug("Route left undocumented", zap.String("route", route.Method+" "+route.Pattern), zap.Error(err))
		}
	}
}

func (s *FastHTTPServer) handleOpenAPI(ctx *fasthttp.RequestCtx) {
	utils.WriteJSON(ctx, fasthttp.StatusOK, s.docs.Spec())
}
