package server

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-anime-cache/middleware"
	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type route struct {
	method   string
	pattern  string
	segments []string
	handler  fasthttp.RequestHandler
}

// RouteInfo is one registered route.
type RouteInfo struct {
	Method   string
	Pattern  string
	Operator bool
}

// Router matches static paths exactly and falls back to {param} patterns
// in registration order. Path params are exposed as user values.
type Router struct {
	middlewares *middleware.Manager
	static      map[string]fasthttp.RequestHandler
	patterns    []*route
	known       map[string]struct{}
	routes      []RouteInfo
}

func NewRouter(middlewares *middleware.Manager) *Router {
	return &Router{
		middlewares: middlewares,
		static:      make(map[string]fasthttp.RequestHandler),
		known:       make(map[string]struct{}),
	}
}

func (r *Router) Handle(method, pattern string, handler fasthttp.RequestHandler, config *middleware.RouteConfig) {
	if handler == nil {
		panic(types.Errorf(types.ErrHandlerIsNil, "%s %s", method, pattern))
	}

	wrapped := handler
	if r.middlewares != nil {
		wrapped = r.middlewares.Wrap(handler, config)
	}

	r.known[pattern] = struct{}{}
	r.routes = append(r.routes, RouteInfo{
		Method:   method,
		Pattern:  pattern,
		Operator: config != nil && config.Operator,
	})

	if !strings.Contains(pattern, "{") {
		r.static[method+" "+pattern] = wrapped
		return
	}

	r.patterns = append(r.patterns, &route{
		method:   method,
		pattern:  pattern,
		segments: strings.Split(strings.Trim(pattern, "/"), "/"),
		handler:  wrapped,
	})
}

func (r *Router) GET(pattern string, handler fasthttp.RequestHandler) {
	r.Handle(fasthttp.MethodGet, pattern, handler, nil)
}

func (r *Router) Operator(method, pattern string, handler fasthttp.RequestHandler) {
	r.Handle(method, pattern, handler, &middleware.RouteConfig{Operator: true})
}

// Routes lists the registered routes in registration order.
func (r *Router) Routes() []RouteInfo {
	return append([]RouteInfo(nil), r.routes...)
}

func (r *Router) Handler(ctx *fasthttp.RequestCtx) {
	method := utils.BytesToString(ctx.Method())
	path := string(ctx.Path())
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	if handler, ok := r.static[method+" "+path]; ok {
		handler(ctx)
		return
	}

	segments := strings.Split(strings.Trim(path, "/"), "/")
	pathMatched := false

	for _, rt := range r.patterns {
		params, ok := match(rt.segments, segments)
		if !ok {
			continue
		}
		if rt.method != method {
			pathMatched = true
			continue
		}
		for name, value := range params {
			ctx.SetUserValue(name, value)
		}
		rt.handler(ctx)
		return
	}

	if pathMatched || r.staticPathExists(path) {
		utils.WriteError(ctx, fasthttp.StatusMethodNotAllowed, "method not allowed")
		return
	}

	utils.WriteError(ctx, fasthttp.StatusNotFound, types.ErrRouteNotFound.Error())
}

func (r *Router) staticPathExists(path string) bool {
	_, ok := r.known[path]
	return ok
}

func match(pattern, segments []string) (map[string]string, bool) {
	if len(pattern) != len(segments) {
		return nil, false
	}

	var params map[string]string
	for i, part := range pattern {
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			if segments[i] == "" {
				return nil, false
			}
			if params == nil {
				params = make(map[string]string, 1)
			}
			params[part[1:len(part)-1]] = segments[i]
			continue
		}
		if part != segments[i] {
			return nil, false
		}
	}

	return params, true
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	value, _ := ctx.UserValue(name).(string)
	return value
}
