package middleware

import (
	"runtime"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type RecoveryConfig struct {
	StackTrace bool `json:"stack_trace"`
}

type RecoveryMiddleware struct {
	logger         types.Logger
	metrics        types.MetricsManager
	recoveryConfig *RecoveryConfig
	weight         int
}

func NewRecoveryMiddleware(logger types.Logger, item *types.MiddlewareItemConfig, metrics types.MetricsManager) *RecoveryMiddleware {
	recoveryConfig := &RecoveryConfig{StackTrace: true}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, recoveryConfig); err != nil {
			logger.Error("Failed to unmarshal Recovery middleware config", zap.Error(err))
		}
	}

	return &RecoveryMiddleware{
		logger:         logger,
		metrics:        metrics,
		recoveryConfig: recoveryConfig,
		weight:         item.Weight,
	}
}

func (r *RecoveryMiddleware) Name() string { return "recovery" }
func (r *RecoveryMiddleware) Weight() int  { return r.weight }

func (r *RecoveryMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler, _ *RouteConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			fields := []zap.Field{
				zap.Any("panic", rec),
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.String("remote_addr", ctx.RemoteIP().String()),
			}
			if requestID := ctx.Request.Header.Peek(RequestIDHeader); len(requestID) > 0 {
				fields = append(fields, zap.ByteString("request_id", requestID))
			}
			if r.recoveryConfig.StackTrace {
				fields = append(fields, zap.String("stack", stackTrace()))
			}

			r.logger.Error("Recovered from panic", fields...)

			if r.metrics != nil {
				r.metrics.Counter("http_panics_total", map[string]string{"path": string(ctx.Path())}).Inc()
			}

			ctx.Response.Reset()
			utils.CreateErrorResponse(ctx)
		}
	}()

	next(ctx)
}

func stackTrace() string {
	buf := make([]byte, 8192)
	for {
		n := runtime.Stack(buf, false)
		if n < len(buf) || len(buf) >= 64*1024 {
			return string(buf[:n])
		}
		buf = make([]byte, len(buf)*2)
	}
}
