package middleware

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

const RequestIDHeader = "X-Request-ID"

type LoggingConfig struct {
	LogLevel   string `json:"log_level"`
	LogHeaders bool   `json:"log_headers"`
}

// LoggingMiddleware assigns a request id when the caller sent none, echoes
// it on the response and logs the completed request.
type LoggingMiddleware struct {
	logger        types.Logger
	metrics       types.MetricsManager
	loggingConfig *LoggingConfig
	weight        int
}

var sensitiveHeaders = map[string]bool{
	"authorization":    true,
	"x-operator-token": true,
	"cookie":           true,
	"set-cookie":       true,
}

func NewLoggingMiddleware(logger types.Logger, item *types.MiddlewareItemConfig, metrics types.MetricsManager) *LoggingMiddleware {
	loggingConfig := &LoggingConfig{LogLevel: "info"}

	if params := paramsOf(item); params != nil {
		if err := utils.UnmarshalConfig(params, loggingConfig); err != nil {
			logger.Error("Failed to unmarshal Logging middleware config", zap.Error(err))
		}
	}

	return &LoggingMiddleware{
		logger:        logger,
		metrics:       metrics,
		loggingConfig: loggingConfig,
		weight:        item.Weight,
	}
}

func (l *LoggingMiddleware) Name() string { return "logging" }
func (l *LoggingMiddleware) Weight() int  { return l.weight }

func (l *LoggingMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler, _ *RouteConfig) {
	start := time.Now()

	requestID := string(ctx.Request.Header.Peek(RequestIDHeader))
	if requestID == "" {
		requestID = uuid.NewString()
		ctx.Request.Header.Set(RequestIDHeader, requestID)
	}
	ctx.SetUserValue("request_id", requestID)

	next(ctx)

	ctx.Response.Header.Set(RequestIDHeader, requestID)

	duration := time.Since(start)
	status := ctx.Response.StatusCode()

	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.ByteString("method", ctx.Method()),
		zap.ByteString("path", ctx.Path()),
		zap.Int("status", status),
		zap.Duration("duration", duration),
		zap.String("remote_addr", remoteAddr(ctx)),
	}
	if query := ctx.QueryArgs().QueryString(); len(query) > 0 {
		fields = append(fields, zap.ByteString("query", query))
	}
	if l.loggingConfig.LogHeaders {
		fields = append(fields, zap.Any("headers", sanitizeHeaders(ctx)))
	}

	switch {
	case status >= 500:
		l.logger.Error("Request completed", fields...)
	case status >= 400:
		l.logger.Warn("Request completed", fields...)
	default:
		l.logWithLevel("Request completed", fields...)
	}

	if l.metrics != nil {
		l.metrics.Histogram("http_server_request_duration_seconds",
			[]float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			map[string]string{"method": string(ctx.Method()), "status": statusClass(status)},
		).Observe(duration.Seconds())
	}
}

func (l *LoggingMiddleware) logWithLevel(msg string, fields ...zap.Field) {
	switch l.loggingConfig.LogLevel {
	case "debug":
		l.logger.Debug(msg, fields...)
	case "warn":
		l.logger.Warn(msg, fields...)
	case "error":
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
}

func sanitizeHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	headers := make(map[string]string)
	ctx.Request.Header.VisitAll(func(key, value []byte) {
		name := string(key)
		if sensitiveHeaders[strings.ToLower(name)] {
			headers[name] = "[REDACTED]"
			return
		}
		headers[name] = string(value)
	})
	return headers
}

func remoteAddr(ctx *fasthttp.RequestCtx) string {
	if forwarded := string(ctx.Request.Header.Peek("X-Forwarded-For")); forwarded != "" {
		if comma := strings.Index(forwarded, ","); comma > 0 {
			return strings.TrimSpace(forwarded[:comma])
		}
		return forwarded
	}
	if realIP := string(ctx.Request.Header.Peek("X-Real-IP")); realIP != "" {
		return realIP
	}
	return ctx.RemoteIP().String()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
