package types

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrConfigNotFound       = errors.New("config not found")
	ErrConfigInvalidPath    = errors.New("config invalid path")
	ErrConfigParseFailed    = errors.New("config parse failed")
	ErrConfigIsNil          = errors.New("config is nil")
	ErrConfigLoadFailed     = errors.New("config load failed")
	ErrConfigValidateFailed = errors.New("config validate failed")
)

var (
	ErrServerNotRunning     = errors.New("server not running")
	ErrServerAlreadyRunning = errors.New("server already running")
	ErrServerStartFailed    = errors.New("server start failed")
	ErrServerStopFailed     = errors.New("server stop failed")
	ErrRouteNotFound        = errors.New("route not found")
	ErrHandlerIsNil         = errors.New("handler is nil")
)

var (
	ErrTLSConfigInvalid   = errors.New("tls config invalid")
	ErrCertificateInvalid = errors.New("certificate invalid")
)

var (
	ErrOperatorTokenInvalid = errors.New("operator token invalid")
	ErrBodyTooLarge         = errors.New("body too large")
)

var (
	ErrCacheKeyEmpty        = errors.New("cache key empty")
	ErrCacheTTLInvalid      = errors.New("cache ttl invalid")
	ErrCachePatternInvalid  = errors.New("cache pattern invalid")
	ErrCacheOperationFailed = errors.New("cache operation failed")
	ErrCacheDecodeFailed    = errors.New("cache decode failed")
)

var (
	ErrStoreUnavailable  = errors.New("durable store unavailable")
	ErrStoreTypeUnknown  = errors.New("durable store type unknown")
	ErrStoreEncodeFailed = errors.New("durable store encode failed")
	ErrStoreDecodeFailed = errors.New("durable store decode failed")
	ErrStoreClosed       = errors.New("durable store closed")
)

var (
	ErrRequestTimeout  = errors.New("request timeout")
	ErrRequestFnIsNil  = errors.New("request function is nil")
	ErrRequestKeyEmpty = errors.New("request key empty")
	ErrResultType      = errors.New("request result has unexpected type")
)

var (
	ErrSchedulerNotFound = errors.New("scheduler not found")
)

var (
	ErrActionNotInitialized = errors.New("action not initialized")
	ErrActionPublishFailed  = errors.New("action publish failed")
	ErrActionConfigInvalid  = errors.New("action config invalid")
	ErrActionTypeUnknown    = errors.New("action type unknown")
)

var (
	ErrCronJobNotFound       = errors.New("cron job not found")
	ErrCronIsRunning         = errors.New("cron is running")
	ErrCronJobExists         = errors.New("cron job exists")
	ErrCronExpressionInvalid = errors.New("cron expression invalid")
	ErrCronJobNameIsEmpty    = errors.New("cron job name is empty")
	ErrCronJobIsNil          = errors.New("cron job is nil")
)

var (
	ErrMetricsTypeUnknown = errors.New("metrics type unknown")
	ErrMetricsIsDisabled  = errors.New("metrics manager is disabled")
)

var (
	ErrClientNotFound        = errors.New("client not found")
	ErrClientNotRunning      = errors.New("client not running")
	ErrClientRequestFailed   = errors.New("client request failed")
	ErrClientResponseInvalid = errors.New("client response invalid")
	ErrClientTimeout         = errors.New("client timeout")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker open")
	ErrUpstreamStatus        = errors.New("upstream returned error status")
	ErrUpstreamPayload       = errors.New("upstream payload malformed")
)

var (
	ErrHealthCheckFailed = errors.New("health check failed")
)

var (
	ErrLogFileIsEmpty      = errors.New("log file is empty")
	ErrLogFileWrongFormat  = errors.New("log file wrong format")
	ErrLoggerTypeUnknown   = errors.New("logger type unknown")
	ErrLoggerConfigInvalid = errors.New("logger config invalid")
)

var (
	ErrServiceIsRunning    = errors.New("service is running")
	ErrServiceIsNotRunning = errors.New("service is not running")
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNotSupported     = errors.New("not supported")
)

func NewError(message string) error {
	return errors.New(message)
}

func NewErrorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}

func Errorf(baseErr error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", baseErr, fmt.Sprintf(format, args...))
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func IsError(err, target error) bool {
	return errors.Is(err, target)
}

// UpstreamError carries the status code of a failed upstream call.
type UpstreamError struct {
	Upstream   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: %s: HTTP %d", ErrUpstreamStatus, e.Upstream, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s: HTTP %d: %s", ErrUpstreamStatus, e.Upstream, e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return ErrUpstreamStatus
}
