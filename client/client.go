package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type State int32

const (
	StateRunning State = iota
	StateStopping
	StateStopped
)

const (
	defaultTimeout      = 10 * time.Second
	defaultRetryBackoff = time.Second
	maxErrorBodyLength  = 512
)

// HTTPClient calls one upstream API. Non-2xx answers come back as
// *types.UpstreamError after retries for the retryable ones are spent.
type HTTPClient struct {
	ctx            context.Context
	cancel         context.CancelFunc
	logger         types.Logger
	name           string
	client         *fasthttp.Client
	config         *types.UpstreamConfig
	circuitBreaker *CircuitBreaker
	state          atomic.Value
	timeout        time.Duration
	backoff        time.Duration
}

// Dial replaces the network dialer, e.g. with an in-memory listener in
// tests. Nil keeps the fasthttp default.
func NewHTTPClient(ctx context.Context, logger types.Logger, name string, config *types.UpstreamConfig, dial fasthttp.DialFunc, now types.Clock) *HTTPClient {
	clientCtx, cancel := context.WithCancel(ctx)

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	backoff := config.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}

	httpClient := &fasthttp.Client{
		Name:                name,
		ReadTimeout:         timeout,
		WriteTimeout:        timeout,
		MaxIdleConnDuration: 90 * time.Second,
		Dial:                dial,
	}

	client := &HTTPClient{
		ctx:            clientCtx,
		cancel:         cancel,
		logger:         logger,
		name:           name,
		client:         httpClient,
		config:         config,
		circuitBreaker: NewCircuitBreaker(config.CircuitBreaker, logger, name, now),
		timeout:        timeout,
		backoff:        backoff,
	}

	client.state.Store(StateRunning)

	return client
}

func (c *HTTPClient) Call(ctx context.Context, method, path string, data interface{}, opts *types.CallOptions) ([]byte, int, error) {
	if !c.IsRunning() {
		return nil, 0, types.Errorf(types.ErrClientNotRunning, "upstream: %s", c.name)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	if c.config.UserAgent != "" {
		req.Header.SetUserAgent(c.config.UserAgent)
	}

	if c.config.Token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+c.config.Token)
	}

	if data != nil {
		body, ok := data.([]byte)
		if !ok {
			var err error
			body, err = utils.Marshal(data)
			if err != nil {
				return nil, 0, types.WrapError(err, "failed to marshal request data")
			}
		}
		req.SetBody(body)
		req.Header.SetContentType("application/json")
	}

	timeout := c.timeout
	retries := c.config.Retries

	if opts != nil {
		for key, value := range opts.Headers {
			req.Header.Set(key, value)
		}

		args := req.URI().QueryArgs()
		for key, value := range opts.Query {
			args.Set(key, value)
		}

		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}

		if opts.Retry > 0 {
			retries = opts.Retry
		}
	}

	return c.executeWithRetries(ctx, req, resp, retries, timeout)
}

func (c *HTTPClient) executeWithRetries(ctx context.Context, req *fasthttp.Request, resp *fasthttp.Response, maxRetries int, timeout time.Duration) ([]byte, int, error) {
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if !c.IsRunning() {
			return nil, 0, types.Errorf(types.ErrClientNotRunning, "upstream: %s", c.name)
		}

		if err := ctx.Err(); err != nil {
			return nil, 0, types.WrapError(err, "upstream call aborted")
		}

		if !c.circuitBreaker.CanExecute() {
			return nil, 0, types.Errorf(types.ErrCircuitBreakerOpen, "upstream: %s", c.name)
		}

		err := c.client.DoTimeout(req, resp, attemptTimeout(ctx, timeout))
		statusCode := resp.StatusCode()
		if err != nil {
			statusCode = 0
		}

		if IsCircuitBreakerFailure(statusCode, err) {
			c.circuitBreaker.RecordFailure()
		} else {
			c.circuitBreaker.RecordSuccess()
		}

		if IsSuccessfulResponse(statusCode, err) {
			body := make([]byte, len(resp.Body()))
			copy(body, resp.Body())
			return body, statusCode, nil
		}

		lastStatus = statusCode
		if err != nil {
			lastErr = types.Errorf(types.ErrClientRequestFailed, "upstream %s: %v", c.name, err)
		} else {
			lastErr = &types.UpstreamError{
				Upstream:   c.name,
				StatusCode: statusCode,
				Body:       truncate(string(resp.Body()), maxErrorBodyLength),
			}
		}

		if attempt == maxRetries || !IsRetryableError(statusCode, err) {
			break
		}

		backoff := time.Duration(attempt+1) * c.backoff

		c.logger.Debug("Retrying upstream request",
			zap.String("upstream", c.name),
			zap.Int("attempt", attempt+1),
			zap.Int("status_code", statusCode),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, lastStatus, types.WrapError(ctx.Err(), "upstream call aborted during retry")
		case <-c.ctx.Done():
			timer.Stop()
			return nil, lastStatus, types.Errorf(types.ErrClientNotRunning, "upstream %s shutting down", c.name)
		}
	}

	c.logger.Warn("Upstream request failed",
		zap.String("upstream", c.name),
		zap.String("uri", req.URI().String()),
		zap.Int("status_code", lastStatus),
		zap.Error(lastErr))

	return nil, lastStatus, lastErr
}

func (c *HTTPClient) Close() {
	if !c.transitionClientState(StateRunning, StateStopping) {
		return
	}

	c.cancel()
	c.client.CloseIdleConnections()
	c.setClientState(StateStopped)

	c.logger.Debug("HTTP client closed", zap.String("upstream", c.name))
}

func (c *HTTPClient) IsRunning() bool {
	return c.getClientState() == StateRunning
}

func (c *HTTPClient) BreakerState() CircuitBreakerState {
	return c.circuitBreaker.State()
}

func (c *HTTPClient) getClientState() State {
	return c.state.Load().(State)
}

func (c *HTTPClient) setClientState(newState State) bool {
	currentState := c.getClientState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *HTTPClient) transitionClientState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}

// attemptTimeout caps the per-attempt timeout by the caller's deadline.
func attemptTimeout(ctx context.Context, timeout time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			if remaining <= 0 {
				return time.Millisecond
			}
			return remaining
		}
	}
	return timeout
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
