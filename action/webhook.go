package action

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type WebhookTarget struct {
	URL     string            `json:"url"`
	Secret  string            `json:"secret"`
	Headers map[string]string `json:"headers"`
	Events  []string          `json:"events"`
}

type WebhookConfig struct {
	Targets        []WebhookTarget `json:"targets"`
	QueueSize      int             `json:"queue_size"`
	Workers        int             `json:"workers"`
	RequestTimeout time.Duration   `json:"request_timeout"`
}

// WebhookPublisher POSTs every event to each subscribed target. A target
// with a secret receives an X-Signature header of the form sha256=<hex>
// over the raw body.
type WebhookPublisher struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logger  types.Logger
	metrics types.MetricsManager
	config  *WebhookConfig
	client  *fasthttp.Client
	queue   chan *types.ActionMessage
	wg      sync.WaitGroup
	state   atomic.Value
}

func NewWebhookPublisher(ctx context.Context, logger types.Logger, config *types.ActionsConfig, metrics types.MetricsManager) (*WebhookPublisher, error) {
	whConfig := &WebhookConfig{
		QueueSize:      256,
		Workers:        2,
		RequestTimeout: 10 * time.Second,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, whConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal webhook config")
		}
	}
	if len(whConfig.Targets) == 0 || whConfig.QueueSize < 1 || whConfig.Workers < 1 {
		return nil, types.Errorf(types.ErrActionConfigInvalid, "webhook needs targets, a queue and workers")
	}

	publisherCtx, cancel := context.WithCancel(ctx)

	p := &WebhookPublisher{
		ctx:     publisherCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		config:  whConfig,
		client: &fasthttp.Client{
			Name:                "sai-anime-cache-webhook",
			ReadTimeout:         whConfig.RequestTimeout,
			WriteTimeout:        whConfig.RequestTimeout,
			MaxIdleConnDuration: time.Minute,
		},
		queue: make(chan *types.ActionMessage, whConfig.QueueSize),
	}

	p.state.Store(StateStopped)

	return p, nil
}

func (p *WebhookPublisher) Publish(action string, payload interface{}) error {
	if !p.IsRunning() {
		return types.ErrActionNotInitialized
	}

	message := &types.ActionMessage{
		Action:    action,
		Payload:   payload,
		Timestamp: time.Now(),
		Source:    "sai-anime-cache",
		MessageID: uuid.NewString(),
	}

	select {
	case p.queue <- message:
		return nil
	default:
		p.recordMetric(action, "dropped")
		p.logger.Warn("Webhook queue is full, dropping event", zap.String("action", action))
		return types.Errorf(types.ErrActionPublishFailed, "queue full")
	}
}

func (p *WebhookPublisher) Start() error {
	if !p.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.setState(StateRunning)
	p.logger.Info("Webhook publisher started",
		zap.Int("targets", len(p.config.Targets)),
		zap.Int("workers", p.config.Workers))
	return nil
}

// Stop delivers what is already queued, then returns.
func (p *WebhookPublisher) Stop() error {
	if !p.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}
	defer p.setState(StateStopped)

	close(p.queue)
	p.wg.Wait()
	p.cancel()
	p.client.CloseIdleConnections()

	p.logger.Info("Webhook publisher stopped")
	return nil
}

func (p *WebhookPublisher) IsRunning() bool {
	return p.getState() == StateRunning
}

func (p *WebhookPublisher) worker() {
	defer p.wg.Done()

	for message := range p.queue {
		body, err := utils.Marshal(message)
		if err != nil {
			p.logger.Error("Failed to encode webhook event", zap.String("action", message.Action), zap.Error(err))
			continue
		}

		for i := range p.config.Targets {
			target := &p.config.Targets[i]
			if !target.wants(message.Action) {
				continue
			}

			if err := p.deliver(target, message, body); err != nil {
				p.recordMetric(message.Action, "error")
				p.logger.Warn("Webhook delivery failed",
					zap.String("url", target.URL),
					zap.String("action", message.Action),
					zap.String("message_id", message.MessageID),
					zap.Error(err))
				continue
			}
			p.recordMetric(message.Action, "sent")
		}
	}
}

func (p *WebhookPublisher) deliver(target *WebhookTarget, message *types.ActionMessage, body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(target.URL)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("X-Event", message.Action)
	req.Header.Set("X-Message-ID", message.MessageID)
	for key, value := range target.Headers {
		req.Header.Set(key, value)
	}
	if target.Secret != "" {
		req.Header.Set("X-Signature", "sha256="+Sign(target.Secret, body))
	}
	req.SetBody(body)

	if err := p.client.DoTimeout(req, resp, p.config.RequestTimeout); err != nil {
		return types.Errorf(types.ErrActionPublishFailed, "%s: %v", target.URL, err)
	}
	if status := resp.StatusCode(); status >= 300 {
		return types.Errorf(types.ErrActionPublishFailed, "%s: HTTP %d", target.URL, status)
	}

	return nil
}

func (t *WebhookTarget) wants(action string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, event := range t.Events {
		if event == action || event == "*" {
			return true
		}
	}
	return false
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (p *WebhookPublisher) recordMetric(action, result string) {
	if p.metrics == nil {
		return
	}
	p.metrics.Counter("events_published_total", map[string]string{
		"transport": "webhook",
		"action":    action,
		"result":    result,
	}).Inc()
}

func (p *WebhookPublisher) getState() State {
	return p.state.Load().(State)
}

func (p *WebhookPublisher) setState(newState State) bool {
	currentState := p.getState()
	return p.state.CompareAndSwap(currentState, newState)
}

func (p *WebhookPublisher) transitionState(from, to State) bool {
	return p.state.CompareAndSwap(from, to)
}
