package action

import (
	"context"
	"sync/atomic"

	"github.com/saiset-co/sai-anime-cache/types"
)

// Publisher is an event sink with a lifecycle.
type Publisher interface {
	types.EventPublisher
	types.LifecycleManager
}

// NewPublisher picks the configured transport. Disabled actions give a
// NoopPublisher.
func NewPublisher(ctx context.Context, logger types.Logger, config *types.ActionsConfig, metrics types.MetricsManager) (Publisher, error) {
	if config == nil || !config.Enabled {
		return NewNoopPublisher(), nil
	}

	switch config.Type {
	case "websocket":
		return NewWebSocketPublisher(ctx, logger, config, metrics)
	case "webhook":
		return NewWebhookPublisher(ctx, logger, config, metrics)
	case "none", "":
		return NewNoopPublisher(), nil
	default:
		return nil, types.Errorf(types.ErrActionTypeUnknown, "%s", config.Type)
	}
}

type NoopPublisher struct {
	running atomic.Bool
}

func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

func (n *NoopPublisher) Publish(string, interface{}) error { return nil }

func (n *NoopPublisher) Start() error {
	n.running.Store(true)
	return nil
}

func (n *NoopPublisher) Stop() error {
	n.running.Store(false)
	return nil
}

func (n *NoopPublisher) IsRunning() bool { return n.running.Load() }
