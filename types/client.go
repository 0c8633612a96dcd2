package types

import (
	"context"
	"time"
)

type UpstreamCaller interface {
	Call(ctx context.Context, method, path string, data interface{}, opts *CallOptions) ([]byte, int, error)
}

type ClientManager interface {
	LifecycleManager
	Client(upstream string) (UpstreamCaller, error)
	BreakerStates() map[string]string
}

type CallOptions struct {
	Timeout time.Duration
	Retry   int
	Headers map[string]string
	Query   map[string]string
}
