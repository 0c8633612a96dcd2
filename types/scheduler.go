package types

import (
	"context"
	"time"
)

type RequestScheduler interface {
	Schedule(ctx context.Context, fn RequestFunc) (interface{}, error)
	QueueLength() int
	GetStats() SchedulerStats
}

type SchedulerStats struct {
	Upstream        string        `json:"upstream"`
	QueueLength     int           `json:"queue_length"`
	MinDelay        time.Duration `json:"min_delay"`
	LastRequestTime int64         `json:"last_request_time"`
	Scheduled       uint64        `json:"scheduled"`
}
