package types

import (
	"time"
)

const (
	ActionCacheInvalidated  = "cache.invalidated"
	ActionCacheCleared      = "cache.cleared"
	ActionCacheExpiredSwept = "cache.expired_swept"
)

type EventPublisher interface {
	Publish(action string, payload interface{}) error
}

type ActionMessage struct {
	Action    string      `json:"action"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	MessageID string      `json:"message_id"`
}
