package types

import "time"

type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Clock returns the current time. Time-based components accept one so
// tests can move time without sleeping.
type Clock func() time.Time
