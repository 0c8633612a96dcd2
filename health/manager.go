package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-anime-cache/types"
)

const DefaultCheckTimeout = 5 * time.Second

type Manager struct {
	logger       types.Logger
	info         types.ServiceInfo
	checkers     map[string]types.HealthChecker
	results      map[string]types.HealthCheck
	startTime    time.Time
	mu           sync.RWMutex
	checkTimeout time.Duration
}

func NewManager(logger types.Logger, info types.ServiceInfo) *Manager {
	if info.Build == "" {
		info.Build = BuildString()
	}

	return &Manager{
		logger:       logger,
		info:         info,
		checkers:     make(map[string]types.HealthChecker),
		results:      make(map[string]types.HealthCheck),
		startTime:    time.Now(),
		checkTimeout: DefaultCheckTimeout,
	}
}

func (hm *Manager) RegisterChecker(name string, checker types.HealthChecker) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkers[name] = checker
}

// Check runs every checker concurrently. A checker that panics or exceeds
// the check timeout reports unhealthy.
func (hm *Manager) Check(ctx context.Context) types.HealthReport {
	hm.mu.RLock()
	checkers := make(map[string]types.HealthChecker, len(hm.checkers))
	for name, checker := range hm.checkers {
		checkers[name] = checker
	}
	hm.mu.RUnlock()

	checkCtx, cancel := context.WithTimeout(ctx, hm.checkTimeout)
	defer cancel()

	var g errgroup.Group
	results := make(map[string]types.HealthCheck, len(checkers))
	var resultMu sync.Mutex

	for name, checker := range checkers {
		g.Go(func() error {
			result := hm.executeCheck(checkCtx, name, checker)

			resultMu.Lock()
			results[name] = result
			resultMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	hm.mu.Lock()
	hm.results = results
	hm.mu.Unlock()

	report := hm.buildReport(results)
	if report.Status != types.StatusHealthy {
		hm.logger.Warn("Health check not healthy",
			zap.String("status", string(report.Status)),
			zap.Int("unhealthy", report.Summary.Unhealthy),
			zap.Int("degraded", report.Summary.Degraded))
	}

	return report
}

// Last returns the results of the most recent Check.
func (hm *Manager) Last() map[string]types.HealthCheck {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	out := make(map[string]types.HealthCheck, len(hm.results))
	for name, result := range hm.results {
		out[name] = result
	}
	return out
}

func (hm *Manager) executeCheck(ctx context.Context, name string, checker types.HealthChecker) types.HealthCheck {
	start := time.Now()
	resultChan := make(chan types.HealthCheck, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- types.HealthCheck{
					Status:  types.StatusUnhealthy,
					Message: fmt.Sprintf("Health check panicked: %v", r),
				}
			}
		}()

		resultChan <- checker(ctx)
	}()

	var result types.HealthCheck
	select {
	case result = <-resultChan:
	case <-ctx.Done():
		result = types.HealthCheck{
			Status:  types.StatusUnhealthy,
			Message: "Health check timeout",
		}
	}

	result.Name = name
	result.LastCheck = time.Now()
	result.Duration = time.Since(start)

	return result
}

func (hm *Manager) buildReport(results map[string]types.HealthCheck) types.HealthReport {
	summary := types.HealthSummary{Total: len(results)}

	overallStatus := types.StatusHealthy
	for _, result := range results {
		switch result.Status {
		case types.StatusHealthy:
			summary.Healthy++
		case types.StatusDegraded:
			summary.Degraded++
			if overallStatus == types.StatusHealthy || overallStatus == types.StatusUnknown {
				overallStatus = types.StatusDegraded
			}
		case types.StatusUnhealthy:
			summary.Unhealthy++
			overallStatus = types.StatusUnhealthy
		default:
			summary.Unknown++
			if overallStatus == types.StatusHealthy {
				overallStatus = types.StatusUnknown
			}
		}
	}

	return types.HealthReport{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		Service:   hm.info,
		Checks:    results,
		Summary:   summary,
	}
}
