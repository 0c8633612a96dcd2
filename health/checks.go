package health

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/saiset-co/sai-anime-cache/types"
)

// StoreChecker pings the durable store. The cache keeps serving from memory
// when the store is down, so a failed ping is degraded, not unhealthy.
func StoreChecker(store types.DurableStore) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		details := map[string]interface{}{"store": store.Name()}

		if err := store.Ping(ctx); err != nil {
			return types.HealthCheck{
				Status:  types.StatusDegraded,
				Message: err.Error(),
				Details: details,
			}
		}

		return types.HealthCheck{Status: types.StatusHealthy, Details: details}
	}
}

// BreakerChecker reports degraded while any upstream breaker is open.
func BreakerChecker(clients types.ClientManager) types.HealthChecker {
	return func(_ context.Context) types.HealthCheck {
		states := clients.BreakerStates()

		details := make(map[string]interface{}, len(states))
		var open []string
		for upstream, state := range states {
			details[upstream] = state
			if state == "open" {
				open = append(open, upstream)
			}
		}

		if len(open) > 0 {
			sort.Strings(open)
			return types.HealthCheck{
				Status:  types.StatusDegraded,
				Message: fmt.Sprintf("circuit open: %s", strings.Join(open, ", ")),
				Details: details,
			}
		}

		return types.HealthCheck{Status: types.StatusHealthy, Details: details}
	}
}

func CacheChecker(cache types.CacheManager) types.HealthChecker {
	return func(_ context.Context) types.HealthCheck {
		stats := cache.GetStats()
		return types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"entries":    stats.EntryCount,
				"size":       stats.CacheSize,
				"hit_rate":   stats.HitRate(),
				"last_clear": stats.LastClearTime,
			},
		}
	}
}
