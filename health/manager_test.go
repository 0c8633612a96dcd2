package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/logger"
	"github.com/saiset-co/sai-anime-cache/storage"
	"github.com/saiset-co/sai-anime-cache/types"
)

type stubClients struct {
	types.ClientManager
	states map[string]string
}

func (s stubClients) BreakerStates() map[string]string { return s.states }

func healthy(context.Context) types.HealthCheck {
	return types.HealthCheck{Status: types.StatusHealthy}
}

func TestReportAggregatesStatuses(t *testing.T) {
	hm := NewManager(logger.NewNopLogger(), types.ServiceInfo{Name: "anicache", Version: "1.0.0"})

	hm.RegisterChecker("a", healthy)
	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusHealthy, report.Status)
	assert.Equal(t, "anicache", report.Service.Name)
	assert.NotEmpty(t, report.Service.Build)

	hm.RegisterChecker("b", func(context.Context) types.HealthCheck {
		return types.HealthCheck{Status: types.StatusDegraded}
	})
	assert.Equal(t, types.StatusDegraded, hm.Check(context.Background()).Status)

	hm.RegisterChecker("c", func(context.Context) types.HealthCheck { panic("broken") })
	report = hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, types.HealthSummary{Total: 3, Healthy: 1, Degraded: 1, Unhealthy: 1}, report.Summary)
	assert.Contains(t, report.Checks["c"].Message, "broken")
	assert.Equal(t, "c", report.Checks["c"].Name)
	assert.Len(t, hm.Last(), 3)
}

func TestSlowCheckerTimesOut(t *testing.T) {
	hm := NewManager(logger.NewNopLogger(), types.ServiceInfo{})
	hm.checkTimeout = 50 * time.Millisecond

	hm.RegisterChecker("slow", func(ctx context.Context) types.HealthCheck {
		time.Sleep(time.Second)
		return types.HealthCheck{Status: types.StatusHealthy}
	})

	report := hm.Check(context.Background())
	assert.Equal(t, types.StatusUnhealthy, report.Status)
	assert.Equal(t, "Health check timeout", report.Checks["slow"].Message)
}

func TestStoreChecker(t *testing.T) {
	store := storage.NewMemoryStore(false)
	check := StoreChecker(store)

	assert.Equal(t, types.StatusHealthy, check(context.Background()).Status)

	require.NoError(t, store.Close())
	result := check(context.Background())
	assert.Equal(t, types.StatusDegraded, result.Status)
	assert.Equal(t, "memory", result.Details["store"])
}

func TestBreakerChecker(t *testing.T) {
	check := BreakerChecker(stubClients{states: map[string]string{"jikan": "closed", "kitsu": "open"}})

	result := check(context.Background())
	assert.Equal(t, types.StatusDegraded, result.Status)
	assert.Equal(t, "circuit open: kitsu", result.Message)

	check = BreakerChecker(stubClients{states: map[string]string{"jikan": "half-open"}})
	assert.Equal(t, types.StatusHealthy, check(context.Background()).Status)
}

func TestBuildString(t *testing.T) {
	info := GetBuildInfo()
	assert.Equal(t, Version, info.Version)
	assert.NotEmpty(t, info.GitCommit)
	assert.Contains(t, BuildString(), Version+"-")
}
