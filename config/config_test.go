package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saiset-co/sai-anime-cache/types"
)

const sample = `
name: anime-dashboard-cache
version: 2.0.0
server:
  http:
    port: 9090
storage:
  enabled: true
  type: sqlite
  config:
    path: /tmp/anime.db
upstreams:
  jikan:
    min_delay: 2s
  mirror:
    base_url: https://mirror.example.com/v4
cache:
  version: "3"
  janitor_spec: "@every 5m"
`

func TestLoadOverlaysDefaults(t *testing.T) {
	cfg, err := NewLoader().LoadFromBytes([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "anime-dashboard-cache", cfg.Name)
	assert.Equal(t, 9090, cfg.Server.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "3", cfg.Cache.Version)
	assert.Equal(t, "@every 5m", cfg.Cache.JanitorSpec)
	assert.Equal(t, 5*time.Second, cfg.Dedup.CompletedTTL)

	jikan := cfg.Upstreams[types.UpstreamJikan]
	require.NotNil(t, jikan)
	assert.Equal(t, 2*time.Second, jikan.MinDelay)
	assert.Equal(t, 2, jikan.Retries)
	assert.Equal(t, "https://api.jikan.moe/v4", jikan.BaseURL)
	assert.NotNil(t, jikan.CircuitBreaker)

	mirror := cfg.Upstreams["mirror"]
	require.NotNil(t, mirror)
	assert.Equal(t, 10*time.Second, mirror.Timeout)

	assert.Contains(t, cfg.Upstreams, types.UpstreamKitsu)
}

func TestPartialUpstreamOverrideKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().LoadFromBytes([]byte(`
upstreams:
  jikan:
    base_url: https://mirror.example/v4
  kitsu:
    circuit_breaker:
      failure_threshold: 9
  anilist:
`))
	require.NoError(t, err)

	defaults := DefaultUpstreams()

	jikan := cfg.Upstreams[types.UpstreamJikan]
	assert.Equal(t, "https://mirror.example/v4", jikan.BaseURL)
	assert.Equal(t, defaults[types.UpstreamJikan].MinDelay, jikan.MinDelay)
	assert.Greater(t, jikan.MinDelay, time.Duration(0))
	assert.Equal(t, defaults[types.UpstreamJikan].Retries, jikan.Retries)

	kitsu := cfg.Upstreams[types.UpstreamKitsu]
	assert.Equal(t, 9, kitsu.CircuitBreaker.FailureThreshold)
	assert.True(t, kitsu.CircuitBreaker.Enabled)
	assert.Equal(t, 30*time.Second, kitsu.CircuitBreaker.RecoveryTimeout)
	assert.Equal(t, 500*time.Millisecond, kitsu.MinDelay)

	assert.Equal(t, defaults[types.UpstreamAniList], cfg.Upstreams[types.UpstreamAniList])
	assert.Equal(t, defaults[types.UpstreamSchedule], cfg.Upstreams[types.UpstreamSchedule])
}

func TestValidationFailures(t *testing.T) {
	cases := map[string]string{
		"bad port":      "server:\n  http:\n    port: 70000\n",
		"bad store":     "storage:\n  type: mongo\n",
		"bad url":       "upstreams:\n  extra:\n    base_url: not a url\n",
		"no janitor":    "cache:\n  janitor_spec: \"\"\n",
		"tls no files":  "server:\n  tls:\n    enabled: true\n",
		"actions empty": "actions:\n  enabled: true\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewLoader().LoadFromBytes([]byte(body))
			assert.ErrorIs(t, err, types.ErrConfigValidateFailed)
		})
	}
}

func TestMalformedYAML(t *testing.T) {
	_, err := NewLoader().LoadFromBytes([]byte("server: [unclosed"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, types.ErrConfigValidateFailed)
}

func TestConfigurationManager(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0600))

	cm, err := NewConfigurationManager(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, cm.Start())
	defer func() { _ = cm.Stop() }()

	assert.Equal(t, 9090, cm.GetValue("server.http.port", 0))
	assert.Equal(t, "fallback", cm.GetValue("server.http.missing", "fallback"))

	var cacheConfig types.CacheConfig
	require.NoError(t, cm.GetAs("cache", &cacheConfig))
	assert.Equal(t, "3", cacheConfig.Version)

	assert.ErrorIs(t, cm.GetAs("nope.nothing", &cacheConfig), types.ErrConfigNotFound)

	require.NoError(t, os.WriteFile(path, []byte("name: reloaded\nversion: 1.0.1\n"), 0600))
	require.NoError(t, cm.Load())
	assert.Equal(t, "reloaded", cm.GetConfig().Name)
}

func TestConfigurationManagerMissingFile(t *testing.T) {
	_, err := NewConfigurationManager(context.Background(), filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	_, err = NewConfigurationManager(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrConfigInvalidPath)
}

func TestStaticManager(t *testing.T) {
	cfg := NewLoader().Defaults()
	cm := NewStaticManager(cfg)

	assert.Same(t, cfg, cm.GetConfig())
	assert.Equal(t, "sai-anime-cache", cm.GetValue("name", ""))
}
