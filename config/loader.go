package config

import (
	"context"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/saiset-co/sai-anime-cache/types"
)

type Loader struct {
	validator *validator.Validate
}

func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (l *Loader) LoadFromFile(ctx context.Context, configPath string) (*types.ServiceConfig, error) {
	if configPath == "" {
		return nil, types.ErrConfigNotFound
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, types.WrapError(err, "file not found: "+configPath)
	}

	data, err := l.ReadFileWithTimeout(ctx, configPath)
	if err != nil {
		return nil, types.WrapError(err, "failed to read config file")
	}

	return l.LoadFromBytes(data)
}

// LoadFromBytes overlays YAML onto Defaults and validates the result.
func (l *Loader) LoadFromBytes(data []byte) (*types.ServiceConfig, error) {
	config := l.Defaults()

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}

	if err := l.mergeUpstreams(data, config); err != nil {
		return nil, types.WrapError(err, "failed to parse upstreams config")
	}

	if err := l.validator.Struct(config); err != nil {
		return nil, types.Errorf(types.ErrConfigValidateFailed, "%v", err)
	}

	return config, nil
}

func (l *Loader) ReadFileWithTimeout(ctx context.Context, filepath string) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	resultChan := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(filepath)
		resultChan <- result{data: data, err: err}
	}()

	select {
	case res := <-resultChan:
		return res.data, res.err
	case <-ctx.Done():
		return nil, types.WrapError(ctx.Err(), "file read timeout")
	}
}

// mergeUpstreams decodes every configured upstream onto its default entry,
// so an entry that only overrides a few fields (e.g. just base_url) keeps
// the default min_delay and retries. Unknown upstreams start from a bare
// entry with a 10s timeout.
func (l *Loader) mergeUpstreams(data []byte, config *types.ServiceConfig) error {
	var raw struct {
		Upstreams map[string]yaml.Node `yaml:"upstreams"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	if config.Upstreams == nil {
		config.Upstreams = DefaultUpstreams()
	}
	if len(raw.Upstreams) == 0 {
		return nil
	}

	defaults := DefaultUpstreams()

	for name, node := range raw.Upstreams {
		upstream, known := defaults[name]
		if !known {
			upstream = &types.UpstreamConfig{Timeout: 10 * time.Second}
		}

		if node.ShortTag() != "!!null" {
			if err := node.Decode(upstream); err != nil {
				return types.WrapError(err, "upstream "+name)
			}
		}

		config.Upstreams[name] = upstream
	}

	return nil
}

func DefaultUpstreams() map[string]*types.UpstreamConfig {
	breaker := func() *types.CircuitBreakerConfig {
		return &types.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenRequests: 2,
		}
	}

	return map[string]*types.UpstreamConfig{
		types.UpstreamJikan: {
			BaseURL:        "https://api.jikan.moe/v4",
			Timeout:        10 * time.Second,
			Retries:        2,
			RetryBackoff:   time.Second,
			MinDelay:       1 * time.Second,
			UserAgent:      "sai-anime-cache",
			CircuitBreaker: breaker(),
		},
		types.UpstreamKitsu: {
			BaseURL:        "https://kitsu.io/api/edge",
			Timeout:        10 * time.Second,
			Retries:        2,
			RetryBackoff:   time.Second,
			MinDelay:       500 * time.Millisecond,
			UserAgent:      "sai-anime-cache",
			CircuitBreaker: breaker(),
		},
		types.UpstreamAniList: {
			BaseURL:        "https://graphql.anilist.co",
			Timeout:        10 * time.Second,
			Retries:        2,
			RetryBackoff:   time.Second,
			MinDelay:       700 * time.Millisecond,
			UserAgent:      "sai-anime-cache",
			CircuitBreaker: breaker(),
		},
		types.UpstreamSchedule: {
			BaseURL:        "https://animeschedule.net/api/v3",
			Timeout:        10 * time.Second,
			Retries:        1,
			RetryBackoff:   time.Second,
			MinDelay:       1 * time.Second,
			UserAgent:      "sai-anime-cache",
			CircuitBreaker: breaker(),
		},
	}
}

func (l *Loader) Defaults() *types.ServiceConfig {
	return &types.ServiceConfig{
		Name:    "sai-anime-cache",
		Version: "1.0.0",
		Server: &types.ServerConfig{
			HTTP: &types.HTTPConfig{
				Host:            "localhost",
				Port:            8080,
				ReadTimeout:     30,
				WriteTimeout:    30,
				IdleTimeout:     120,
				ShutdownTimeout: 10,
			},
		},
		Logger: &types.LoggerConfig{
			Level: "info",
		},
		Storage: &types.StorageConfig{
			Enabled: false,
			Type:    "none",
		},
		Cache: &types.CacheConfig{
			Version:     "1",
			JanitorSpec: "@every 10m",
			Metrics:     true,
		},
		Dedup: &types.DedupConfig{
			UseCompletedCache: true,
			CompletedTTL:      5 * time.Second,
			RequestTimeout:    30 * time.Second,
		},
		Upstreams: DefaultUpstreams(),
		Actions: &types.ActionsConfig{
			Enabled: false,
		},
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
		Metrics: &types.MetricsConfig{
			Enabled: true,
			Type:    "prometheus",
		},
		Health: &types.HealthConfig{
			Enabled: true,
		},
		Middlewares: &types.MiddlewaresConfig{
			Recovery: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  10,
				Params: map[string]interface{}{
					"stack_trace": true,
				},
			},
			Logging: &types.MiddlewareItemConfig{
				Enabled: true,
				Weight:  20,
				Params: map[string]interface{}{
					"log_level": "info",
				},
			},
			Auth: &types.MiddlewareItemConfig{
				Enabled: false,
				Weight:  30,
				Params: map[string]interface{}{
					"token": "",
				},
			},
			Compression: &types.MiddlewareItemConfig{
				Enabled: false,
				Weight:  40,
				Params: map[string]interface{}{
					"algorithm": "br",
					"level":     6,
					"threshold": 1024,
				},
			},
		},
	}
}
