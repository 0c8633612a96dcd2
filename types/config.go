package types

import (
	"time"
)

const (
	UpstreamJikan    = "jikan"
	UpstreamKitsu    = "kitsu"
	UpstreamAniList  = "anilist"
	UpstreamSchedule = "schedule"
)

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name        string                     `yaml:"name" json:"name" validate:"required"`
	Version     string                     `yaml:"version" json:"version" validate:"required"`
	Server      *ServerConfig              `yaml:"server" json:"server"`
	Logger      *LoggerConfig              `yaml:"logger" json:"logger"`
	Storage     *StorageConfig             `yaml:"storage" json:"storage"`
	Cache       *CacheConfig               `yaml:"cache" json:"cache"`
	Dedup       *DedupConfig               `yaml:"dedup" json:"dedup"`
	Upstreams   map[string]*UpstreamConfig `yaml:"upstreams" json:"upstreams" validate:"dive"`
	Actions     *ActionsConfig             `yaml:"actions" json:"actions"`
	Cron        *CronConfig                `yaml:"cron" json:"cron"`
	Middlewares *MiddlewaresConfig         `yaml:"middlewares" json:"middlewares"`
	Metrics     *MetricsConfig             `yaml:"metrics" json:"metrics"`
	Health      *HealthConfig              `yaml:"health" json:"health"`
}

type ServerConfig struct {
	HTTP *HTTPConfig `yaml:"http" json:"http"`
	TLS  *TLSConfig  `yaml:"tls" json:"tls"`
}

// TLSConfig serves the API over HTTPS, from certificate files or from
// ACME (autocert) for the listed domains.
type TLSConfig struct {
	Enabled       bool     `yaml:"enabled" json:"enabled"`
	CertFile      string   `yaml:"cert_file" json:"cert_file" validate:"required_if=Enabled true AutoCert false"`
	KeyFile       string   `yaml:"key_file" json:"key_file" validate:"required_if=Enabled true AutoCert false"`
	AutoCert      bool     `yaml:"auto_cert" json:"auto_cert"`
	Domains       []string `yaml:"domains" json:"domains" validate:"required_if=AutoCert true"`
	CacheDir      string   `yaml:"cache_dir" json:"cache_dir"`
	Email         string   `yaml:"email" json:"email"`
	ACMEDirectory string   `yaml:"acme_directory" json:"acme_directory"`
}

type HTTPConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    int    `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout     int    `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout int    `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

// StorageConfig selects the durable store behind the cache manager.
type StorageConfig struct {
	Enabled  bool        `yaml:"enabled" json:"enabled"`
	Type     string      `yaml:"type" json:"type" validate:"omitempty,oneof=none memory clover redis sqlite"`
	Compress bool        `yaml:"compress" json:"compress"`
	Config   interface{} `yaml:"config" json:"config"`
}

type CacheConfig struct {
	Version     string `yaml:"version" json:"version" validate:"required"`
	JanitorSpec string `yaml:"janitor_spec" json:"janitor_spec" validate:"required"`
	Metrics     bool   `yaml:"metrics" json:"metrics"`
}

type DedupConfig struct {
	UseCompletedCache bool          `yaml:"use_completed_cache" json:"use_completed_cache"`
	CompletedTTL      time.Duration `yaml:"completed_ttl" json:"completed_ttl" validate:"min=0"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"min=0"`
}

type UpstreamConfig struct {
	BaseURL        string                `yaml:"base_url" json:"base_url" validate:"required,url"`
	Timeout        time.Duration         `yaml:"timeout" json:"timeout" validate:"min=0"`
	Retries        int                   `yaml:"retries" json:"retries" validate:"min=0,max=10"`
	RetryBackoff   time.Duration         `yaml:"retry_backoff" json:"retry_backoff" validate:"min=0"`
	MinDelay       time.Duration         `yaml:"min_delay" json:"min_delay" validate:"min=0"`
	UserAgent      string                `yaml:"user_agent" json:"user_agent"`
	Token          string                `yaml:"token" json:"-"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker" json:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold" validate:"min=0"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`
	HalfOpenRequests int           `yaml:"half_open_requests" json:"half_open_requests" validate:"min=0"`
}

type ActionsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type CronConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Timezone string `yaml:"timezone" json:"timezone" validate:"required_if=Enabled true"`
}

type MiddlewaresConfig struct {
	Recovery    *MiddlewareItemConfig `yaml:"recovery" json:"recovery"`
	Logging     *MiddlewareItemConfig `yaml:"logging" json:"logging"`
	Auth        *MiddlewareItemConfig `yaml:"auth" json:"auth"`
	Compression *MiddlewareItemConfig `yaml:"compression" json:"compression"`
}

type MiddlewareItemConfig struct {
	Enabled bool                   `yaml:"enabled" json:"enabled"`
	Weight  int                    `yaml:"weight" json:"weight" validate:"min=0"`
	Params  map[string]interface{} `yaml:"params" json:"params"`
}

type MetricsConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`
}

type HealthConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}
