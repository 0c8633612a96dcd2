package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

type PrometheusConfig struct {
	Namespace       string            `yaml:"namespace" json:"namespace"`
	Subsystem       string            `yaml:"subsystem" json:"subsystem"`
	Labels          map[string]string `yaml:"labels" json:"labels"`
	EnableGoMetrics bool              `yaml:"enable_go_metrics" json:"enable_go_metrics"`
}

type PrometheusMetrics struct {
	ctx        context.Context
	logger     types.Logger
	config     *PrometheusConfig
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.Mutex
	running    int32
}

func NewPrometheusMetrics(ctx context.Context, logger types.Logger, config *types.MetricsConfig) (*PrometheusMetrics, error) {
	var promConfig = &PrometheusConfig{
		Namespace:       "sai_anime_cache",
		Labels:          make(map[string]string),
		EnableGoMetrics: true,
	}

	if config != nil && config.Config != nil {
		err := utils.UnmarshalConfig(config.Config, promConfig)
		if err != nil {
			return nil, types.WrapError(err, "failed to unmarshal prometheus config")
		}
	}

	registry := prometheus.NewRegistry()
	if promConfig.EnableGoMetrics {
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	metrics := &PrometheusMetrics{
		ctx:        ctx,
		logger:     logger,
		config:     promConfig,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}

	logger.Info("Prometheus metrics initialized",
		zap.String("namespace", promConfig.Namespace),
		zap.String("subsystem", promConfig.Subsystem),
		zap.Bool("go_metrics", promConfig.EnableGoMetrics))

	return metrics, nil
}

func (p *PrometheusMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	p.logger.Info("Prometheus metrics started")
	return nil
}

func (p *PrometheusMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	p.logger.Info("Prometheus metrics stopped")
	return nil
}

func (p *PrometheusMetrics) IsRunning() bool {
	return atomic.LoadInt32(&p.running) == 1
}

// seriesHelp describes the series the service records. Anything else gets a
// generic help line naming its kind.
var seriesHelp = map[string]string{
	"cache_operations_total":               "Cache lookups and writes by operation and result.",
	"cache_operation_duration_seconds":     "Time spent in cache operations.",
	"cache_removed_entries_total":          "Entries removed by invalidation or expiry sweeps.",
	"cache_entries":                        "Entries held by the in-memory cache tier.",
	"cache_size_bytes":                     "Approximate payload bytes held in memory.",
	"cache_hit_rate":                       "Share of lookups served from cache.",
	"http_client_requests_total":           "Upstream API requests by upstream and status.",
	"http_client_request_duration_seconds": "Upstream API request latency.",
	"http_client_response_size_bytes":      "Upstream API response body sizes.",
	"http_client_circuit_breaker_status":   "Upstream breaker state: 0 closed, 1 half-open, 2 open.",
	"http_server_request_duration_seconds": "Dashboard API request latency.",
	"http_auth_failures_total":             "Rejected operator requests.",
	"http_panics_total":                    "Handler panics recovered by the server.",
	"http_compressed_bytes_saved_total":    "Response bytes saved by compression.",
	"cron_job_executions_total":            "Background job runs by job and outcome.",
	"cron_job_duration_seconds":            "Background job run time.",
	"cron_scheduler_running":               "1 while the job scheduler is running.",
	"events_published_total":               "Cache events pushed to subscribers.",
}

func (p *PrometheusMetrics) opts(kind, name string) prometheus.Opts {
	help, ok := seriesHelp[name]
	if !ok {
		help = fmt.Sprintf("%s metric %s", kind, name)
	}

	return prometheus.Opts{
		Namespace:   p.config.Namespace,
		Subsystem:   p.config.Subsystem,
		Name:        name,
		Help:        help,
		ConstLabels: p.config.Labels,
	}
}

// register adds a newly built vector to the registry. Label names of a series
// are fixed by its first use; later calls must pass the same label keys.
func (p *PrometheusMetrics) register(kind, name string, collector prometheus.Collector) {
	p.registry.MustRegister(collector)
	p.logger.Debug("Prometheus series created", zap.String("kind", kind), zap.String("name", name))
}

func (p *PrometheusMetrics) Counter(name string, labels map[string]string) types.Counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	counter, exists := p.counters[name]
	if !exists {
		counter = prometheus.NewCounterVec(prometheus.CounterOpts(p.opts("Counter", name)), labelNames(labels))
		p.register("counter", name, counter)
		p.counters[name] = counter
	}

	return &PrometheusCounter{logger: p.logger, counter: counter, labels: labels}
}

func (p *PrometheusMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	p.mu.Lock()
	defer p.mu.Unlock()

	gauge, exists := p.gauges[name]
	if !exists {
		gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts(p.opts("Gauge", name)), labelNames(labels))
		p.register("gauge", name, gauge)
		p.gauges[name] = gauge
	}

	return &PrometheusGauge{logger: p.logger, gauge: gauge, labels: labels}
}

func (p *PrometheusMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	p.mu.Lock()
	defer p.mu.Unlock()

	histogram, exists := p.histograms[name]
	if !exists {
		o := p.opts("Histogram", name)
		histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   o.Namespace,
			Subsystem:   o.Subsystem,
			Name:        o.Name,
			Help:        o.Help,
			ConstLabels: o.ConstLabels,
			Buckets:     buckets,
		}, labelNames(labels))
		p.register("histogram", name, histogram)
		p.histograms[name] = histogram
	}

	return &PrometheusHistogram{histogram: histogram, labels: labels}
}

// Handler serves the registry in the Prometheus text format.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// read snapshots a single labelled series. A failed write logs and yields an
// empty metric so readers return zero.
func read(logger types.Logger, kind string, m prometheus.Metric) *dto.Metric {
	metric := &dto.Metric{}
	if err := m.Write(metric); err != nil && logger != nil {
		logger.Error("Failed to read prometheus series", zap.String("kind", kind), zap.Error(err))
	}
	return metric
}

type PrometheusCounter struct {
	logger  types.Logger
	counter *prometheus.CounterVec
	labels  map[string]string
}

func (c *PrometheusCounter) Inc() {
	c.counter.With(c.labels).Inc()
}

func (c *PrometheusCounter) Add(value float64) {
	c.counter.With(c.labels).Add(value)
}

func (c *PrometheusCounter) Get() float64 {
	return read(c.logger, "counter", c.counter.With(c.labels)).GetCounter().GetValue()
}

type PrometheusGauge struct {
	logger types.Logger
	gauge  *prometheus.GaugeVec
	labels map[string]string
}

func (g *PrometheusGauge) Set(value float64) {
	g.gauge.With(g.labels).Set(value)
}

func (g *PrometheusGauge) Inc() {
	g.gauge.With(g.labels).Inc()
}

func (g *PrometheusGauge) Dec() {
	g.gauge.With(g.labels).Dec()
}

func (g *PrometheusGauge) Add(value float64) {
	g.gauge.With(g.labels).Add(value)
}

func (g *PrometheusGauge) Sub(value float64) {
	g.gauge.With(g.labels).Sub(value)
}

func (g *PrometheusGauge) Get() float64 {
	return read(g.logger, "gauge", g.gauge.With(g.labels)).GetGauge().GetValue()
}

type PrometheusHistogram struct {
	histogram *prometheus.HistogramVec
	labels    map[string]string
}

func (h *PrometheusHistogram) Observe(value float64) {
	h.histogram.With(h.labels).Observe(value)
}

func (h *PrometheusHistogram) ObserveDuration(start time.Time) {
	h.histogram.With(h.labels).Observe(time.Since(start).Seconds())
}

func (h *PrometheusHistogram) GetCount() uint64 {
	return h.snapshot().GetSampleCount()
}

func (h *PrometheusHistogram) GetSum() float64 {
	return h.snapshot().GetSampleSum()
}

// snapshot returns nil when the observer is not a collectable series; the
// dto getters treat a nil histogram as empty.
func (h *PrometheusHistogram) snapshot() *dto.Histogram {
	m, ok := h.histogram.With(h.labels).(prometheus.Metric)
	if !ok {
		return nil
	}
	return read(nil, "histogram", m).GetHistogram()
}
