package metrics

import (
	"context"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
	"github.com/saiset-co/sai-anime-cache/utils"
)

// MemoryMetrics keeps every series in process and exposes them as JSON.
// It backs the stats command and tests, where a Prometheus registry is not
// wanted.
type MemoryMetrics struct {
	ctx        context.Context
	logger     types.Logger
	counters   map[string]*MemoryCounter
	gauges     map[string]*MemoryGauge
	histograms map[string]*MemoryHistogram
	mu         sync.RWMutex
	running    int32
}

func NewMemoryMetrics(ctx context.Context, logger types.Logger) *MemoryMetrics {
	return &MemoryMetrics{
		ctx:        ctx,
		logger:     logger,
		counters:   make(map[string]*MemoryCounter),
		gauges:     make(map[string]*MemoryGauge),
		histograms: make(map[string]*MemoryHistogram),
	}
}

func (m *MemoryMetrics) Start() error {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	m.logger.Info("Memory metrics started")
	return nil
}

func (m *MemoryMetrics) Stop() error {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return types.ErrServerNotRunning
	}
	m.logger.Info("Memory metrics stopped")
	return nil
}

func (m *MemoryMetrics) IsRunning() bool {
	return atomic.LoadInt32(&m.running) == 1
}

func (m *MemoryMetrics) Counter(name string, labels map[string]string) types.Counter {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if counter, exists := m.counters[key]; exists {
		return counter
	}

	counter := &MemoryCounter{name: name, labels: labels}
	m.counters[key] = counter
	return counter
}

func (m *MemoryMetrics) Gauge(name string, labels map[string]string) types.Gauge {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gauge, exists := m.gauges[key]; exists {
		return gauge
	}

	gauge := &MemoryGauge{name: name, labels: labels}
	m.gauges[key] = gauge
	return gauge
}

func (m *MemoryMetrics) Histogram(name string, buckets []float64, labels map[string]string) types.Histogram {
	key := seriesKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if histogram, exists := m.histograms[key]; exists {
		return histogram
	}

	histogram := &MemoryHistogram{
		name:    name,
		labels:  labels,
		buckets: append([]float64(nil), buckets...),
		counts:  make([]uint64, len(buckets)+1),
	}
	m.histograms[key] = histogram
	return histogram
}

func (m *MemoryMetrics) GetMetrics() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	metrics := make([]types.MetricValue, 0, len(m.counters)+len(m.gauges)+len(m.histograms))

	for _, counter := range m.counters {
		metrics = append(metrics, types.MetricValue{
			Name: counter.name, Type: "counter", Value: counter.Get(), Labels: counter.labels, Timestamp: now,
		})
	}
	for _, gauge := range m.gauges {
		metrics = append(metrics, types.MetricValue{
			Name: gauge.name, Type: "gauge", Value: gauge.Get(), Labels: gauge.labels, Timestamp: now,
		})
	}
	for _, histogram := range m.histograms {
		metrics = append(metrics, types.MetricValue{
			Name: histogram.name, Type: "histogram", Value: histogram.GetSum(), Labels: histogram.labels, Timestamp: now,
		})
	}

	sort.Slice(metrics, func(i, j int) bool {
		if metrics[i].Name != metrics[j].Name {
			return metrics[i].Name < metrics[j].Name
		}
		return seriesKey("", metrics[i].Labels) < seriesKey("", metrics[j].Labels)
	})

	return utils.Marshal(metrics)
}

func (m *MemoryMetrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		data, err := m.GetMetrics()
		if err != nil {
			m.logger.Error("Failed to collect memory metrics", zap.Error(err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}

	names := labelNames(labels)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range names {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func addFloat(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

type MemoryCounter struct {
	name   string
	labels map[string]string
	value  uint64
}

func (c *MemoryCounter) Inc() { c.Add(1) }

func (c *MemoryCounter) Add(value float64) {
	if value < 0 {
		return
	}
	addFloat(&c.value, value)
}

func (c *MemoryCounter) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&c.value))
}

type MemoryGauge struct {
	name   string
	labels map[string]string
	value  uint64
}

func (g *MemoryGauge) Set(value float64) {
	atomic.StoreUint64(&g.value, math.Float64bits(value))
}

func (g *MemoryGauge) Inc()              { addFloat(&g.value, 1) }
func (g *MemoryGauge) Dec()              { addFloat(&g.value, -1) }
func (g *MemoryGauge) Add(value float64) { addFloat(&g.value, value) }
func (g *MemoryGauge) Sub(value float64) { addFloat(&g.value, -value) }

func (g *MemoryGauge) Get() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.value))
}

type MemoryHistogram struct {
	name    string
	labels  map[string]string
	buckets []float64
	counts  []uint64
	sum     uint64
	count   uint64
}

func (h *MemoryHistogram) Observe(value float64) {
	atomic.AddUint64(&h.count, 1)
	addFloat(&h.sum, value)

	index := sort.SearchFloat64s(h.buckets, value)
	atomic.AddUint64(&h.counts[index], 1)
}

func (h *MemoryHistogram) ObserveDuration(start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

func (h *MemoryHistogram) GetCount() uint64 {
	return atomic.LoadUint64(&h.count)
}

func (h *MemoryHistogram) GetSum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}
