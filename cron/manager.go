package cron

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-anime-cache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const (
	DefaultJobTimeout      = 5 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
)

type jobState struct {
	entry   types.JobEntry
	job     types.CronJob
	running atomic.Bool
}

type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	jobs            map[string]*jobState
	mu              sync.RWMutex
	state           atomic.Value
	shutdownTimeout time.Duration
	jobTimeout      time.Duration
}

func NewManager(ctx context.Context, logger types.Logger, config *types.CronConfig, metrics types.MetricsManager) *Manager {
	timezone := time.UTC
	if config != nil && config.Timezone != "" {
		if loc, err := time.LoadLocation(config.Timezone); err == nil {
			timezone = loc
		} else {
			logger.Warn("Unknown cron timezone, using UTC",
				zap.String("timezone", config.Timezone),
				zap.Error(err))
		}
	}

	cronL := cronLogger{logger: logger}

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(cronL)),
		),
		jobs:            make(map[string]*jobState),
		shutdownTimeout: DefaultShutdownTimeout,
		jobTimeout:      DefaultJobTimeout,
	}

	m.state.Store(StateStopped)

	return m
}

// Add schedules job under spec. Specs take an optional seconds field and
// the @every / @hourly descriptors.
func (m *Manager) Add(jobName, spec string, job types.CronJob) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}
	if spec == "" {
		return types.ErrCronExpressionInvalid
	}
	if job == nil {
		return types.ErrCronJobIsNil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[jobName]; exists {
		return types.Errorf(types.ErrCronJobExists, "%s", jobName)
	}

	js := &jobState{job: job}
	entryID, err := m.cron.AddFunc(spec, m.wrapJob(jobName, js))
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	js.entry = types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		AddedAt: time.Now(),
	}
	if cronEntry := m.cron.Entry(entryID); cronEntry.ID != 0 {
		js.entry.NextRun = cronEntry.Next
	}

	m.jobs[jobName] = js

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

func (m *Manager) Remove(jobName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	js, exists := m.jobs[jobName]
	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "%s", jobName)
	}

	m.cron.Remove(js.entry.ID)
	delete(m.jobs, jobName)

	m.logger.Info("Cron job removed", zap.String("job_name", jobName))
	return nil
}

func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]types.JobEntry, 0, len(m.jobs))
	for _, js := range m.jobs {
		entry := js.entry
		if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
			entry.NextRun = cronEntry.Next
		}
		jobs = append(jobs, entry)
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	return jobs
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.setState(StateRunning)
	m.setSchedulerStatus(1)

	m.logger.Info("Cron manager started", zap.Int("jobs", len(m.Jobs())))
	return nil
}

// Stop cancels running jobs and waits for them up to the shutdown timeout.
func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer m.setState(StateStopped)

	m.cancel()
	stopCtx := m.cron.Stop()
	m.setSchedulerStatus(0)

	timer := time.NewTimer(m.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-stopCtx.Done():
		m.logger.Info("Cron manager stopped gracefully")
		return nil
	case <-timer.C:
		m.logger.Warn("Cron manager stop timeout, some jobs are still running")
		return types.Errorf(types.ErrServerStopFailed, "cron: jobs still running after %v", m.shutdownTimeout)
	}
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

// RunNow executes a registered job synchronously, outside its schedule.
func (m *Manager) RunNow(jobName string) error {
	m.mu.RLock()
	js, exists := m.jobs[jobName]
	m.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "%s", jobName)
	}

	return m.execute(jobName, js)
}

func (m *Manager) wrapJob(jobName string, js *jobState) func() {
	return func() {
		_ = m.execute(jobName, js)
	}
}

// execute runs one job. A job still running from its previous tick is
// skipped rather than stacked.
func (m *Manager) execute(jobName string, js *jobState) (err error) {
	if !js.running.CompareAndSwap(false, true) {
		m.logger.Warn("Cron job still running, skipping tick", zap.String("job_name", jobName))
		return nil
	}
	defer js.running.Store(false)

	jobCtx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
	defer cancel()

	startTime := time.Now()
	m.logger.Debug("Cron job started", zap.String("job_name", jobName))

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = types.NewErrorf("job panic: %v", r)
			}
		}()
		err = js.job(jobCtx)
	}()

	duration := time.Since(startTime)
	m.finish(jobName, js, startTime, duration, err)

	if err != nil {
		m.logger.Error("Cron job failed",
			zap.String("job_name", jobName),
			zap.Duration("duration", duration),
			zap.Error(err))
		return err
	}

	m.logger.Debug("Cron job completed",
		zap.String("job_name", jobName),
		zap.Duration("duration", duration))

	return nil
}

func (m *Manager) finish(jobName string, js *jobState, startTime time.Time, duration time.Duration, err error) {
	m.mu.Lock()
	js.entry.LastRun = startTime
	js.entry.LastDuration = duration
	js.entry.RunCount++
	js.entry.LastError = ""
	if err != nil {
		js.entry.LastError = err.Error()
	}
	m.mu.Unlock()

	if m.metrics == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	m.metrics.Counter("cron_job_executions_total", map[string]string{
		"job_name": jobName,
		"result":   result,
	}).Inc()
	m.metrics.Histogram("cron_job_duration_seconds",
		[]float64{0.01, 0.1, 1.0, 10.0, 60.0, 300.0},
		map[string]string{"job_name": jobName},
	).Observe(duration.Seconds())
}

func (m *Manager) setSchedulerStatus(value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge("cron_scheduler_running", nil).Set(value)
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

// cronLogger adapts robfig's key/value logger to zap fields.
type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) fields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, l.fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(l.fields(keysAndValues), zap.Error(err))...)
}
