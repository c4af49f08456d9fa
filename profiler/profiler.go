// Package profiler - Periodic runtime and pipeline status reporting.
package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to emit status reports (default: 10s)
	ReportInterval time.Duration
	// SampleInterval specifies how often collectors are polled (default: 1s)
	SampleInterval time.Duration
	// MaxSamples specifies the sliding window kept per series (default: 600)
	MaxSamples int
	// Logger receives the status reports.
	Logger *zap.Logger
}

// Summary is the windowed statistics of one series.
type Summary struct {
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Last    float64 `json:"last"`
	Samples int     `json:"samples"`
	Count   int64   `json:"count"`
}

// Stats is a snapshot of the profiler state.
type Stats struct {
	Uptime     time.Duration
	Goroutines int
	HeapAlloc  uint64
	NumGC      uint32
	// Metrics are custom and collector values.
	Metrics map[string]Summary
	// Operations are operation timings in milliseconds.
	Operations map[string]Summary
}

// series is a bounded window of samples.
type series struct {
	values []float64
	max    int
	count  int64
}

func (s *series) add(v float64) {
	s.values = append(s.values, v)
	if len(s.values) > s.max {
		s.values = s.values[1:]
	}
	s.count++
}

func (s *series) summary() Summary {
	out := Summary{Samples: len(s.values), Count: s.count}
	if len(s.values) == 0 {
		return out
	}
	out.Min, out.Max = s.values[0], s.values[0]
	sum := 0.0
	for _, v := range s.values {
		sum += v
		if v < out.Min {
			out.Min = v
		}
		if v > out.Max {
			out.Max = v
		}
	}
	out.Avg = sum / float64(len(s.values))
	out.Last = s.values[len(s.values)-1]
	return out
}

// RuntimeProfiler tracks custom metrics and operation timings and reports
// them, with a few runtime figures, at a fixed interval.
type RuntimeProfiler struct {
	reportInterval time.Duration
	sampleInterval time.Duration
	maxSamples     int
	logger         *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started time.Time
	running bool

	metrics    map[string]*series
	operations map[string]*series
	collectors []MetricsCollector
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
//   - opts: Configuration options for the profiler.
//
// Returns:
//   - *RuntimeProfiler: The profiler, not yet started.
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = time.Second
	}
	if opts.MaxSamples <= 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		maxSamples:     opts.MaxSamples,
		logger:         opts.Logger,
		ctx:            ctx,
		cancel:         cancel,
		started:        time.Now(),
		metrics:        make(map[string]*series),
		operations:     make(map[string]*series),
	}
}

// Start launches the sampling and reporting goroutines. Calling it on a
// running profiler does nothing.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running || rp.ctx.Err() != nil {
		return
	}
	rp.running = true
	rp.started = time.Now()

	rp.wg.Add(2)
	go rp.every(rp.sampleInterval, rp.Sample)
	go rp.every(rp.reportInterval, rp.report)
}

// Stop halts the background goroutines and emits a final report.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	rp.mu.Unlock()

	rp.cancel()
	rp.wg.Wait()
	rp.Sample()
	rp.report()
}

func (rp *RuntimeProfiler) every(interval time.Duration, fn func()) {
	defer rp.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// AddMetricsCollector registers a collector polled on every sample.
//
// Arguments:
//   - collector: An implementation of MetricsCollector.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// RecordMetric records a custom metric value.
//
// Arguments:
//   - name: The name of the metric.
//   - value: The metric value to record.
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.record(rp.metrics, name, value)
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call when the operation completes.
//
// @example
//
//	done := rp.StartOperation("infer")
//	detections, err := detector.Detect(frame)
//	done()
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		ms := float64(time.Since(start)) / float64(time.Millisecond)
		rp.mu.Lock()
		defer rp.mu.Unlock()
		rp.record(rp.operations, name, ms)
	}
}

// Sample polls every registered collector once.
func (rp *RuntimeProfiler) Sample() {
	rp.mu.Lock()
	collectors := append([]MetricsCollector(nil), rp.collectors...)
	rp.mu.Unlock()

	// Collectors run unlocked; they may take their own locks.
	for _, collector := range collectors {
		values := collector.CollectMetrics()
		rp.mu.Lock()
		for name, value := range values {
			rp.record(rp.metrics, name, value)
		}
		rp.mu.Unlock()
	}
}

func (rp *RuntimeProfiler) record(into map[string]*series, name string, value float64) {
	s, ok := into[name]
	if !ok {
		s = &series{max: rp.maxSamples}
		into[name] = s
	}
	s.add(value)
}

// GetCurrentStats returns a snapshot of the profiler state.
func (rp *RuntimeProfiler) GetCurrentStats() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rp.mu.Lock()
	defer rp.mu.Unlock()

	stats := Stats{
		Uptime:     time.Since(rp.started),
		Goroutines: runtime.NumGoroutine(),
		HeapAlloc:  mem.HeapAlloc,
		NumGC:      mem.NumGC,
		Metrics:    make(map[string]Summary, len(rp.metrics)),
		Operations: make(map[string]Summary, len(rp.operations)),
	}
	for name, s := range rp.metrics {
		stats.Metrics[name] = s.summary()
	}
	for name, s := range rp.operations {
		stats.Operations[name] = s.summary()
	}
	return stats
}

// report logs one status line per series plus a runtime summary.
func (rp *RuntimeProfiler) report() {
	stats := rp.GetCurrentStats()

	rp.logger.Info("runtime status",
		zap.Duration("uptime", stats.Uptime.Truncate(time.Millisecond)),
		zap.Int("goroutines", stats.Goroutines),
		zap.Uint64("heap_alloc", stats.HeapAlloc),
		zap.Uint32("gc_cycles", stats.NumGC))

	for _, name := range sortedKeys(stats.Metrics) {
		m := stats.Metrics[name]
		rp.logger.Info("metric",
			zap.String("name", name),
			zap.Float64("last", m.Last),
			zap.Float64("avg", m.Avg),
			zap.Float64("min", m.Min),
			zap.Float64("max", m.Max))
	}
	for _, name := range sortedKeys(stats.Operations) {
		op := stats.Operations[name]
		rp.logger.Info("operation timing",
			zap.String("name", name),
			zap.Float64("avg_ms", op.Avg),
			zap.Float64("min_ms", op.Min),
			zap.Float64("max_ms", op.Max),
			zap.Int64("count", op.Count))
	}
}

func sortedKeys(m map[string]Summary) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
