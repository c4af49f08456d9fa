package profiler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type MockCollector struct {
	frames float64
}

func (m *MockCollector) CollectMetrics() map[string]float64 {
	m.frames++
	return map[string]float64{"frames": m.frames}
}

func TestRecordMetricWindow(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{MaxSamples: 3})
	for _, v := range []float64{1, 2, 3, 4, 5} {
		rp.RecordMetric("records", v)
	}

	m := rp.GetCurrentStats().Metrics["records"]
	assert.Equal(t, 3, m.Samples)
	assert.Equal(t, int64(5), m.Count)
	assert.Equal(t, 3.0, m.Min)
	assert.Equal(t, 5.0, m.Max)
	assert.Equal(t, 4.0, m.Avg)
	assert.Equal(t, 5.0, m.Last)
}

func TestStartOperation(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	done := rp.StartOperation("infer")
	time.Sleep(2 * time.Millisecond)
	done()

	op, ok := rp.GetCurrentStats().Operations["infer"]
	require.True(t, ok)
	assert.Equal(t, int64(1), op.Count)
	assert.GreaterOrEqual(t, op.Max, 2.0)
}

func TestSamplePollsCollectors(t *testing.T) {
	rp := NewRuntimeProfiler(ProfilingOptions{})
	rp.AddMetricsCollector(&MockCollector{})

	rp.Sample()
	rp.Sample()

	m := rp.GetCurrentStats().Metrics["frames"]
	assert.Equal(t, 2.0, m.Last)
	assert.Equal(t, 2, m.Samples)
}

func TestStopEmitsReport(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	rp := NewRuntimeProfiler(ProfilingOptions{
		ReportInterval: time.Hour,
		SampleInterval: time.Hour,
		Logger:         zap.New(core),
	})
	rp.AddMetricsCollector(&MockCollector{})
	rp.StartOperation("publish")()

	rp.Start()
	rp.Start()
	rp.Stop()
	rp.Stop()

	assert.Equal(t, 1, logs.FilterMessage("runtime status").Len())
	assert.Equal(t, 1, logs.FilterMessage("metric").FilterField(zap.String("name", "frames")).Len())
	assert.Equal(t, 1, logs.FilterMessage("operation timing").Len())
}
