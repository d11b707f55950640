package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/testutil"
)

func newTestMonitor(t *testing.T, mutate func(*config.MonitorConfig)) *Monitor {
	t.Helper()
	cfg := config.Default().Monitor
	cfg.SampleInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m
}

func types(recs []RecommendationRecord) []RecommendationType {
	out := make([]RecommendationType, len(recs))
	for i, r := range recs {
		out[i] = r.Type
	}
	return out
}

func TestMonitor_NoRecommendationsBeforeReports(t *testing.T) {
	m := newTestMonitor(t, nil)
	assert.Empty(t, m.GenerateOptimizationRecommendations())
}

func TestMonitor_HealthySnapshot(t *testing.T) {
	m := newTestMonitor(t, nil)

	m.UpdatePoolMetrics(0.5)
	m.UpdateBatchMetrics(0.9)
	m.UpdateCacheMetrics(0.95)
	m.RecordQueryLatency(5 * time.Millisecond)
	m.UpdateMemoryMetrics(64 << 20)

	assert.Empty(t, m.GenerateOptimizationRecommendations())
}

func TestMonitor_RecommendationsPerDimension(t *testing.T) {
	m := newTestMonitor(t, nil)

	m.UpdatePoolMetrics(0.9)
	m.UpdateBatchMetrics(0.2)
	m.UpdateCacheMetrics(0.6)
	for i := 0; i < 20; i++ {
		m.RecordQueryLatency(250 * time.Millisecond)
	}
	m.UpdateMemoryMetrics(2048 << 20)

	recs := m.GenerateOptimizationRecommendations()
	assert.Equal(t, []RecommendationType{
		RecommendPoolUtilization,
		RecommendBatchingEfficiency,
		RecommendCacheHitRate,
		RecommendQueryLatency,
		RecommendMemory,
	}, types(recs))

	bySeverity := map[RecommendationType]Severity{}
	for _, r := range recs {
		bySeverity[r.Type] = r.Severity
		assert.NotEmpty(t, r.Description)
		assert.NotEmpty(t, r.Action)
		assert.NotEmpty(t, r.ExpectedImprovement)
	}
	assert.Equal(t, SeverityMedium, bySeverity[RecommendPoolUtilization])
	assert.Equal(t, SeverityHigh, bySeverity[RecommendBatchingEfficiency])
	assert.Equal(t, SeverityMedium, bySeverity[RecommendCacheHitRate])
	assert.Equal(t, SeverityHigh, bySeverity[RecommendQueryLatency])
	assert.Equal(t, SeverityHigh, bySeverity[RecommendMemory])
}

func TestMonitor_RecommendationsAreDeterministic(t *testing.T) {
	m := newTestMonitor(t, nil)
	m.UpdatePoolMetrics(0.99)
	m.UpdateCacheMetrics(0.1)

	first := m.GenerateOptimizationRecommendations()
	second := m.GenerateOptimizationRecommendations()
	assert.Equal(t, first, second)
	assert.Equal(t, m.GetMetrics(), m.GetMetrics())
}

func TestMonitor_OnlyReportedDimensionsAreEvaluated(t *testing.T) {
	m := newTestMonitor(t, nil)

	// zero-valued but reported batching efficiency is evaluated
	m.UpdateBatchMetrics(0)
	recs := m.GenerateOptimizationRecommendations()
	assert.Equal(t, []RecommendationType{RecommendBatchingEfficiency}, types(recs))
}

func TestMonitor_LatencyPercentiles(t *testing.T) {
	m := newTestMonitor(t, func(c *config.MonitorConfig) { c.LatencyWindow = 100 })

	for i := 1; i <= 100; i++ {
		m.RecordQueryLatency(time.Duration(i) * time.Millisecond)
	}

	snap := m.GetMetrics()
	assert.Equal(t, 50*time.Millisecond, snap.LatencyP50)
	assert.Equal(t, 95*time.Millisecond, snap.LatencyP95)
	assert.Equal(t, 99*time.Millisecond, snap.LatencyP99)
	assert.Equal(t, 100, snap.LatencySamples)

	// the window slides, old samples fall out
	for i := 0; i < 100; i++ {
		m.RecordQueryLatency(time.Millisecond)
	}
	snap = m.GetMetrics()
	assert.Equal(t, time.Millisecond, snap.LatencyP99)
	assert.Equal(t, 100, snap.LatencySamples)
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, time.Duration(0), percentile(nil, 0.95))
	assert.Equal(t, 3*time.Second, percentile([]time.Duration{3 * time.Second}, 0.5))
	assert.Equal(t, 2*time.Second, percentile([]time.Duration{time.Second, 2 * time.Second}, 0.95))
}

func TestMonitor_SamplesProcessMemory(t *testing.T) {
	m := newTestMonitor(t, func(c *config.MonitorConfig) { c.SampleInterval = 10 * time.Millisecond })

	if m.proc == nil {
		t.Skip("process metrics unavailable on this platform")
	}
	testutil.AssertEventually(t, func() bool {
		return m.GetMetrics().HasMemory
	}, time.Second, "memory never sampled")
	assert.Greater(t, m.GetMetrics().MemoryBytes, uint64(0))
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	m := newTestMonitor(t, func(c *config.MonitorConfig) { c.SampleInterval = 5 * time.Millisecond })

	m.Stop()
	assert.NotPanics(t, m.Stop)

	select {
	case <-m.done:
	default:
		t.Fatal("sampling loop still running after Stop")
	}
}
