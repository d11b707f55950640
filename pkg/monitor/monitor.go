// Package monitor aggregates live metrics pushed by the other components and
// derives optimization recommendations from them. It performs no store I/O.
package monitor

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/logger"
	"github.com/ajitpratap0/nebulakv/pkg/nebulaerrors"
)

// Severity ranks how urgent a recommendation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RecommendationType names the dimension a recommendation is about.
type RecommendationType string

const (
	RecommendPoolUtilization    RecommendationType = "pool_utilization"
	RecommendBatchingEfficiency RecommendationType = "batching_efficiency"
	RecommendCacheHitRate       RecommendationType = "cache_hit_rate"
	RecommendQueryLatency       RecommendationType = "query_latency"
	RecommendMemory             RecommendationType = "memory"
)

// RecommendationRecord is one actionable finding derived from a snapshot.
type RecommendationRecord struct {
	Type                RecommendationType `json:"type"`
	Severity            Severity           `json:"severity"`
	Description         string             `json:"description"`
	Action              string             `json:"action"`
	ExpectedImprovement string             `json:"expected_improvement"`
}

// Snapshot is the monitor's current view. The Has* flags record which
// dimensions have been reported at least once.
type Snapshot struct {
	PoolUtilization    float64       `json:"pool_utilization"`
	BatchingEfficiency float64       `json:"batching_efficiency"`
	CacheHitRate       float64       `json:"cache_hit_rate"`
	LatencyP50         time.Duration `json:"latency_p50"`
	LatencyP95         time.Duration `json:"latency_p95"`
	LatencyP99         time.Duration `json:"latency_p99"`
	LatencySamples     int           `json:"latency_samples"`
	MemoryBytes        uint64        `json:"memory_bytes"`
	UpdatedAt          time.Time     `json:"updated_at"`

	HasPool    bool `json:"-"`
	HasBatch   bool `json:"-"`
	HasCache   bool `json:"-"`
	HasLatency bool `json:"-"`
	HasMemory  bool `json:"-"`
}

// Monitor is the performance monitor.
type Monitor struct {
	cfg    config.MonitorConfig
	logger *zap.Logger

	mu        sync.RWMutex
	snap      Snapshot
	latencies []time.Duration
	next      int

	proc     *process.Process
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Monitor. When SampleInterval is positive the process RSS is
// sampled on that interval.
func New(cfg config.MonitorConfig, log *zap.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid monitor configuration")
	}

	m := &Monitor{
		cfg:       cfg,
		logger:    logger.Or(log).With(zap.String("component", "performance_monitor")),
		latencies: make([]time.Duration, 0, cfg.LatencyWindow),
		done:      make(chan struct{}),
	}

	if cfg.SampleInterval > 0 {
		proc, err := process.NewProcess(int32(os.Getpid())) // #nosec G115 -- pid fits in int32
		if err != nil {
			m.logger.Warn("process memory sampling unavailable", zap.Error(err))
			close(m.done)
			return m, nil
		}
		m.proc = proc

		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		go m.sampleLoop(ctx)
	} else {
		close(m.done)
	}
	return m, nil
}

// UpdatePoolMetrics records the pool's current utilization in [0, 1].
func (m *Monitor) UpdatePoolMetrics(utilization float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.PoolUtilization = utilization
	m.snap.HasPool = true
	m.snap.UpdatedAt = time.Now()
}

// UpdateBatchMetrics records the batcher's batching efficiency in [0, 1].
func (m *Monitor) UpdateBatchMetrics(efficiency float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.BatchingEfficiency = efficiency
	m.snap.HasBatch = true
	m.snap.UpdatedAt = time.Now()
}

// UpdateCacheMetrics records the cache hit rate in [0, 1].
func (m *Monitor) UpdateCacheMetrics(hitRate float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.CacheHitRate = hitRate
	m.snap.HasCache = true
	m.snap.UpdatedAt = time.Now()
}

// UpdateMemoryMetrics records the process memory footprint in bytes.
func (m *Monitor) UpdateMemoryMetrics(bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.MemoryBytes = bytes
	m.snap.HasMemory = true
	m.snap.UpdatedAt = time.Now()
}

// RecordQueryLatency adds one latency sample to the sliding window and
// recomputes the percentiles.
func (m *Monitor) RecordQueryLatency(d time.Duration) {
	if m.cfg.LatencyWindow == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.latencies) < m.cfg.LatencyWindow {
		m.latencies = append(m.latencies, d)
	} else {
		m.latencies[m.next] = d
		m.next = (m.next + 1) % m.cfg.LatencyWindow
	}

	sorted := append([]time.Duration(nil), m.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	m.snap.LatencyP50 = percentile(sorted, 0.50)
	m.snap.LatencyP95 = percentile(sorted, 0.95)
	m.snap.LatencyP99 = percentile(sorted, 0.99)
	m.snap.LatencySamples = len(sorted)
	m.snap.HasLatency = true
	m.snap.UpdatedAt = time.Now()
}

// percentile uses the nearest-rank method on sorted samples.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	return sorted[rank]
}

// GetMetrics returns the current snapshot.
func (m *Monitor) GetMetrics() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// GenerateOptimizationRecommendations evaluates the current snapshot
// against the configured thresholds. It has no side effects and returns
// the same records for the same snapshot. Dimensions that were never
// reported are skipped.
func (m *Monitor) GenerateOptimizationRecommendations() []RecommendationRecord {
	return Evaluate(m.GetMetrics(), m.cfg)
}

// Evaluate derives recommendations from snap, one per offending dimension,
// in a fixed dimension order.
func Evaluate(snap Snapshot, cfg config.MonitorConfig) []RecommendationRecord {
	var recs []RecommendationRecord

	if snap.HasPool && snap.PoolUtilization > cfg.PoolUtilizationThreshold {
		sev := SeverityMedium
		if snap.PoolUtilization >= 0.95 {
			sev = SeverityHigh
		}
		recs = append(recs, RecommendationRecord{
			Type:     RecommendPoolUtilization,
			Severity: sev,
			Description: fmt.Sprintf("Connection pool utilization %.0f%% exceeds %.0f%%",
				snap.PoolUtilization*100, cfg.PoolUtilizationThreshold*100),
			Action:              "Increase pool.max_connections or shorten connection hold times",
			ExpectedImprovement: "Fewer acquire timeouts and lower queueing latency under peak load",
		})
	}

	if snap.HasBatch && snap.BatchingEfficiency < cfg.BatchingEfficiencyThreshold {
		sev := SeverityMedium
		if snap.BatchingEfficiency < cfg.BatchingEfficiencyThreshold/2 {
			sev = SeverityHigh
		}
		recs = append(recs, RecommendationRecord{
			Type:     RecommendBatchingEfficiency,
			Severity: sev,
			Description: fmt.Sprintf("Only %.0f%% of requests were batched, below %.0f%%",
				snap.BatchingEfficiency*100, cfg.BatchingEfficiencyThreshold*100),
			Action:              "Raise batcher.max_wait_time or submit independent requests concurrently",
			ExpectedImprovement: fmt.Sprintf("Up to %.0f%% fewer store round trips", (1-snap.BatchingEfficiency)*50),
		})
	}

	if snap.HasCache && snap.CacheHitRate < cfg.CacheHitRateThreshold {
		sev := SeverityMedium
		if snap.CacheHitRate < cfg.CacheHitRateThreshold/2 {
			sev = SeverityHigh
		}
		recs = append(recs, RecommendationRecord{
			Type:     RecommendCacheHitRate,
			Severity: sev,
			Description: fmt.Sprintf("Cache hit rate %.0f%% is below %.0f%%",
				snap.CacheHitRate*100, cfg.CacheHitRateThreshold*100),
			Action:              "Increase prefetch.max_cache_size or lower prefetch.prefetch_threshold",
			ExpectedImprovement: fmt.Sprintf("Hit rate closer to %.0f%%, reducing store reads", cfg.CacheHitRateThreshold*100),
		})
	}

	if snap.HasLatency && cfg.LatencyP95Threshold > 0 && snap.LatencyP95 > cfg.LatencyP95Threshold {
		sev := SeverityMedium
		switch {
		case snap.LatencyP95 > 4*cfg.LatencyP95Threshold:
			sev = SeverityCritical
		case snap.LatencyP95 > 2*cfg.LatencyP95Threshold:
			sev = SeverityHigh
		}
		recs = append(recs, RecommendationRecord{
			Type:     RecommendQueryLatency,
			Severity: sev,
			Description: fmt.Sprintf("Query p95 latency %s exceeds %s (p99 %s)",
				snap.LatencyP95, cfg.LatencyP95Threshold, snap.LatencyP99),
			Action:              "Enable optimizer result caching and query rewriting, or lower ef on hot queries",
			ExpectedImprovement: fmt.Sprintf("p95 back under %s for repeated queries", cfg.LatencyP95Threshold),
		})
	}

	memMB := float64(snap.MemoryBytes) / (1024 * 1024)
	if snap.HasMemory && cfg.MemoryThresholdMB > 0 && memMB > cfg.MemoryThresholdMB {
		sev := SeverityMedium
		if memMB > 1.5*cfg.MemoryThresholdMB {
			sev = SeverityHigh
		}
		recs = append(recs, RecommendationRecord{
			Type:                RecommendMemory,
			Severity:            sev,
			Description:         fmt.Sprintf("Process memory %.0f MB exceeds %.0f MB", memMB, cfg.MemoryThresholdMB),
			Action:              "Lower prefetch.max_cache_bytes or optimizer.max_cache_entries",
			ExpectedImprovement: fmt.Sprintf("Roughly %.0f MB reclaimed", memMB-cfg.MemoryThresholdMB),
		})
	}

	return recs
}

func (m *Monitor) sampleLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	m.sampleMemory(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleMemory(ctx)
		}
	}
}

func (m *Monitor) sampleMemory(ctx context.Context) {
	info, err := m.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Debug("failed to sample process memory", zap.Error(err))
		}
		return
	}
	m.UpdateMemoryMetrics(info.RSS)
}

// Stop cancels memory sampling. Stop is idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
	})
}
