package observability

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics collects and aggregates metrics for semantic operations.
type Metrics struct {
	mu sync.Mutex

	// Counters
	requestTotal   atomic.Int64
	requestFailed  atomic.Int64
	fallbackChunks atomic.Int64
	embeddedChunks atomic.Int64

	// Operation-specific metrics
	operations map[string]*OperationMetrics

	// Duration window
	durations    []time.Duration
	maxDurations int
}

// OperationMetrics represents metrics for a specific operation (embed, search, similar, cluster).
type OperationMetrics struct {
	executionCount atomic.Int64
	totalDuration  atomic.Int64 // milliseconds
	errorCount     atomic.Int64
}

// NewMetrics creates a new metrics collector.
func NewMetrics(maxDurations int) *Metrics {
	if maxDurations <= 0 {
		maxDurations = 1000 // Default to keeping last 1000 durations
	}
	return &Metrics{
		operations:   make(map[string]*OperationMetrics),
		durations:    make([]time.Duration, 0, maxDurations),
		maxDurations: maxDurations,
	}
}

// RecordRequest records a request.
func (m *Metrics) RecordRequest(operation string) {
	m.requestTotal.Add(1)
	m.operation(operation).executionCount.Add(1)
}

// RecordFailure records a failed request.
func (m *Metrics) RecordFailure(operation string) {
	m.requestFailed.Add(1)
	m.operation(operation).errorCount.Add(1)
}

// RecordDuration records a request duration.
func (m *Metrics) RecordDuration(operation string, duration time.Duration) {
	om := m.operation(operation)
	om.totalDuration.Add(duration.Milliseconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.durations) >= m.maxDurations {
		m.durations = m.durations[1:]
	}
	m.durations = append(m.durations, duration)
}

// RecordChunks records embedded chunks and how many of them used fallback vectors.
func (m *Metrics) RecordChunks(total, fallback int) {
	m.embeddedChunks.Add(int64(total))
	m.fallbackChunks.Add(int64(fallback))
}

func (m *Metrics) operation(name string) *OperationMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	om, ok := m.operations[name]
	if !ok {
		om = &OperationMetrics{}
		m.operations[name] = om
	}
	return om
}

// Reset resets all metrics.
func (m *Metrics) Reset() {
	m.requestTotal.Store(0)
	m.requestFailed.Store(0)
	m.fallbackChunks.Store(0)
	m.embeddedChunks.Store(0)

	m.mu.Lock()
	m.operations = make(map[string]*OperationMetrics)
	m.durations = make([]time.Duration, 0, m.maxDurations)
	m.mu.Unlock()
}

// Snapshot returns a snapshot of current metrics.
func (m *Metrics) Snapshot() *MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	operations := make(map[string]*OperationMetricsSnapshot, len(m.operations))
	for name, om := range m.operations {
		count := om.executionCount.Load()
		total := om.totalDuration.Load()
		var avg int64
		if count > 0 {
			avg = total / count
		}
		operations[name] = &OperationMetricsSnapshot{
			ExecutionCount:  count,
			TotalDuration:   total,
			ErrorCount:      om.errorCount.Load(),
			AverageDuration: avg,
		}
	}

	return &MetricsSnapshot{
		RequestTotal:   m.requestTotal.Load(),
		RequestFailed:  m.requestFailed.Load(),
		EmbeddedChunks: m.embeddedChunks.Load(),
		FallbackChunks: m.fallbackChunks.Load(),
		Operations:     operations,
		P95DurationMs:  percentile(m.durations, 0.95).Milliseconds(),
	}
}

func percentile(durations []time.Duration, p float64) time.Duration {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

// MetricsSnapshot represents a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	RequestTotal   int64                                `json:"request_total"`
	RequestFailed  int64                                `json:"request_failed"`
	EmbeddedChunks int64                                `json:"embedded_chunks"`
	FallbackChunks int64                                `json:"fallback_chunks"`
	Operations     map[string]*OperationMetricsSnapshot `json:"operations"`
	P95DurationMs  int64                                `json:"p95_duration_ms"`
}

// OperationMetricsSnapshot represents metrics for a specific operation.
type OperationMetricsSnapshot struct {
	ExecutionCount  int64 `json:"execution_count"`
	TotalDuration   int64 `json:"total_duration_ms"`
	ErrorCount      int64 `json:"error_count"`
	AverageDuration int64 `json:"average_duration_ms"`
}

// SuccessRate returns the success rate as a percentage (0-100).
func (s *MetricsSnapshot) SuccessRate() float64 {
	if s.RequestTotal == 0 {
		return 100.0
	}
	return float64(s.RequestTotal-s.RequestFailed) / float64(s.RequestTotal) * 100.0
}
