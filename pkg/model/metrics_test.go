package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActivityScore(t *testing.T) {
	tests := []struct {
		name     string
		metrics  TenantMetrics
		expected float64
	}{
		{
			name:     "idle tenant",
			metrics:  TenantMetrics{},
			expected: 0.0,
		},
		{
			name: "saturated tenant clamps to 1",
			metrics: TenantMetrics{
				AvgRPCCallsPerMinute: 10000,
				AvgFilterComplexity:  100,
				TotalMatchesLastHour: 100000,
			},
			expected: 1.0,
		},
		{
			name: "weighted mix",
			metrics: TenantMetrics{
				AvgRPCCallsPerMinute: 50,   // 0.5 * 0.4
				AvgFilterComplexity:  5,    // 0.5 * 0.3
				TotalMatchesLastHour: 500,  // 0.5 * 0.3
			},
			expected: 0.5,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, tc.metrics.ActivityScore(), 1e-9)
		})
	}
}

func TestActivityScoreMonotone(t *testing.T) {
	lo := TenantMetrics{AvgRPCCallsPerMinute: 10, AvgFilterComplexity: 1, TotalMatchesLastHour: 10}
	hi := TenantMetrics{AvgRPCCallsPerMinute: 20, AvgFilterComplexity: 2, TotalMatchesLastHour: 20}
	assert.LessOrEqual(t, lo.ActivityScore(), hi.ActivityScore())
}

func TestLoadScoreAndHealth(t *testing.T) {
	m := WorkerMetrics{WorkerID: "w1", TenantCount: 25, CPUUsage: 50, MemoryUsage: 50}
	// 0.4*0.5 + 0.4*0.5 + 0.2*0.5
	assert.InDelta(t, 0.5, m.LoadScore(), 1e-9)
	assert.True(t, m.Healthy())

	m.CPUUsage = 95
	assert.False(t, m.Healthy())

	m = WorkerMetrics{CPUUsage: 50, MemoryUsage: 50, ErrorsLastHour: 10}
	assert.False(t, m.Healthy())
}

func TestSystemHealthScore(t *testing.T) {
	m := SystemMetrics{
		ActiveWorkers: 2,
		ActiveTenants: 10,
		CacheHitRate:  0.9,
		AvgBlockLag:   5,
		CollectedAt:   time.Now(),
	}
	m.CalculateHealthScore()
	assert.InDelta(t, 100.0, m.HealthScore, 1e-9)
	assert.True(t, m.Healthy())

	m.CacheHitRate = 0.4
	m.AvgBlockLag = 200
	m.ActiveWorkers = 0
	m.ActiveTenants = 100
	m.CalculateHealthScore()
	assert.InDelta(t, 45.0, m.HealthScore, 1e-9)
	assert.False(t, m.Healthy())
}

func TestReassignIncrementsVersion(t *testing.T) {
	tid := uuid.New()
	a := NewTenantAssignment(tid, "worker-a", ReasonInitial)
	require.Equal(t, uint32(1), a.Version)

	b := a.Reassign("worker-b", ReasonLoadRebalance)
	assert.Equal(t, tid, b.TenantID)
	assert.Equal(t, "worker-b", b.WorkerID)
	assert.Equal(t, uint32(2), b.Version)
	assert.Equal(t, ReasonLoadRebalance, b.Reason)
}
