package model

import (
	"time"

	"github.com/google/uuid"
)

// WorkerMetrics is a point-in-time snapshot of one worker's load.
type WorkerMetrics struct {
	WorkerID            string    `json:"worker_id"`
	TenantCount         int       `json:"tenant_count"`
	CPUUsage            float64   `json:"cpu_usage"`    // percent, 0-100
	MemoryUsage         float64   `json:"memory_usage"` // percent, 0-100
	RPCRate             float64   `json:"rpc_rate"`     // calls per second
	AvgProcessingTimeMS float64   `json:"avg_processing_time_ms"`
	ErrorsLastHour      int       `json:"errors_last_hour"`
	UptimeSeconds       uint64    `json:"uptime_seconds"`
	CollectedAt         time.Time `json:"collected_at"`
}

// LoadScore folds CPU, memory and tenant count into [0,1].
func (m *WorkerMetrics) LoadScore() float64 {
	cpu := m.CPUUsage / 100.0
	mem := m.MemoryUsage / 100.0
	tenants := min1(float64(m.TenantCount) / 50.0)
	return min1(cpu*0.4 + mem*0.4 + tenants*0.2)
}

// Healthy reports whether the worker is fit to take new tenants.
func (m *WorkerMetrics) Healthy() bool {
	return m.CPUUsage < 90.0 && m.MemoryUsage < 90.0 && m.ErrorsLastHour < 10
}

// TenantMetrics is a point-in-time snapshot of one tenant's activity.
type TenantMetrics struct {
	TenantID                 uuid.UUID `json:"tenant_id"`
	MonitorsCount            int       `json:"monitors_count"`
	AvgRPCCallsPerMinute     float64   `json:"avg_rpc_calls_per_minute"`
	AvgFilterComplexity      float64   `json:"avg_filter_complexity"`
	TotalMatchesLastHour     int       `json:"total_matches_last_hour"`
	NotificationsSentLastHour int      `json:"notifications_sent_last_hour"`
	LastActive               time.Time `json:"last_active"`
	CollectedAt              time.Time `json:"collected_at"`
}

// ActivityScore folds RPC rate, filter complexity and match volume into
// [0,1]. Monotone in each component.
func (m *TenantMetrics) ActivityScore() float64 {
	rpc := min1(m.AvgRPCCallsPerMinute / 100.0)
	complexity := min1(m.AvgFilterComplexity / 10.0)
	matches := min1(float64(m.TotalMatchesLastHour) / 1000.0)
	return min1(rpc*0.4 + complexity*0.3 + matches*0.3)
}

// SystemMetrics aggregates fleet-wide health.
type SystemMetrics struct {
	ActiveWorkers        int       `json:"active_workers"`
	ActiveTenants        int       `json:"active_tenants"`
	TotalMonitors        int       `json:"total_monitors"`
	TotalRPCRate         float64   `json:"total_rpc_rate"`
	CacheHitRate         float64   `json:"cache_hit_rate"` // 0-1
	AvgBlockLag          float64   `json:"avg_block_lag"`
	TotalMatchesLastHour int       `json:"total_matches_last_hour"`
	HealthScore          float64   `json:"health_score"` // 0-100
	CollectedAt          time.Time `json:"collected_at"`
}

// Healthy reports whether the fleet as a whole is in good shape.
func (m *SystemMetrics) Healthy() bool {
	return m.HealthScore >= 70.0
}

// CalculateHealthScore derives HealthScore from block lag, cache hit rate
// and tenant-per-worker pressure.
func (m *SystemMetrics) CalculateHealthScore() {
	score := 100.0

	switch {
	case m.AvgBlockLag > 100.0:
		score -= 20.0
	case m.AvgBlockLag > 50.0:
		score -= 10.0
	}

	switch {
	case m.CacheHitRate < 0.5:
		score -= 20.0
	case m.CacheHitRate < 0.7:
		score -= 10.0
	}

	workers := m.ActiveWorkers
	if workers < 1 {
		workers = 1
	}
	if float64(m.ActiveTenants)/float64(workers) > 60.0 {
		score -= 15.0
	}

	if score < 0 {
		score = 0
	}
	m.HealthScore = score
}

func min1(v float64) float64 {
	if v > 1.0 {
		return 1.0
	}
	return v
}
