package model

import (
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the lifecycle state of a tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantTrial     TenantStatus = "trial"
	TenantInactive  TenantStatus = "inactive"
)

// TenantPriority orders tenants for priority-based reassignment.
type TenantPriority int

const (
	PriorityLow      TenantPriority = 1
	PriorityNormal   TenantPriority = 2
	PriorityHigh     TenantPriority = 3
	PriorityCritical TenantPriority = 4
)

// TenantInfo is the orchestrator's view of a tenant account.
type TenantInfo struct {
	ID                      uuid.UUID      `json:"id"`
	Name                    string         `json:"name"`
	Status                  TenantStatus   `json:"status"`
	Priority                TenantPriority `json:"priority"`
	MaxMonitors             int            `json:"max_monitors"`
	MaxRPCRequestsPerMinute uint32         `json:"max_rpc_requests_per_minute"`
	CreatedAt               time.Time      `json:"created_at"`
	LastActiveAt            time.Time      `json:"last_active_at"`
}

// Active reports whether the tenant's monitors should be processed.
func (t *TenantInfo) Active() bool {
	return t.Status == TenantActive || t.Status == TenantTrial
}
