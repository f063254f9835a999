package model

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentReason records why a tenant was bound to a worker.
type AssignmentReason string

const (
	ReasonInitial        AssignmentReason = "initial"
	ReasonLoadRebalance  AssignmentReason = "load_rebalance"
	ReasonWorkerFailure  AssignmentReason = "worker_failure"
	ReasonManual         AssignmentReason = "manual"
	ReasonScaling        AssignmentReason = "scaling"
	ReasonPriorityChange AssignmentReason = "priority_change"
)

// TenantAssignment binds a tenant to a worker. For any tenant there is at
// most one current assignment; replacements increment Version.
type TenantAssignment struct {
	TenantID   uuid.UUID        `json:"tenant_id"`
	WorkerID   string           `json:"worker_id"`
	AssignedAt time.Time        `json:"assigned_at"`
	Version    uint32           `json:"version"`
	Reason     AssignmentReason `json:"reason"`
}

// NewTenantAssignment creates a first-version assignment.
func NewTenantAssignment(tenantID uuid.UUID, workerID string, reason AssignmentReason) TenantAssignment {
	return TenantAssignment{
		TenantID:   tenantID,
		WorkerID:   workerID,
		AssignedAt: time.Now().UTC(),
		Version:    1,
		Reason:     reason,
	}
}

// Reassign returns a replacement assignment with the version incremented.
func (a TenantAssignment) Reassign(workerID string, reason AssignmentReason) TenantAssignment {
	return TenantAssignment{
		TenantID:   a.TenantID,
		WorkerID:   workerID,
		AssignedAt: time.Now().UTC(),
		Version:    a.Version + 1,
		Reason:     reason,
	}
}

// WorkerAssignment summarizes the tenants bound to one worker.
type WorkerAssignment struct {
	WorkerID  string      `json:"worker_id"`
	TenantIDs []uuid.UUID `json:"tenant_ids"`
	LoadScore float64     `json:"load_score"`
	UpdatedAt time.Time   `json:"updated_at"`
}
