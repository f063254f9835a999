package model

import (
	"time"

	"github.com/google/uuid"
)

// Operation is a single operation inside a Stellar transaction envelope.
// Only the fields the match pipeline needs are retained.
type Operation struct {
	Type       string `json:"type"`
	ContractID string `json:"contract_id,omitempty"`
}

// Transaction is the chain-agnostic view of a transaction used by the filter
// and match pipeline. To is empty for contract-creation transactions.
type Transaction struct {
	Hash       string      `json:"hash"`
	From       string      `json:"from,omitempty"`
	To         string      `json:"to,omitempty"`
	Value      string      `json:"value,omitempty"`
	Input      string      `json:"input,omitempty"`
	Operations []Operation `json:"operations,omitempty"`
}

// Block is the unit of chain progress for a network, identified by height.
type Block struct {
	Height       uint64        `json:"height"`
	Hash         string        `json:"hash"`
	ParentHash   string        `json:"parent_hash,omitempty"`
	Timestamp    uint64        `json:"timestamp"`
	Transactions []Transaction `json:"transactions"`
}

// BlockEvent is broadcast by the shared block watcher to all subscribed
// workers. Blocks are contiguous and ordered by height ascending, and events
// for the same network are emitted in height order.
type BlockEvent struct {
	Network   Network   `json:"network"`
	Blocks    []Block   `json:"blocks"`
	Timestamp time.Time `json:"timestamp"`
}

// MonitorMatch is a raw match produced by the filter engine, before trigger
// conditions are applied.
type MonitorMatch struct {
	NetworkSlug string      `json:"network_slug"`
	NetworkType NetworkType `json:"network_type"`
	BlockHeight uint64      `json:"block_height"`
	Transaction Transaction `json:"transaction"`
	MonitorName string      `json:"monitor_name,omitempty"`
}

// TenantMonitorMatch attributes a match to the tenant and monitor it belongs
// to; this is the unit handed to trigger execution.
type TenantMonitorMatch struct {
	TenantID    uuid.UUID    `json:"tenant_id"`
	MonitorName string       `json:"monitor_name"`
	Match       MonitorMatch `json:"match"`
}
