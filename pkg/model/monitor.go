package model

import "encoding/json"

// AddressWithSpec is a watched address, optionally carrying the contract
// interface specification (ABI or similar) needed to decode its calls.
type AddressWithSpec struct {
	Address      string          `json:"address"`
	ContractSpec json.RawMessage `json:"contract_spec,omitempty"`
}

// TriggerCondition is an executable predicate that gates a monitor match.
// Evaluation is fail-open: a broken script must not suppress a match.
type TriggerCondition struct {
	Script    string   `json:"script"`
	Language  string   `json:"language"`
	TimeoutMS uint32   `json:"timeout_ms"`
	Arguments []string `json:"arguments,omitempty"`
}

// Monitor is a tenant-authored declaration of what to watch and how.
// Unique per (tenant, name).
type Monitor struct {
	Name              string             `json:"name"`
	Networks          []string           `json:"networks"`
	Addresses         []AddressWithSpec  `json:"addresses"`
	MatchConditions   []string           `json:"match_conditions,omitempty"`
	Triggers          []string           `json:"triggers,omitempty"`
	TriggerConditions []TriggerCondition `json:"trigger_conditions,omitempty"`
}

// WatchesNetwork reports whether the monitor applies to the given slug.
func (m *Monitor) WatchesNetwork(slug string) bool {
	for _, n := range m.Networks {
		if n == slug {
			return true
		}
	}
	return false
}

// Trigger is a tenant-authored action executed when a monitor matches.
// Unique per (tenant, name). Configuration is opaque to the orchestrator and
// interpreted by the trigger executor.
type Trigger struct {
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// Script is a named executable fragment resolvable by trigger conditions.
type Script struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Content  string `json:"content"`
}
