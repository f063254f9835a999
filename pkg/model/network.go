package model

import "time"

// NetworkType identifies the family of chain a network belongs to.
type NetworkType string

const (
	NetworkTypeEVM     NetworkType = "EVM"
	NetworkTypeStellar NetworkType = "Stellar"
	NetworkTypeOther   NetworkType = "Other"
)

// Network describes one blockchain network the orchestrator can watch.
// Instances are immutable once loaded from the tenant store.
type Network struct {
	Slug               string      `json:"slug" yaml:"slug"`
	Name               string      `json:"name" yaml:"name"`
	NetworkType        NetworkType `json:"network_type" yaml:"network_type"`
	ConfirmationBlocks uint64      `json:"confirmation_blocks" yaml:"confirmation_blocks"`
	RPCURLs            []string    `json:"rpc_urls" yaml:"rpc_urls"`

	// CronSchedule is an opaque poll-schedule hint carried through from the
	// tenant configuration. The watcher currently derives its poll interval
	// from NetworkType instead of parsing this.
	CronSchedule string `json:"cron_schedule,omitempty" yaml:"cron_schedule,omitempty"`
}

// NetworkTypeFromBlockchain maps the repository's free-form blockchain column
// to a network type. Unknown chains poll on the conservative schedule.
func NetworkTypeFromBlockchain(blockchain string) NetworkType {
	switch blockchain {
	case "evm", "EVM", "ethereum":
		return NetworkTypeEVM
	case "stellar", "Stellar":
		return NetworkTypeStellar
	default:
		return NetworkTypeOther
	}
}

// PollInterval returns how long the block watcher sleeps between scan
// iterations for this network. Intentionally coarser than block time: a scan
// iteration covers the whole missed range.
func (n *Network) PollInterval() time.Duration {
	switch n.NetworkType {
	case NetworkTypeEVM:
		return 15 * time.Second
	case NetworkTypeStellar:
		return 5 * time.Second
	default:
		return 30 * time.Second
	}
}
