// Package chain abstracts read access to blockchain RPC nodes. A Client
// answers three questions: what is the newest final block, what happened in a
// block range, and what does a contract look like. Implementations exist for
// EVM and Stellar style networks, plus a caching decorator shared by all of
// them.
package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

// ErrNoRPCURLs is returned when a network carries no usable RPC endpoints.
var ErrNoRPCURLs = errors.New("network has no rpc urls")

// Client reads chain state for one network.
type Client interface {
	// LatestBlockNumber returns the newest block height the node knows of,
	// before confirmation depth is applied.
	LatestBlockNumber(ctx context.Context) (uint64, error)

	// Blocks fetches the inclusive range [start..end]. A nil end means the
	// single block at start.
	Blocks(ctx context.Context, start uint64, end *uint64) ([]model.Block, error)

	// ContractSpec fetches the interface description of a contract, when the
	// chain can provide one. Chains without on-chain specs return nil, nil.
	ContractSpec(ctx context.Context, contractID string) ([]byte, error)

	// Close releases the underlying connection.
	Close()
}

// New dials a client appropriate for the network's type.
func New(ctx context.Context, network model.Network) (Client, error) {
	if len(network.RPCURLs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRPCURLs, network.Slug)
	}

	switch network.NetworkType {
	case model.NetworkTypeEVM:
		return newEVMClient(ctx, network)
	case model.NetworkTypeStellar:
		return newStellarClient(ctx, network)
	default:
		return nil, fmt.Errorf("unsupported network type %q for network %s", network.NetworkType, network.Slug)
	}
}
