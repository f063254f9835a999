package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

// stellarClient speaks the Soroban JSON-RPC surface. Ledgers play the role of
// blocks; contract invocations surface as invoke_host_function operations.
type stellarClient struct {
	rpc *rpc.Client
}

func newStellarClient(ctx context.Context, network model.Network) (*stellarClient, error) {
	c, err := rpc.DialContext(ctx, network.RPCURLs[0])
	if err != nil {
		return nil, fmt.Errorf("dialing stellar rpc for %s: %w", network.Slug, err)
	}
	return &stellarClient{rpc: c}, nil
}

type stellarLatestLedger struct {
	Sequence uint64 `json:"sequence"`
}

func (c *stellarClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var res stellarLatestLedger
	if err := c.rpc.CallContext(ctx, &res, "getLatestLedger"); err != nil {
		return 0, fmt.Errorf("getLatestLedger: %w", err)
	}
	return res.Sequence, nil
}

type stellarLedgersRequest struct {
	StartLedger uint64                   `json:"startLedger"`
	Pagination  stellarLedgersPagination `json:"pagination"`
}

type stellarLedgersPagination struct {
	Limit uint64 `json:"limit"`
}

type stellarLedgersResponse struct {
	Ledgers []stellarLedger `json:"ledgers"`
}

type stellarLedger struct {
	Sequence     uint64               `json:"sequence"`
	Hash         string               `json:"hash"`
	PrevHash     string               `json:"prevHash"`
	CloseTime    uint64               `json:"closeTime"`
	Transactions []stellarTransaction `json:"transactions"`
}

type stellarTransaction struct {
	Hash           string             `json:"hash"`
	SourceAccount  string             `json:"sourceAccount"`
	Operations     []stellarOperation `json:"operations"`
}

type stellarOperation struct {
	Type       string `json:"type"`
	ContractID string `json:"contractId,omitempty"`
}

func (c *stellarClient) Blocks(ctx context.Context, start uint64, end *uint64) ([]model.Block, error) {
	last := start
	if end != nil {
		last = *end
	}
	if last < start {
		return nil, fmt.Errorf("invalid ledger range [%d..%d]", start, last)
	}

	var res stellarLedgersResponse
	req := stellarLedgersRequest{
		StartLedger: start,
		Pagination:  stellarLedgersPagination{Limit: last - start + 1},
	}
	if err := c.rpc.CallContext(ctx, &res, "getLedgers", req); err != nil {
		return nil, fmt.Errorf("getLedgers: %w", err)
	}

	blocks := make([]model.Block, 0, len(res.Ledgers))
	for _, ledger := range res.Ledgers {
		if ledger.Sequence < start || ledger.Sequence > last {
			continue
		}
		blocks = append(blocks, convertStellarLedger(ledger))
	}
	return blocks, nil
}

func convertStellarLedger(ledger stellarLedger) model.Block {
	txs := make([]model.Transaction, 0, len(ledger.Transactions))
	for _, tx := range ledger.Transactions {
		ops := make([]model.Operation, 0, len(tx.Operations))
		for _, op := range tx.Operations {
			ops = append(ops, model.Operation{
				Type:       op.Type,
				ContractID: op.ContractID,
			})
		}
		txs = append(txs, model.Transaction{
			Hash:       tx.Hash,
			From:       tx.SourceAccount,
			Operations: ops,
		})
	}
	return model.Block{
		Height:       ledger.Sequence,
		Hash:         ledger.Hash,
		ParentHash:   ledger.PrevHash,
		Timestamp:    ledger.CloseTime,
		Transactions: txs,
	}
}

type stellarContractSpecRequest struct {
	ContractID string `json:"contractId"`
}

type stellarContractSpecResponse struct {
	Spec []byte `json:"spec"`
}

// ContractSpec fetches the on-chain Soroban contract interface, used to
// enrich monitored addresses that did not ship their own spec.
func (c *stellarClient) ContractSpec(ctx context.Context, contractID string) ([]byte, error) {
	var res stellarContractSpecResponse
	if err := c.rpc.CallContext(ctx, &res, "getContractSpec", stellarContractSpecRequest{ContractID: contractID}); err != nil {
		return nil, fmt.Errorf("getContractSpec %s: %w", contractID, err)
	}
	return res.Spec, nil
}

func (c *stellarClient) Close() {
	c.rpc.Close()
}
