package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/oz-monitor/orchestrator/pkg/model"
)

// evmClient speaks the standard Ethereum JSON-RPC surface. It works against
// any EVM compatible chain.
type evmClient struct {
	rpc *rpc.Client
}

func newEVMClient(ctx context.Context, network model.Network) (*evmClient, error) {
	c, err := rpc.DialContext(ctx, network.RPCURLs[0])
	if err != nil {
		return nil, fmt.Errorf("dialing evm rpc for %s: %w", network.Slug, err)
	}
	return &evmClient{rpc: c}, nil
}

func (c *evmClient) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var number hexutil.Uint64
	if err := c.rpc.CallContext(ctx, &number, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("eth_blockNumber: %w", err)
	}
	return uint64(number), nil
}

// evmBlock mirrors the subset of eth_getBlockByNumber we consume.
type evmBlock struct {
	Number       hexutil.Uint64   `json:"number"`
	Hash         string           `json:"hash"`
	ParentHash   string           `json:"parentHash"`
	Timestamp    hexutil.Uint64   `json:"timestamp"`
	Transactions []evmTransaction `json:"transactions"`
}

type evmTransaction struct {
	Hash  string         `json:"hash"`
	From  string         `json:"from"`
	To    *string        `json:"to"`
	Value *hexutil.Big   `json:"value"`
	Input hexutil.Bytes  `json:"input"`
}

func (c *evmClient) Blocks(ctx context.Context, start uint64, end *uint64) ([]model.Block, error) {
	last := start
	if end != nil {
		last = *end
	}
	if last < start {
		return nil, fmt.Errorf("invalid block range [%d..%d]", start, last)
	}

	// one batched round trip for the whole range
	batch := make([]rpc.BatchElem, 0, last-start+1)
	results := make([]*evmBlock, 0, last-start+1)
	for n := start; n <= last; n++ {
		blk := new(evmBlock)
		results = append(results, blk)
		batch = append(batch, rpc.BatchElem{
			Method: "eth_getBlockByNumber",
			Args:   []interface{}{hexutil.EncodeUint64(n), true},
			Result: blk,
		})
	}
	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber batch: %w", err)
	}

	blocks := make([]model.Block, 0, len(results))
	for i, blk := range results {
		if batch[i].Error != nil {
			return nil, fmt.Errorf("eth_getBlockByNumber %d: %w", start+uint64(i), batch[i].Error)
		}
		blocks = append(blocks, convertEVMBlock(blk))
	}
	return blocks, nil
}

func convertEVMBlock(blk *evmBlock) model.Block {
	txs := make([]model.Transaction, 0, len(blk.Transactions))
	for _, tx := range blk.Transactions {
		to := ""
		if tx.To != nil {
			to = *tx.To
		}
		value := ""
		if tx.Value != nil {
			// decimal wei, not the wire's hex quantity
			value = tx.Value.ToInt().String()
		}
		txs = append(txs, model.Transaction{
			Hash:  tx.Hash,
			From:  tx.From,
			To:    to,
			Value: value,
			Input: tx.Input.String(),
		})
	}
	return model.Block{
		Height:       uint64(blk.Number),
		Hash:         blk.Hash,
		ParentHash:   blk.ParentHash,
		Timestamp:    uint64(blk.Timestamp),
		Transactions: txs,
	}
}

// ContractSpec returns nil for EVM chains: ABIs are off-chain artifacts, so
// tenants ship them with the monitor instead.
func (c *evmClient) ContractSpec(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}

func (c *evmClient) Close() {
	c.rpc.Close()
}
