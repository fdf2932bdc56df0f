package tendermint

import (
	"context"
	"fmt"

	rpchttp "github.com/tendermint/tendermint/rpc/client/http"
	ctypes "github.com/tendermint/tendermint/rpc/core/types"
	tmtypes "github.com/tendermint/tendermint/types"

	"exoneum.core/exc/internal/types"
)

const rpcTimeoutSeconds = 10

// BroadcastClient submits transactions through the Tendermint RPC.
type BroadcastClient struct {
	rpcAddr string
	client  *rpchttp.HTTP
}

// NewBroadcastClient creates a client for the RPC endpoint at rpcAddr
// (e.g. "http://localhost:26657").
func NewBroadcastClient(rpcAddr string) (*BroadcastClient, error) {
	if rpcAddr == "" {
		rpcAddr = "http://localhost:26657"
	}

	client, err := rpchttp.NewWithTimeout(rpcAddr, "/websocket", rpcTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("create rpc client for %s: %w", rpcAddr, err)
	}

	return &BroadcastClient{rpcAddr: rpcAddr, client: client}, nil
}

// SendTx hands tx to the consensus engine without waiting for CheckTx
// (broadcast_tx_async) and returns the hash the engine assigned.
func (bc *BroadcastClient) SendTx(ctx context.Context, tx []byte) (types.Hash, error) {
	res, err := bc.client.BroadcastTxAsync(ctx, tmtypes.Tx(tx))
	if err != nil {
		return types.Hash{}, fmt.Errorf("broadcast_tx_async: %w", err)
	}
	if res.Code != 0 {
		return types.Hash{}, fmt.Errorf("transaction rejected with code %d: %s", res.Code, res.Log)
	}
	return types.NewHash(res.Hash)
}

// BroadcastTxCommit submits tx and waits until it is included in a block.
// A non-zero CheckTx or DeliverTx code is returned as an error.
func (bc *BroadcastClient) BroadcastTxCommit(ctx context.Context, tx []byte) (*ctypes.ResultBroadcastTxCommit, error) {
	res, err := bc.client.BroadcastTxCommit(ctx, tmtypes.Tx(tx))
	if err != nil {
		return nil, fmt.Errorf("broadcast_tx_commit: %w", err)
	}
	if res.CheckTx.Code != 0 {
		return res, fmt.Errorf("check failed with code %d (%s): %s",
			res.CheckTx.Code, res.CheckTx.Codespace, res.CheckTx.Log)
	}
	if res.DeliverTx.Code != 0 {
		return res, fmt.Errorf("execution failed with code %d (%s): %s",
			res.DeliverTx.Code, res.DeliverTx.Codespace, res.DeliverTx.Log)
	}
	return res, nil
}

// Health reports whether the RPC endpoint answers.
func (bc *BroadcastClient) Health(ctx context.Context) error {
	if _, err := bc.client.Health(ctx); err != nil {
		return fmt.Errorf("tendermint health: %w", err)
	}
	return nil
}

// Addr returns the RPC endpoint.
func (bc *BroadcastClient) Addr() string {
	return bc.rpcAddr
}
