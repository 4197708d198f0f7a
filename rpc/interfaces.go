package rpc

import (
	"context"
	"errors"

	"fleet-resolver/types"
)

// ErrFeeTooLow is returned by SendRevealTransaction when the node rejects the
// transaction because its priority fee is too low to replace or enter the
// pool. The caller retries once with the priority fee raised to the max fee.
var ErrFeeTooLow = errors.New("transaction fee too low")

// Client is the blockchain collaborator consumed by the scheduler.
type Client interface {
	// HeadBlockNumber returns the current chain height.
	HeadBlockNumber(ctx context.Context) (uint64, error)
	// BlockByNumber returns number, hash and timestamp of the given block.
	BlockByNumber(ctx context.Context, number uint64) (*types.BlockInfo, error)
	// TransactionReceipt returns nil without error when the transaction is
	// not yet mined.
	TransactionReceipt(ctx context.Context, hash string) (*types.TxReceiptInfo, error)
	// TransactionCount returns the operator's live transaction count. Used
	// exactly once, to seed the durable nonce counter.
	TransactionCount(ctx context.Context) (uint64, error)
	// SendRevealTransaction signs and broadcasts the resolution call for the
	// given reveal and returns the transaction hash.
	SendRevealTransaction(ctx context.Context, reveal *types.RevealRecord, opts *types.TxSubmission) (string, error)
	// FleetLaunchTime reads the fleet's authoritative launch time from the
	// game contract at the given (finality-safe) block height. found is false
	// when the fleet's send transaction is not visible at that height.
	FleetLaunchTime(ctx context.Context, fleetID string, blockNumber uint64) (launchTime uint64, found bool, err error)
	// PaymentLogs returns payment-gateway events in [fromBlock, toBlock],
	// tagged with their reorg-removal flag.
	PaymentLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.PaymentEvent, error)
}
