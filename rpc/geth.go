package rpc

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"fleet-resolver/types"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethRPC "github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

var logger = logrus.New().WithField("module", "rpc")

const gameABIJSON = `[
	{"name":"getFleetLaunchTime","type":"function","stateMutability":"view","inputs":[{"name":"fleetId","type":"uint256"}],"outputs":[{"name":"launchTime","type":"uint256"}]},
	{"name":"resolveFleet","type":"function","stateMutability":"nonpayable","inputs":[{"name":"fleetId","type":"uint256"},{"name":"secret","type":"bytes32"},{"name":"fromX","type":"int256"},{"name":"fromY","type":"int256"},{"name":"toX","type":"int256"},{"name":"toY","type":"int256"},{"name":"distance","type":"uint256"}],"outputs":[]}
]`

const paymentABIJSON = `[
	{"name":"Payment","type":"event","anonymous":false,"inputs":[{"name":"payer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"refund","type":"bool","indexed":false}]}
]`

// ResolverClient implements Client on top of a go-ethereum JSON-RPC
// connection, signing resolution transactions with the single operator key.
type ResolverClient struct {
	rpcClient *gethRPC.Client
	ethClient *ethclient.Client

	chainID         *big.Int
	operatorKey     *ecdsa.PrivateKey
	operatorAddress common.Address
	gameContract    common.Address
	paymentContract common.Address
	gameABI         abi.ABI
	paymentABI      abi.ABI
	paymentTopic    common.Hash
	gasLimit        uint64
}

// NewResolverClient dials the configured endpoint and prepares the contract
// bindings and the operator signer.
func NewResolverClient(cfg *types.Config) (*ResolverClient, error) {
	rpcClient, err := gethRPC.Dial(cfg.Chain.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("error dialing chain endpoint %v: %w", cfg.Chain.Endpoint, err)
	}

	key, err := crypto.HexToECDSA(strings.Replace(cfg.Resolver.OperatorPrivateKey, "0x", "", 1))
	if err != nil {
		return nil, fmt.Errorf("error parsing operator private key: %w", err)
	}

	gameABI, err := abi.JSON(strings.NewReader(gameABIJSON))
	if err != nil {
		return nil, fmt.Errorf("error parsing game abi: %w", err)
	}
	paymentABI, err := abi.JSON(strings.NewReader(paymentABIJSON))
	if err != nil {
		return nil, fmt.Errorf("error parsing payment abi: %w", err)
	}

	client := &ResolverClient{
		rpcClient:       rpcClient,
		ethClient:       ethclient.NewClient(rpcClient),
		chainID:         new(big.Int).SetUint64(cfg.Chain.ID),
		operatorKey:     key,
		operatorAddress: crypto.PubkeyToAddress(key.PublicKey),
		gameContract:    common.HexToAddress(cfg.Chain.GameContract),
		paymentContract: common.HexToAddress(cfg.Chain.PaymentContract),
		gameABI:         gameABI,
		paymentABI:      paymentABI,
		paymentTopic:    paymentABI.Events["Payment"].ID,
		gasLimit:        cfg.Resolver.GasLimit,
	}

	logger.WithFields(logrus.Fields{
		"operator": client.operatorAddress.Hex(),
		"game":     client.gameContract.Hex(),
		"payment":  client.paymentContract.Hex(),
	}).Info("connected resolver client")

	return client, nil
}

// OperatorAddress returns the address of the signing operator account.
func (c *ResolverClient) OperatorAddress() string {
	return c.operatorAddress.Hex()
}

func (c *ResolverClient) HeadBlockNumber(ctx context.Context) (uint64, error) {
	return c.ethClient.BlockNumber(ctx)
}

func (c *ResolverClient) BlockByNumber(ctx context.Context, number uint64) (*types.BlockInfo, error) {
	header, err := c.ethClient.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, err
	}
	return &types.BlockInfo{
		Number:    header.Number.Uint64(),
		Hash:      header.Hash().Hex(),
		Timestamp: header.Time,
	}, nil
}

// rawReceipt decodes the receipt fields directly from the node because not
// every execution client populates effectiveGasPrice through the typed API.
type rawReceipt struct {
	Status            hexutil.Uint64 `json:"status"`
	BlockNumber       *hexutil.Big   `json:"blockNumber"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
}

func (c *ResolverClient) TransactionReceipt(ctx context.Context, hash string) (*types.TxReceiptInfo, error) {
	var raw *rawReceipt
	err := c.rpcClient.CallContext(ctx, &raw, "eth_getTransactionReceipt", common.HexToHash(hash))
	if err != nil {
		return nil, err
	}
	if raw == nil || raw.BlockNumber == nil {
		return nil, nil
	}
	receipt := &types.TxReceiptInfo{
		Status:      uint64(raw.Status),
		BlockNumber: raw.BlockNumber.ToInt().Uint64(),
		GasUsed:     uint64(raw.GasUsed),
	}
	if raw.EffectiveGasPrice != nil {
		receipt.EffectiveGasPrice = raw.EffectiveGasPrice.ToInt()
	}
	return receipt, nil
}

func (c *ResolverClient) TransactionCount(ctx context.Context) (uint64, error) {
	return c.ethClient.NonceAt(ctx, c.operatorAddress, nil)
}

func (c *ResolverClient) SendRevealTransaction(ctx context.Context, reveal *types.RevealRecord, opts *types.TxSubmission) (string, error) {
	fleetID, err := parseFleetID(reveal.FleetID)
	if err != nil {
		return "", err
	}
	secret, err := parseSecret(reveal.Secret)
	if err != nil {
		return "", err
	}

	callData, err := c.gameABI.Pack("resolveFleet",
		fleetID,
		secret,
		big.NewInt(reveal.From.X), big.NewInt(reveal.From.Y),
		big.NewInt(reveal.To.X), big.NewInt(reveal.To.Y),
		new(big.Int).SetUint64(reveal.Distance),
	)
	if err != nil {
		return "", fmt.Errorf("error packing resolveFleet call for fleet %v: %w", reveal.FleetID, err)
	}

	tx := gethTypes.NewTx(&gethTypes.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     opts.Nonce,
		GasTipCap: opts.MaxPriorityFeePerGas,
		GasFeeCap: opts.MaxFeePerGas,
		Gas:       c.gasLimit,
		To:        &c.gameContract,
		Data:      callData,
	})
	signedTx, err := gethTypes.SignTx(tx, gethTypes.LatestSignerForChainID(c.chainID), c.operatorKey)
	if err != nil {
		return "", fmt.Errorf("error signing resolveFleet transaction for fleet %v: %w", reveal.FleetID, err)
	}

	err = c.ethClient.SendTransaction(ctx, signedTx)
	if err != nil {
		if isFeeTooLowError(err) {
			return "", fmt.Errorf("%w: %v", ErrFeeTooLow, err)
		}
		return "", err
	}

	return signedTx.Hash().Hex(), nil
}

func (c *ResolverClient) FleetLaunchTime(ctx context.Context, fleetID string, blockNumber uint64) (uint64, bool, error) {
	id, err := parseFleetID(fleetID)
	if err != nil {
		return 0, false, err
	}
	callData, err := c.gameABI.Pack("getFleetLaunchTime", id)
	if err != nil {
		return 0, false, err
	}
	out, err := c.ethClient.CallContract(ctx, ethereum.CallMsg{
		To:   &c.gameContract,
		Data: callData,
	}, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return 0, false, err
	}
	values, err := c.gameABI.Unpack("getFleetLaunchTime", out)
	if err != nil {
		return 0, false, err
	}
	launchTime := values[0].(*big.Int)
	if launchTime.Sign() == 0 {
		return 0, false, nil
	}
	return launchTime.Uint64(), true, nil
}

func (c *ResolverClient) PaymentLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.PaymentEvent, error) {
	logs, err := c.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.paymentContract},
		Topics:    [][]common.Hash{{c.paymentTopic}},
	})
	if err != nil {
		return nil, err
	}

	events := make([]types.PaymentEvent, 0, len(logs))
	for _, l := range logs {
		if len(l.Topics) < 2 {
			logger.WithField("tx", l.TxHash.Hex()).Warn("skipping payment log without payer topic")
			continue
		}
		values, err := c.paymentABI.Unpack("Payment", l.Data)
		if err != nil {
			logger.WithError(err).WithField("tx", l.TxHash.Hex()).Warn("skipping undecodable payment log")
			continue
		}
		events = append(events, types.PaymentEvent{
			Payer:       common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
			Amount:      values[0].(*big.Int),
			Refund:      values[1].(bool),
			Removed:     l.Removed,
			BlockNumber: l.BlockNumber,
		})
	}
	return events, nil
}

func parseFleetID(id string) (*big.Int, error) {
	s := id
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("invalid fleet id %q", id)
	}
	return v, nil
}

func parseSecret(secret string) ([32]byte, error) {
	var out [32]byte
	data, err := hex.DecodeString(strings.Replace(secret, "0x", "", 1))
	if err != nil {
		return out, fmt.Errorf("invalid fleet secret: %w", err)
	}
	if len(data) != 32 {
		return out, fmt.Errorf("invalid fleet secret length %d", len(data))
	}
	copy(out[:], data)
	return out, nil
}

func isFeeTooLowError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "underpriced") ||
		strings.Contains(msg, "tip too low") ||
		strings.Contains(msg, "fee too low")
}
