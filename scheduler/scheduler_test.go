package scheduler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"fleet-resolver/kvstore"
	"fleet-resolver/ledger"
	"fleet-resolver/types"
	"fleet-resolver/utils"

	"github.com/ethereum/go-ethereum/crypto"
)

// fakeChain implements rpc.Client for tests.
type fakeChain struct {
	head         uint64
	txCount      uint64
	txCountCalls int

	launchTimes map[string]uint64
	launchErr   error

	// sendErrs are popped per SendRevealTransaction call; nil means success
	sendErrs []error
	sent     []sentTx

	receipts map[string]*types.TxReceiptInfo
	payments []types.PaymentEvent
	// paymentsHook runs at the start of PaymentLogs, used to simulate a
	// concurrent reconciliation run
	paymentsHook func()
}

type sentTx struct {
	fleet string
	opts  types.TxSubmission
}

func (f *fakeChain) HeadBlockNumber(ctx context.Context) (uint64, error) {
	return f.head, nil
}

func (f *fakeChain) BlockByNumber(ctx context.Context, number uint64) (*types.BlockInfo, error) {
	return &types.BlockInfo{Number: number, Hash: fmt.Sprintf("0xblock%d", number)}, nil
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, hash string) (*types.TxReceiptInfo, error) {
	return f.receipts[hash], nil
}

func (f *fakeChain) TransactionCount(ctx context.Context) (uint64, error) {
	f.txCountCalls++
	return f.txCount, nil
}

func (f *fakeChain) SendRevealTransaction(ctx context.Context, reveal *types.RevealRecord, opts *types.TxSubmission) (string, error) {
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, sentTx{fleet: reveal.FleetID, opts: *opts})
	return fmt.Sprintf("0xtx%d", len(f.sent)), nil
}

func (f *fakeChain) FleetLaunchTime(ctx context.Context, fleetID string, blockNumber uint64) (uint64, bool, error) {
	if f.launchErr != nil {
		return 0, false, f.launchErr
	}
	lt, ok := f.launchTimes[fleetID]
	return lt, ok, nil
}

func (f *fakeChain) PaymentLogs(ctx context.Context, fromBlock, toBlock uint64) ([]types.PaymentEvent, error) {
	if f.paymentsHook != nil {
		f.paymentsHook()
	}
	var out []types.PaymentEvent
	for _, ev := range f.payments {
		if ev.BlockNumber >= fromBlock && ev.BlockNumber <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

type testSigner struct {
	keyHex  string
	address string
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed generating key: %v", err)
	}
	return &testSigner{
		keyHex:  hex.EncodeToString(crypto.FromECDSA(key)),
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

func (s *testSigner) sign(t *testing.T, msg string) string {
	t.Helper()
	sig, err := utils.SignMessage(s.keyHex, msg)
	if err != nil {
		t.Fatalf("failed signing: %v", err)
	}
	return sig
}

type fixture struct {
	store  *kvstore.LevelDB
	chain  *fakeChain
	ledger *ledger.Ledger
	sched  *Scheduler
	player *testSigner
	nowSec uint64
}

// testFeeSchedule: max fee allowed is 10, so with the gas estimate of 5 the
// minimum balance per reveal is 50.
func testFeeSchedule() []types.FeeTier {
	return []types.FeeTier{
		{Delay: 0, MaxFeePerGas: big.NewInt(2)},
		{Delay: 60, MaxFeePerGas: big.NewInt(5)},
		{Delay: 300, MaxFeePerGas: big.NewInt(10)},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kvstore.NewInMemory()
	t.Cleanup(func() { store.Close() })

	chain := &fakeChain{
		head:        100,
		launchTimes: map[string]uint64{},
		receipts:    map[string]*types.TxReceiptInfo{},
	}
	l, err := ledger.New(store, testFeeSchedule())
	if err != nil {
		t.Fatalf("failed creating ledger: %v", err)
	}
	s := New(store, chain, l, Config{
		GasEstimate:          5,
		FinalityDepth:        10,
		RetryCapSeconds:      600,
		BatchSize:            25,
		MaxPriorityFeePerGas: big.NewInt(1),
	})

	f := &fixture{
		store:  store,
		chain:  chain,
		ledger: l,
		sched:  s,
		player: newTestSigner(t),
		nowSec: 10000,
	}
	now := func() time.Time { return time.Unix(int64(f.nowSec), 0) }
	s.SetNow(now)
	l.SetNow(now)
	return f
}

func (f *fixture) fund(t *testing.T, amount int64) {
	t.Helper()
	if err := f.ledger.Credit(f.player.address, big.NewInt(amount)); err != nil {
		t.Fatalf("failed funding account: %v", err)
	}
}

func (f *fixture) revealSubmission(t *testing.T, fleet string, start, duration, nonceMs uint64) *types.RevealSubmission {
	t.Helper()
	sub := &types.RevealSubmission{
		Player:           f.player.address,
		FleetID:          fleet,
		Secret:           "0x" + strings.Repeat("ab", 32),
		From:             types.Position{X: 1, Y: 2},
		To:               types.Position{X: 3, Y: 4},
		Distance:         7,
		StartTime:        start,
		Duration:         duration,
		NonceMsTimestamp: nonceMs,
	}
	sub.Signature = f.player.sign(t, sub.SigningMessage())
	return sub
}

func (f *fixture) account(t *testing.T) *types.Account {
	t.Helper()
	acct, err := f.ledger.Account(f.player.address)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	return acct
}

func (f *fixture) queue(t *testing.T) []types.RevealRecord {
	t.Helper()
	queue, err := f.sched.Queue()
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	return queue
}

func (f *fixture) pending(t *testing.T) []types.PendingTxRecord {
	t.Helper()
	pending, err := f.sched.PendingTransactions()
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return pending
}

func errorCode(t *testing.T, err error) int {
	t.Helper()
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("expected a coded error, got %v", err)
	}
	return coded.Code
}
