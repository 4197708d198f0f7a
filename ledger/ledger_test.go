package ledger

import (
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"fleet-resolver/kvstore"
	"fleet-resolver/types"
	"fleet-resolver/utils"

	"github.com/ethereum/go-ethereum/crypto"
)

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

func newTestLedger(t *testing.T, nowMs uint64) *Ledger {
	t.Helper()
	l, err := New(kvstore.NewInMemory(), testSchedule())
	if err != nil {
		t.Fatalf("failed creating ledger: %v", err)
	}
	l.SetNow(func() time.Time { return time.UnixMilli(int64(nowMs)) })
	return l
}

func errorCode(t *testing.T, err error) int {
	t.Helper()
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		t.Fatalf("expected a coded error, got %v", err)
	}
	return coded.Code
}

func TestRegisterDelegate(t *testing.T) {
	player := newTestSigner(t)
	delegate := newTestSigner(t)
	l := newTestLedger(t, 2000)

	sub := &types.RegisterSubmission{
		Player:           player.address,
		Delegate:         delegate.address,
		NonceMsTimestamp: 1000,
	}
	sub.Signature = player.sign(t, sub.SigningMessage())

	if err := l.Register(sub); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	acct, err := l.Account(player.address)
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if acct.NonceMsTimestamp != 1000 {
		t.Errorf("expected watermark 1000, got %d", acct.NonceMsTimestamp)
	}
	if acct.Delegate == "" {
		t.Errorf("expected delegate to be registered")
	}
}

func TestRegisterNonceWatermark(t *testing.T) {
	player := newTestSigner(t)
	l := newTestLedger(t, 5000)

	first := &types.RegisterSubmission{Player: player.address, NonceMsTimestamp: 1000}
	first.Signature = player.sign(t, first.SigningMessage())
	if err := l.Register(first); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	// equal to the stored watermark: rejected
	replay := &types.RegisterSubmission{Player: player.address, NonceMsTimestamp: 1000}
	replay.Signature = player.sign(t, replay.SigningMessage())
	if code := errorCode(t, l.Register(replay)); code != types.CodeInvalidNonce {
		t.Errorf("expected InvalidNonce for replayed nonce, got code %d", code)
	}

	// one millisecond later: accepted
	next := &types.RegisterSubmission{Player: player.address, NonceMsTimestamp: 1001}
	next.Signature = player.sign(t, next.SigningMessage())
	if err := l.Register(next); err != nil {
		t.Errorf("expected nonce 1001 to be accepted, got %v", err)
	}

	// from the future: rejected
	future := &types.RegisterSubmission{Player: player.address, NonceMsTimestamp: 99999}
	future.Signature = player.sign(t, future.SigningMessage())
	if code := errorCode(t, l.Register(future)); code != types.CodeInvalidNonce {
		t.Errorf("expected InvalidNonce for future nonce, got code %d", code)
	}
}

func TestRegisterRejectsWrongSigner(t *testing.T) {
	player := newTestSigner(t)
	attacker := newTestSigner(t)
	l := newTestLedger(t, 5000)

	sub := &types.RegisterSubmission{Player: player.address, NonceMsTimestamp: 1000}
	sub.Signature = attacker.sign(t, sub.SigningMessage())
	if code := errorCode(t, l.Register(sub)); code != types.CodeNotAuthorized {
		t.Errorf("expected NotAuthorized, got code %d", code)
	}
}

func TestSetFeeScheduleValidatesShapeFirst(t *testing.T) {
	player := newTestSigner(t)
	l := newTestLedger(t, 5000)

	// malformed schedule is rejected without a signature even being present
	sub := &types.FeeScheduleSubmission{
		Player:           player.address,
		FeeSchedule:      testSchedule()[:1],
		NonceMsTimestamp: 1000,
	}
	if code := errorCode(t, l.SetFeeSchedule(sub)); code != types.CodeInvalidFeesScheduleSubmission {
		t.Errorf("expected InvalidFeesScheduleSubmission, got code %d", code)
	}

	valid := &types.FeeScheduleSubmission{
		Player: player.address,
		FeeSchedule: []types.FeeTier{
			{Delay: 0, MaxFeePerGas: big.NewInt(1)},
			{Delay: 10, MaxFeePerGas: big.NewInt(2)},
			{Delay: 20, MaxFeePerGas: big.NewInt(3)},
		},
		NonceMsTimestamp: 1000,
	}
	valid.Signature = player.sign(t, valid.SigningMessage())
	if err := l.SetFeeSchedule(valid); err != nil {
		t.Fatalf("set fee schedule failed: %v", err)
	}
	acct, _ := l.Account(player.address)
	if acct.FeeSchedule[2].MaxFeePerGas.Int64() != 3 {
		t.Errorf("expected updated schedule, got %v", acct.FeeSchedule)
	}
}

func TestSetFeeScheduleByDelegate(t *testing.T) {
	player := newTestSigner(t)
	delegate := newTestSigner(t)
	stranger := newTestSigner(t)
	l := newTestLedger(t, 5000)

	reg := &types.RegisterSubmission{Player: player.address, Delegate: delegate.address, NonceMsTimestamp: 1000}
	reg.Signature = player.sign(t, reg.SigningMessage())
	if err := l.Register(reg); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	schedule := []types.FeeTier{
		{Delay: 0, MaxFeePerGas: big.NewInt(5)},
		{Delay: 10, MaxFeePerGas: big.NewInt(6)},
		{Delay: 20, MaxFeePerGas: big.NewInt(7)},
	}

	// delegate-signed, claiming the registered delegate: accepted
	sub := &types.FeeScheduleSubmission{
		Player:           player.address,
		Delegate:         delegate.address,
		FeeSchedule:      schedule,
		NonceMsTimestamp: 1001,
	}
	sub.Signature = delegate.sign(t, sub.SigningMessage())
	if err := l.SetFeeSchedule(sub); err != nil {
		t.Fatalf("delegate-signed submission failed: %v", err)
	}

	// claiming a different delegate: rejected before signature recovery
	wrong := &types.FeeScheduleSubmission{
		Player:           player.address,
		Delegate:         stranger.address,
		FeeSchedule:      schedule,
		NonceMsTimestamp: 1002,
	}
	wrong.Signature = stranger.sign(t, wrong.SigningMessage())
	if code := errorCode(t, l.SetFeeSchedule(wrong)); code != types.CodeNotAuthorized {
		t.Errorf("expected NotAuthorized for mismatched delegate, got code %d", code)
	}
}

func TestBalanceOperations(t *testing.T) {
	player := newTestSigner(t)
	l := newTestLedger(t, 5000)

	if err := l.Credit(player.address, big.NewInt(100)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := l.Reserve(player.address, big.NewInt(40)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	acct, _ := l.Account(player.address)
	if acct.Paid.Int64() != 100 || acct.Spending.Int64() != 40 {
		t.Fatalf("expected paid=100 spending=40, got paid=%v spending=%v", acct.Paid, acct.Spending)
	}
	if acct.Available().Int64() != 60 {
		t.Errorf("expected available 60, got %v", acct.Available())
	}

	// settlement: debit the actual cost, release the full reservation
	if err := l.Debit(player.address, big.NewInt(25)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := l.Release(player.address, big.NewInt(40)); err != nil {
		t.Fatalf("release: %v", err)
	}
	acct, _ = l.Account(player.address)
	if acct.Paid.Int64() != 75 || acct.Spending.Int64() != 0 {
		t.Errorf("expected paid=75 spending=0, got paid=%v spending=%v", acct.Paid, acct.Spending)
	}

	if err := l.Release(player.address, big.NewInt(1)); err == nil {
		t.Errorf("expected release beyond spending to fail")
	}
}
