package types

import (
	"fmt"
	"math/big"
	"strings"
)

// FeeTier maps a lateness threshold to the max fee per gas offered once a
// reveal is at least that late.
type FeeTier struct {
	Delay        uint64   `json:"delay"`
	MaxFeePerGas *big.Int `json:"maxFeePerGas"`
}

// Account is the per-player ledger record.
type Account struct {
	Address string `json:"address"`
	// NonceMsTimestamp is the submission-ordering watermark. Submissions must
	// carry a strictly larger, not-in-the-future millisecond timestamp.
	NonceMsTimestamp uint64 `json:"nonceMsTimestamp"`
	// Paid is funds credited from confirmed on-chain payments minus funds
	// consumed by confirmed reveals, in wei.
	Paid *big.Int `json:"paid"`
	// Spending is funds reserved by in-flight, unconfirmed reveals, in wei.
	Spending    *big.Int  `json:"spending"`
	Delegate    string    `json:"delegate,omitempty"`
	FeeSchedule []FeeTier `json:"feeSchedule"`
}

// Available returns paid minus spending.
func (a *Account) Available() *big.Int {
	return new(big.Int).Sub(a.Paid, a.Spending)
}

type Position struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
}

// RevealRecord holds everything needed to reconstruct the resolution call of
// a queued or in-flight fleet reveal.
type RevealRecord struct {
	FleetID  string   `json:"fleetId"`
	Player   string   `json:"player"`
	Secret   string   `json:"secret"`
	From     Position `json:"from"`
	To       Position `json:"to"`
	Distance uint64   `json:"distance"`
	// StartTime is a client-supplied estimate until SendConfirmed is set,
	// after which it carries the authoritative on-chain launch time.
	StartTime uint64 `json:"startTime"`
	Duration  uint64 `json:"duration"`
	// ScheduledAt is the unix second at which the next broadcast attempt is
	// due. Initially StartTime+Duration; pushed back on failed launch-time
	// lookups.
	ScheduledAt   uint64 `json:"scheduledAt"`
	SendConfirmed bool   `json:"sendConfirmed"`
	Retries       uint64 `json:"retries"`
	// FeeSchedule is a snapshot of the account's schedule at admission time.
	FeeSchedule []FeeTier `json:"feeSchedule"`
	// MinimumBalance is the amount reserved on the account at admission, in wei.
	MinimumBalance *big.Int `json:"minimumBalance"`
}

// DueTime is the intended broadcast time derived from the (possibly
// corrected) launch time. Fee escalation is measured against this, not
// against retry-shifted scheduling.
func (r *RevealRecord) DueTime() uint64 {
	return r.StartTime + r.Duration
}

// TxInfo is the snapshot of the last broadcast of a pending transaction.
type TxInfo struct {
	Hash             string   `json:"hash"`
	Nonce            uint64   `json:"nonce"`
	BroadcastTime    uint64   `json:"broadcastTime"`
	MaxFeePerGasUsed *big.Int `json:"maxFeePerGasUsed"`
}

// PendingTxRecord is a broadcast reveal awaiting confirmation.
type PendingTxRecord struct {
	Reveal RevealRecord `json:"reveal"`
	Tx     TxInfo       `json:"tx"`
}

const (
	LookupKindQueue   = "queue"
	LookupKindPending = "pending"
)

// LookupRecord maps a fleet to its single live queue entry or pending
// transaction.
type LookupRecord struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

// SyncCursor marks the block up to which payment events have been reconciled.
type SyncCursor struct {
	BlockHash   string `json:"blockHash"`
	BlockNumber uint64 `json:"blockNumber"`
}

// BlockInfo is the subset of a block header the scheduler needs.
type BlockInfo struct {
	Number    uint64 `json:"number"`
	Hash      string `json:"hash"`
	Timestamp uint64 `json:"timestamp"`
}

// TxReceiptInfo is the subset of a transaction receipt the pending monitor
// needs. GasUsed/EffectiveGasPrice may be zero if the node does not expose
// them.
type TxReceiptInfo struct {
	Status            uint64
	BlockNumber       uint64
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}

// PaymentEvent is one payment-gateway log entry.
type PaymentEvent struct {
	Payer       string
	Amount      *big.Int
	Refund      bool
	Removed     bool
	BlockNumber uint64
}

// TxSubmission carries the broadcast parameters for a resolution transaction.
type TxSubmission struct {
	Nonce                uint64
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
}

// RegisterSubmission registers or updates a player's delegate.
type RegisterSubmission struct {
	Player           string `json:"player"`
	Delegate         string `json:"delegate"`
	NonceMsTimestamp uint64 `json:"nonceMsTimestamp"`
	Signature        string `json:"signature"`
}

// SigningMessage returns the canonical message covered by the signature.
func (s *RegisterSubmission) SigningMessage() string {
	return fmt.Sprintf("fleet-resolver: register delegate=%s nonce=%d",
		strings.ToLower(s.Delegate), s.NonceMsTimestamp)
}

// FeeScheduleSubmission replaces a player's fee schedule. Delegate, when
// non-empty, claims the signature was produced by the account's registered
// delegate; it must match the registered one.
type FeeScheduleSubmission struct {
	Player           string    `json:"player"`
	Delegate         string    `json:"delegate,omitempty"`
	FeeSchedule      []FeeTier `json:"feeSchedule"`
	NonceMsTimestamp uint64    `json:"nonceMsTimestamp"`
	Signature        string    `json:"signature"`
}

func (s *FeeScheduleSubmission) SigningMessage() string {
	parts := make([]string, 0, len(s.FeeSchedule))
	for _, tier := range s.FeeSchedule {
		fee := "0"
		if tier.MaxFeePerGas != nil {
			fee = tier.MaxFeePerGas.String()
		}
		parts = append(parts, fmt.Sprintf("%d:%s", tier.Delay, fee))
	}
	return fmt.Sprintf("fleet-resolver: setMaxFeePerGasSchedule %s nonce=%d",
		strings.Join(parts, ","), s.NonceMsTimestamp)
}

// RevealSubmission queues a fleet reveal. Delegate semantics are the same as
// on FeeScheduleSubmission.
type RevealSubmission struct {
	Player           string   `json:"player"`
	Delegate         string   `json:"delegate,omitempty"`
	FleetID          string   `json:"fleetId"`
	Secret           string   `json:"secret"`
	From             Position `json:"from"`
	To               Position `json:"to"`
	Distance         uint64   `json:"distance"`
	StartTime        uint64   `json:"startTime"`
	Duration         uint64   `json:"duration"`
	NonceMsTimestamp uint64   `json:"nonceMsTimestamp"`
	Signature        string   `json:"signature"`
}

func (s *RevealSubmission) SigningMessage() string {
	return fmt.Sprintf(
		"fleet-resolver: queueReveal fleet=%s secret=%s from=%d,%d to=%d,%d distance=%d start=%d duration=%d nonce=%d",
		s.FleetID, strings.ToLower(s.Secret), s.From.X, s.From.Y, s.To.X, s.To.Y,
		s.Distance, s.StartTime, s.Duration, s.NonceMsTimestamp)
}
