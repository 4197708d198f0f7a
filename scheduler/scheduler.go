// Package scheduler implements the reveal transaction queue and broadcast
// scheduler: the durable time-ordered queue of pending reveals, the
// fee-escalation and retry state machine, the shared nonce counter and the
// chain-log balance reconciliation.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"fleet-resolver/kvstore"
	"fleet-resolver/ledger"
	"fleet-resolver/rpc"
	"fleet-resolver/types"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New().WithField("module", "scheduler")

// Config carries the scheduler tuning knobs.
type Config struct {
	// GasEstimate sizes the minimum required balance per reveal.
	GasEstimate uint64
	// FinalityDepth is the number of blocks behind head treated as final.
	FinalityDepth uint64
	// RetryCapSeconds caps the push-back after a failed launch-time lookup.
	RetryCapSeconds uint64
	// BatchSize bounds queue/pending entries processed per tick.
	BatchSize int
	// MaxPriorityFeePerGas is the default tip, capped at the offered max fee.
	MaxPriorityFeePerGas *big.Int
}

type Scheduler struct {
	store  kvstore.Store
	chain  rpc.Client
	ledger *ledger.Ledger
	cfg    Config

	// mu serializes admissions and scheduled ticks. All cross-record
	// invariants (one live entry per fleet, nonce sequencing) are enforced
	// inside this single-writer boundary.
	mu  sync.Mutex
	now func() time.Time
}

func New(store kvstore.Store, chain rpc.Client, l *ledger.Ledger, cfg Config) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.RetryCapSeconds == 0 {
		cfg.RetryCapSeconds = 3600
	}
	if cfg.MaxPriorityFeePerGas == nil {
		cfg.MaxPriorityFeePerGas = big.NewInt(1000000000) // 1 gwei
	}
	return &Scheduler{
		store:  store,
		chain:  chain,
		ledger: l,
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetNow overrides the clock. Used by tests.
func (s *Scheduler) SetNow(now func() time.Time) {
	s.now = now
}

// nextNonce returns the nonce for the next broadcast. The durable counter is
// seeded exactly once from the operator's live transaction count and is never
// re-read from the chain afterwards, since re-reading would race with our own
// unconfirmed transactions.
func (s *Scheduler) nextNonce(ctx context.Context) (uint64, error) {
	raw, found, err := s.store.Get(nonceCounterKey)
	if err != nil {
		return 0, err
	}
	if found {
		nonce, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("error parsing stored nonce counter %q: %w", raw, err)
		}
		return nonce, nil
	}
	seed, err := s.chain.TransactionCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("error seeding nonce counter: %w", err)
	}
	if err := s.store.Put(nonceCounterKey, []byte(strconv.FormatUint(seed, 10))); err != nil {
		return 0, err
	}
	logger.WithField("nonce", seed).Info("seeded nonce counter from live transaction count")
	return seed, nil
}

func (s *Scheduler) storeNonce(nonce uint64) error {
	return s.store.Put(nonceCounterKey, []byte(strconv.FormatUint(nonce, 10)))
}

func (s *Scheduler) getLookup(fleetID string) (*types.LookupRecord, error) {
	raw, found, err := s.store.Get(lookupKey(fleetID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	lookup := &types.LookupRecord{}
	if err := json.Unmarshal(raw, lookup); err != nil {
		return nil, fmt.Errorf("error decoding lookup record for fleet %v: %w", fleetID, err)
	}
	return lookup, nil
}

func (s *Scheduler) putLookup(fleetID, kind, key string) error {
	raw, err := json.Marshal(&types.LookupRecord{Kind: kind, Key: key})
	if err != nil {
		return err
	}
	return s.store.Put(lookupKey(fleetID), raw)
}

func (s *Scheduler) putRevealRecord(key string, rec *types.RevealRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.Put(key, raw)
}

func (s *Scheduler) putPendingRecord(rec *types.PendingTxRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.Put(pendingKey(rec.Reveal.FleetID), raw)
}

// Queue returns the queued reveals in ascending broadcast-time order.
func (s *Scheduler) Queue() ([]types.RevealRecord, error) {
	entries, err := s.store.List(queuePrefix, 0)
	if err != nil {
		return nil, err
	}
	records := make([]types.RevealRecord, 0, len(entries))
	for _, e := range entries {
		var rec types.RevealRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("error decoding queue entry %v: %w", e.Key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// PendingTransactions returns all broadcast, unconfirmed reveals.
func (s *Scheduler) PendingTransactions() ([]types.PendingTxRecord, error) {
	entries, err := s.store.List(pendingPrefix, 0)
	if err != nil {
		return nil, err
	}
	records := make([]types.PendingTxRecord, 0, len(entries))
	for _, e := range entries {
		var rec types.PendingTxRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, fmt.Errorf("error decoding pending entry %v: %w", e.Key, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// TransactionInfo returns the last broadcast snapshot for a fleet's pending
// transaction.
func (s *Scheduler) TransactionInfo(fleetID string) (*types.TxInfo, error) {
	lookup, err := s.getLookup(fleetID)
	if err != nil {
		return nil, err
	}
	if lookup == nil || lookup.Kind != types.LookupKindPending {
		return nil, types.NewCodedError(types.CodeNotFound, "no pending transaction for fleet %v", fleetID)
	}
	raw, found, err := s.store.Get(lookup.Key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, types.NewCodedError(types.CodeServerError,
			"lookup for fleet %v points at missing record %v", fleetID, lookup.Key)
	}
	var rec types.PendingTxRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec.Tx, nil
}

func (s *Scheduler) logFields(rec *types.RevealRecord) logrus.Fields {
	return logrus.Fields{
		"fleet":  rec.FleetID,
		"player": rec.Player,
	}
}
