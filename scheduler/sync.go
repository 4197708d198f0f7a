package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"fleet-resolver/types"

	"github.com/sirupsen/logrus"
)

func (s *Scheduler) readCursor() (*types.SyncCursor, []byte, error) {
	raw, found, err := s.store.Get(syncCursorKey)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, nil
	}
	cursor := &types.SyncCursor{}
	if err := json.Unmarshal(raw, cursor); err != nil {
		return nil, nil, err
	}
	return cursor, raw, nil
}

// SyncAccountBalances replays payment events from the chain into the
// accounts, up to a finality-safe block. Overlapping runs are detected by
// re-reading the cursor before writing and yielding if it moved.
func (s *Scheduler) SyncAccountBalances(ctx context.Context) error {
	cursor, cursorRaw, err := s.readCursor()
	if err != nil {
		return err
	}

	head, err := s.chain.HeadBlockNumber(ctx)
	if err != nil {
		return err
	}
	if head < s.cfg.FinalityDepth {
		return nil
	}
	target := head - s.cfg.FinalityDepth
	fromBlock := uint64(0)
	if cursor != nil {
		if target <= cursor.BlockNumber {
			return nil
		}
		fromBlock = cursor.BlockNumber + 1
	}

	targetBlock, err := s.chain.BlockByNumber(ctx, target)
	if err != nil {
		return err
	}

	events, err := s.chain.PaymentLogs(ctx, fromBlock, target)
	if err != nil {
		return err
	}

	deltas := make(map[string]*big.Int)
	for _, ev := range events {
		if ev.Removed {
			continue
		}
		payer := strings.ToLower(ev.Payer)
		delta, ok := deltas[payer]
		if !ok {
			delta = new(big.Int)
			deltas[payer] = delta
		}
		if ev.Refund {
			delta.Sub(delta, ev.Amount)
		} else {
			delta.Add(delta, ev.Amount)
		}
	}

	// optimistic concurrency: another reconciliation run may have applied
	// these events while we were reading logs
	currentRaw, _, err := s.store.Get(syncCursorKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(currentRaw, cursorRaw) {
		logger.Warn("sync cursor moved during reconciliation, yielding to the concurrent run")
		return nil
	}

	applied := 0
	for payer, delta := range deltas {
		if delta.Sign() == 0 {
			continue
		}
		if err := s.ledger.Credit(payer, delta); err != nil {
			return err
		}
		applied++
	}

	newCursor, err := json.Marshal(&types.SyncCursor{
		BlockHash:   targetBlock.Hash,
		BlockNumber: target,
	})
	if err != nil {
		return err
	}
	if err := s.store.Put(syncCursorKey, newCursor); err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"fromBlock": fromBlock,
		"toBlock":   target,
		"events":    len(events),
		"accounts":  applied,
	}).Info("reconciled payment events into account balances")
	return nil
}
