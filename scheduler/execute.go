package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"

	"fleet-resolver/ledger"
	"fleet-resolver/metrics"
	"fleet-resolver/rpc"
	"fleet-resolver/types"
)

func decode(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// Execute advances the queue: entries that are due get their launch time
// confirmed at a finality-safe height and, once (possibly corrected) due,
// are broadcast. One entry's failure never blocks the batch; excess entries
// beyond the batch size simply wait for the next tick.
func (s *Scheduler) Execute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.chain.HeadBlockNumber(ctx)
	if err != nil {
		return err
	}
	safeBlock := uint64(0)
	if head > s.cfg.FinalityDepth {
		safeBlock = head - s.cfg.FinalityDepth
	}

	entries, err := s.store.List(queuePrefix, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	metrics.QueueLength.Set(float64(len(entries)))

	nowSec := uint64(s.now().Unix())
	for _, e := range entries {
		var rec types.RevealRecord
		if err := decode(e.Value, &rec); err != nil {
			logger.WithError(err).WithField("key", e.Key).Error("skipping undecodable queue entry")
			continue
		}
		if rec.ScheduledAt > nowSec {
			// the prefix scan is time-ordered, nothing further is due
			break
		}
		if err := s.processQueued(ctx, e.Key, &rec, safeBlock, nowSec); err != nil {
			logger.WithError(err).WithFields(s.logFields(&rec)).Error("error processing queued reveal")
		}
	}
	return nil
}

func (s *Scheduler) processQueued(ctx context.Context, key string, rec *types.RevealRecord, safeBlock, nowSec uint64) error {
	if !rec.SendConfirmed {
		launchTime, found, err := s.chain.FleetLaunchTime(ctx, rec.FleetID, safeBlock)
		if err != nil {
			// chain-interaction error: state untouched, next tick retries
			return err
		}
		if !found {
			rec.Retries++
			pushBack := rec.Duration
			if pushBack > s.cfg.RetryCapSeconds {
				pushBack = s.cfg.RetryCapSeconds
			}
			rec.ScheduledAt = nowSec + pushBack
			logger.WithFields(s.logFields(rec)).WithFields(map[string]interface{}{
				"retries":     rec.Retries,
				"scheduledAt": rec.ScheduledAt,
			}).Info("fleet launch not finalized yet, pushed back")
			return s.rekeyQueued(key, rec)
		}
		rec.SendConfirmed = true
		rec.StartTime = launchTime
		rec.ScheduledAt = launchTime + rec.Duration
	}

	if rec.ScheduledAt <= nowSec {
		return s.broadcast(ctx, key, rec, nowSec)
	}
	// confirmed but the corrected launch time moved the broadcast into the
	// future, persist under the new key
	return s.rekeyQueued(key, rec)
}

// rekeyQueued persists the record under its (possibly new) time-derived key.
// The new record is written before the lookup moves, and the old key is
// deleted last.
func (s *Scheduler) rekeyQueued(oldKey string, rec *types.RevealRecord) error {
	newKey := queueKey(rec.ScheduledAt, rec.FleetID)
	if err := s.putRevealRecord(newKey, rec); err != nil {
		return err
	}
	if newKey == oldKey {
		return nil
	}
	if err := s.putLookup(rec.FleetID, types.LookupKindQueue, newKey); err != nil {
		return err
	}
	return s.store.Delete(oldKey)
}

// broadcast signs and sends the resolution transaction for a due reveal and
// converts its queue entry into a pending-transaction record. On send failure
// the queue entry is left untouched for the next tick.
func (s *Scheduler) broadcast(ctx context.Context, key string, rec *types.RevealRecord, nowSec uint64) error {
	nonce, err := s.nextNonce(ctx)
	if err != nil {
		return err
	}

	elapsed := uint64(0)
	if nowSec > rec.DueTime() {
		elapsed = nowSec - rec.DueTime()
	}
	maxFee := ledger.CurrentFee(rec.FeeSchedule, elapsed)

	hash, err := s.sendWithFee(ctx, rec, nonce, maxFee)
	if err != nil {
		return err
	}

	// hold on to the consumed nonce before anything else becomes visible
	if err := s.storeNonce(nonce + 1); err != nil {
		return err
	}
	pending := &types.PendingTxRecord{
		Reveal: *rec,
		Tx: types.TxInfo{
			Hash:             hash,
			Nonce:            nonce,
			BroadcastTime:    nowSec,
			MaxFeePerGasUsed: maxFee,
		},
	}
	if err := s.putPendingRecord(pending); err != nil {
		return err
	}
	if err := s.putLookup(rec.FleetID, types.LookupKindPending, pendingKey(rec.FleetID)); err != nil {
		return err
	}
	if err := s.store.Delete(key); err != nil {
		return err
	}

	metrics.TxBroadcast.Inc()
	logger.WithFields(s.logFields(rec)).WithFields(map[string]interface{}{
		"hash":         hash,
		"nonce":        nonce,
		"maxFeePerGas": maxFee,
	}).Info("broadcast reveal transaction")
	return nil
}

// sendWithFee submits the resolution call, retrying once with the priority
// fee raised to the max fee when the node reports the tip as too low.
func (s *Scheduler) sendWithFee(ctx context.Context, rec *types.RevealRecord, nonce uint64, maxFee *big.Int) (string, error) {
	tip := s.cfg.MaxPriorityFeePerGas
	if tip.Cmp(maxFee) > 0 {
		tip = maxFee
	}
	hash, err := s.chain.SendRevealTransaction(ctx, rec, &types.TxSubmission{
		Nonce:                nonce,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: tip,
	})
	if err == nil {
		return hash, nil
	}
	if !errors.Is(err, rpc.ErrFeeTooLow) || tip.Cmp(maxFee) == 0 {
		return "", err
	}
	logger.WithFields(s.logFields(rec)).Info("priority fee too low, retrying with tip raised to max fee")
	return s.chain.SendRevealTransaction(ctx, rec, &types.TxSubmission{
		Nonce:                nonce,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxFee,
	})
}
