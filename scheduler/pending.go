package scheduler

import (
	"context"
	"math/big"

	"fleet-resolver/ledger"
	"fleet-resolver/metrics"
	"fleet-resolver/types"
	"fleet-resolver/workerpool"
)

const receiptFetchWorkers = 4

// CheckPendingTransactions polls broadcast transactions: stuck ones are
// rebroadcast at the escalated fee with the same forced nonce, confirmed ones
// are settled against the ledger and their bookkeeping deleted.
func (s *Scheduler) CheckPendingTransactions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, err := s.chain.HeadBlockNumber(ctx)
	if err != nil {
		return err
	}

	entries, err := s.store.List(pendingPrefix, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	metrics.PendingLength.Set(float64(len(entries)))
	if len(entries) == 0 {
		return nil
	}

	records := make([]*types.PendingTxRecord, len(entries))
	for i, e := range entries {
		rec := &types.PendingTxRecord{}
		if err := decode(e.Value, rec); err != nil {
			logger.WithError(err).WithField("key", e.Key).Error("skipping undecodable pending entry")
			continue
		}
		records[i] = rec
	}

	// receipt lookups are read-only, fetch them concurrently before applying
	// effects sequentially
	receipts := make([]*types.TxReceiptInfo, len(records))
	receiptErrs := make([]error, len(records))
	pool := workerpool.New(receiptFetchWorkers, len(records))
	for i := range records {
		if records[i] == nil {
			continue
		}
		i := i
		pool.Submit(func() {
			receipts[i], receiptErrs[i] = s.chain.TransactionReceipt(ctx, records[i].Tx.Hash)
		})
	}
	pool.Wait()
	pool.Close()

	nowSec := uint64(s.now().Unix())
	for i, rec := range records {
		if rec == nil {
			continue
		}
		if receiptErrs[i] != nil {
			logger.WithError(receiptErrs[i]).WithFields(s.logFields(&rec.Reveal)).Error("error fetching receipt")
			continue
		}
		if err := s.processPending(ctx, rec, receipts[i], head, nowSec); err != nil {
			logger.WithError(err).WithFields(s.logFields(&rec.Reveal)).Error("error processing pending transaction")
		}
	}
	return nil
}

func (s *Scheduler) processPending(ctx context.Context, rec *types.PendingTxRecord, receipt *types.TxReceiptInfo, head, nowSec uint64) error {
	confirmed := receipt != nil &&
		head >= receipt.BlockNumber &&
		head-receipt.BlockNumber+1 >= s.cfg.FinalityDepth
	if confirmed {
		return s.settle(rec, receipt)
	}

	// unconfirmed (or not even found): escalate if lateness crossed into a
	// higher fee tier
	elapsed := uint64(0)
	if nowSec > rec.Reveal.DueTime() {
		elapsed = nowSec - rec.Reveal.DueTime()
	}
	newFee := ledger.CurrentFee(rec.Reveal.FeeSchedule, elapsed)
	if newFee.Cmp(rec.Tx.MaxFeePerGasUsed) <= 0 {
		return nil
	}

	// forced nonce: a resubmission must replace, never queue behind, the
	// original transaction
	hash, err := s.sendWithFee(ctx, &rec.Reveal, rec.Tx.Nonce, newFee)
	if err != nil {
		return err
	}
	rec.Tx.Hash = hash
	rec.Tx.BroadcastTime = nowSec
	rec.Tx.MaxFeePerGasUsed = newFee
	if err := s.putPendingRecord(rec); err != nil {
		return err
	}

	metrics.TxRebroadcast.Inc()
	logger.WithFields(s.logFields(&rec.Reveal)).WithFields(map[string]interface{}{
		"hash":         hash,
		"nonce":        rec.Tx.Nonce,
		"maxFeePerGas": newFee,
	}).Info("rebroadcast stuck reveal transaction at a higher fee")
	return nil
}

// settle finalizes ledger accounting for a confirmed reveal: the actual gas
// cost is debited from paid, the admission-time reservation is released, and
// all bookkeeping for the fleet is deleted.
func (s *Scheduler) settle(rec *types.PendingTxRecord, receipt *types.TxReceiptInfo) error {
	cost := rec.Reveal.MinimumBalance
	if receipt.GasUsed > 0 && receipt.EffectiveGasPrice != nil {
		cost = new(big.Int).Mul(new(big.Int).SetUint64(receipt.GasUsed), receipt.EffectiveGasPrice)
	}
	if receipt.Status == 0 {
		logger.WithFields(s.logFields(&rec.Reveal)).WithField("hash", rec.Tx.Hash).
			Warn("reveal transaction reverted on-chain, settling its gas cost anyway")
	}

	err := s.ledger.Update(rec.Reveal.Player, func(acct *types.Account) error {
		acct.Paid = new(big.Int).Sub(acct.Paid, cost)
		acct.Spending = new(big.Int).Sub(acct.Spending, rec.Reveal.MinimumBalance)
		if acct.Spending.Sign() < 0 {
			acct.Spending = new(big.Int)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.store.Delete(pendingKey(rec.Reveal.FleetID)); err != nil {
		return err
	}
	if err := s.store.Delete(lookupKey(rec.Reveal.FleetID)); err != nil {
		return err
	}

	metrics.TxConfirmed.Inc()
	logger.WithFields(s.logFields(&rec.Reveal)).WithFields(map[string]interface{}{
		"hash": rec.Tx.Hash,
		"cost": cost,
	}).Info("reveal confirmed and settled")
	return nil
}
