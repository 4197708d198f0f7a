package scheduler

import (
	"context"
	"math/big"
	"strings"

	"fleet-resolver/ledger"
	"fleet-resolver/metrics"
	"fleet-resolver/types"
)

// QueueReveal admits a fleet reveal into the durable queue: it validates the
// submission, authorizes it, reserves the worst-case fee on the account and
// writes the time-keyed queue entry. The fee schedule and the reservation are
// snapshotted at admission, so later account changes cannot starve an
// already-accepted reveal.
func (s *Scheduler) QueueReveal(ctx context.Context, sub *types.RevealSubmission) error {
	if sub.Player == "" || sub.FleetID == "" || sub.Secret == "" || sub.Signature == "" ||
		sub.StartTime == 0 || sub.Duration == 0 || sub.NonceMsTimestamp == 0 {
		return types.NewCodedError(types.CodeInvalidSubmission, "missing required reveal fields")
	}

	// fail fast on ordering and authorization before we touch the chain
	acct, err := s.ledger.Account(sub.Player)
	if err != nil {
		return err
	}
	if err := s.ledger.ValidateWatermark(acct, sub.NonceMsTimestamp); err != nil {
		return err
	}
	if err := s.ledger.Authorize(acct, sub.Player, sub.Delegate, sub.SigningMessage(), sub.Signature); err != nil {
		return err
	}

	// A just-confirmed on-chain payment may not have been reconciled yet.
	// Project the unsynced payment delta read-only before rejecting; paid is
	// only ever credited by the reconciler.
	minimumBalance := ledger.MinimumBalance(acct.FeeSchedule, s.cfg.GasEstimate)
	topUp := new(big.Int)
	if acct.Available().Cmp(minimumBalance) < 0 {
		topUp = s.unsyncedPaymentDelta(ctx, sub.Player)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lookup, err := s.getLookup(sub.FleetID)
	if err != nil {
		return err
	}
	if lookup != nil && lookup.Kind == types.LookupKindPending {
		return types.NewCodedError(types.CodeAlreadyPending,
			"fleet %v already has a pending transaction", sub.FleetID)
	}

	// resubmission while queued: the old reservation is returned as part of
	// the same account update that takes the new one
	previousReservation := new(big.Int)
	staleKey := ""
	if lookup != nil && lookup.Kind == types.LookupKindQueue {
		staleKey = lookup.Key
		raw, found, err := s.store.Get(lookup.Key)
		if err != nil {
			return err
		}
		if !found {
			return types.NewCodedError(types.CodeServerError,
				"lookup for fleet %v points at missing record %v", sub.FleetID, lookup.Key)
		}
		var old types.RevealRecord
		if err := decode(raw, &old); err != nil {
			return err
		}
		if old.MinimumBalance != nil {
			previousReservation = old.MinimumBalance
		}
	}

	scheduledAt := sub.StartTime + sub.Duration
	newKey := queueKey(scheduledAt, sub.FleetID)

	var record *types.RevealRecord
	err = s.ledger.Update(sub.Player, func(acct *types.Account) error {
		// authoritative re-checks under the write lock
		if err := s.ledger.ValidateWatermark(acct, sub.NonceMsTimestamp); err != nil {
			return err
		}
		required := ledger.MinimumBalance(acct.FeeSchedule, s.cfg.GasEstimate)
		available := new(big.Int).Add(acct.Available(), topUp)
		available.Add(available, previousReservation)
		if available.Cmp(required) < 0 {
			return types.NewCodedError(types.CodeNotEnoughBalance,
				"balance %v is below the required minimum %v", available, required)
		}
		acct.Spending = new(big.Int).Add(acct.Spending, required)
		acct.Spending.Sub(acct.Spending, previousReservation)
		acct.NonceMsTimestamp = sub.NonceMsTimestamp

		record = &types.RevealRecord{
			FleetID:        sub.FleetID,
			Player:         strings.ToLower(sub.Player),
			Secret:         sub.Secret,
			From:           sub.From,
			To:             sub.To,
			Distance:       sub.Distance,
			StartTime:      sub.StartTime,
			Duration:       sub.Duration,
			ScheduledAt:    scheduledAt,
			FeeSchedule:    ledger.CopyFeeSchedule(acct.FeeSchedule),
			MinimumBalance: required,
		}
		return nil
	})
	if err != nil {
		return err
	}

	// record first, lookup second, stale entry last: the lookup never points
	// at a key that does not exist
	if err := s.putRevealRecord(newKey, record); err != nil {
		return err
	}
	if err := s.putLookup(sub.FleetID, types.LookupKindQueue, newKey); err != nil {
		return err
	}
	if staleKey != "" && staleKey != newKey {
		if err := s.store.Delete(staleKey); err != nil {
			return err
		}
	}

	metrics.RevealsQueued.Inc()
	logger.WithFields(s.logFields(record)).WithField("scheduledAt", scheduledAt).Info("queued reveal")
	return nil
}

// unsyncedPaymentDelta computes the player's net payment delta from events
// not yet applied by the reconciler. Read-only: neither paid nor the sync
// cursor is touched. Errors degrade to a zero delta.
func (s *Scheduler) unsyncedPaymentDelta(ctx context.Context, player string) *big.Int {
	delta := new(big.Int)

	cursor, _, err := s.readCursor()
	if err != nil {
		logger.WithError(err).Warn("balance fast path: error reading sync cursor")
		return delta
	}
	head, err := s.chain.HeadBlockNumber(ctx)
	if err != nil {
		logger.WithError(err).Warn("balance fast path: error reading head block")
		return delta
	}
	if head < s.cfg.FinalityDepth {
		return delta
	}
	target := head - s.cfg.FinalityDepth
	fromBlock := uint64(0)
	if cursor != nil {
		if target <= cursor.BlockNumber {
			return delta
		}
		fromBlock = cursor.BlockNumber + 1
	}

	events, err := s.chain.PaymentLogs(ctx, fromBlock, target)
	if err != nil {
		logger.WithError(err).Warn("balance fast path: error querying payment logs")
		return delta
	}
	for _, ev := range events {
		if ev.Removed || !strings.EqualFold(ev.Payer, player) {
			continue
		}
		if ev.Refund {
			delta.Sub(delta, ev.Amount)
		} else {
			delta.Add(delta, ev.Amount)
		}
	}
	return delta
}
