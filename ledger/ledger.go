// Package ledger owns the per-player account records: balances, the
// submission-ordering watermark, the registered delegate and the fee
// schedule. All mutations go through Update, which serializes writers and
// re-reads the authoritative record before applying.
package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"fleet-resolver/kvstore"
	"fleet-resolver/types"
	"fleet-resolver/utils"

	"github.com/sirupsen/logrus"
)

var logger = logrus.New().WithField("module", "ledger")

const accountPrefix = "account:"

func accountKey(address string) string {
	return accountPrefix + strings.ToLower(address)
}

type Ledger struct {
	store              kvstore.Store
	defaultFeeSchedule []types.FeeTier

	mu  sync.Mutex
	now func() time.Time
}

func New(store kvstore.Store, defaultFeeSchedule []types.FeeTier) (*Ledger, error) {
	if err := ValidateFeeSchedule(defaultFeeSchedule); err != nil {
		return nil, fmt.Errorf("invalid default fee schedule: %w", err)
	}
	return &Ledger{
		store:              store,
		defaultFeeSchedule: defaultFeeSchedule,
		now:                time.Now,
	}, nil
}

// Account returns the stored account or a fresh zero-balance account with
// the default fee schedule. The fresh account is not persisted; accounts are
// only persisted by mutations.
func (l *Ledger) Account(address string) (*types.Account, error) {
	raw, found, err := l.store.Get(accountKey(address))
	if err != nil {
		return nil, err
	}
	if !found {
		return l.freshAccount(address), nil
	}
	acct := &types.Account{}
	if err := json.Unmarshal(raw, acct); err != nil {
		return nil, fmt.Errorf("error decoding account %v: %w", address, err)
	}
	return acct, nil
}

func (l *Ledger) freshAccount(address string) *types.Account {
	return &types.Account{
		Address:     strings.ToLower(address),
		Paid:        new(big.Int),
		Spending:    new(big.Int),
		FeeSchedule: CopyFeeSchedule(l.defaultFeeSchedule),
	}
}

// Update loads (or lazily creates) the account, applies fn and persists the
// result. The record is re-read under the lock so concurrent updaters never
// operate on stale state.
func (l *Ledger) Update(address string, fn func(acct *types.Account) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, err := l.Account(address)
	if err != nil {
		return err
	}
	if err := fn(acct); err != nil {
		return err
	}
	raw, err := json.Marshal(acct)
	if err != nil {
		return err
	}
	return l.store.Put(accountKey(address), raw)
}

// ValidateWatermark enforces submission ordering: the submitted millisecond
// timestamp must be strictly greater than the stored watermark and must not
// be from the future.
func (l *Ledger) ValidateWatermark(acct *types.Account, submitted uint64) error {
	if submitted <= acct.NonceMsTimestamp {
		return types.NewCodedError(types.CodeInvalidNonce,
			"nonce %d is not greater than the current watermark %d", submitted, acct.NonceMsTimestamp)
	}
	nowMs := uint64(l.now().UnixMilli())
	if submitted > nowMs {
		return types.NewCodedError(types.CodeInvalidNonce,
			"nonce %d is in the future (now %d)", submitted, nowMs)
	}
	return nil
}

// Authorize verifies a submission signature. claimedDelegate, when non-empty,
// must equal the account's registered delegate; the signature is then checked
// against the registered delegate, otherwise against the player.
func (l *Ledger) Authorize(acct *types.Account, player, claimedDelegate, message, signature string) error {
	expected := player
	if claimedDelegate != "" {
		if acct.Delegate == "" {
			return types.NewCodedError(types.CodeNotAuthorized,
				"no delegate registered for %v", player)
		}
		if !strings.EqualFold(claimedDelegate, acct.Delegate) {
			return types.NewCodedError(types.CodeNotAuthorized,
				"delegate %v does not match the registered delegate", claimedDelegate)
		}
		expected = acct.Delegate
	}
	if !utils.VerifyMessageSignature(expected, message, signature) {
		return types.NewCodedError(types.CodeNotAuthorized, "invalid signature")
	}
	return nil
}

// Register records or updates the player's delegate. The submission is
// signed by the player.
func (l *Ledger) Register(sub *types.RegisterSubmission) error {
	if sub.Player == "" || sub.Signature == "" || sub.NonceMsTimestamp == 0 {
		return types.NewCodedError(types.CodeInvalidSubmission, "missing required register fields")
	}
	return l.Update(sub.Player, func(acct *types.Account) error {
		if err := l.ValidateWatermark(acct, sub.NonceMsTimestamp); err != nil {
			return err
		}
		if err := l.Authorize(acct, sub.Player, "", sub.SigningMessage(), sub.Signature); err != nil {
			return err
		}
		acct.Delegate = strings.ToLower(sub.Delegate)
		acct.NonceMsTimestamp = sub.NonceMsTimestamp
		logger.WithFields(logrus.Fields{
			"player":   acct.Address,
			"delegate": acct.Delegate,
		}).Info("registered delegate")
		return nil
	})
}

// SetFeeSchedule replaces the player's fee schedule. The schedule shape is
// validated before any state lookup.
func (l *Ledger) SetFeeSchedule(sub *types.FeeScheduleSubmission) error {
	if err := ValidateFeeSchedule(sub.FeeSchedule); err != nil {
		return err
	}
	if sub.Player == "" || sub.Signature == "" || sub.NonceMsTimestamp == 0 {
		return types.NewCodedError(types.CodeInvalidSubmission, "missing required fee schedule fields")
	}
	return l.Update(sub.Player, func(acct *types.Account) error {
		if err := l.ValidateWatermark(acct, sub.NonceMsTimestamp); err != nil {
			return err
		}
		if err := l.Authorize(acct, sub.Player, sub.Delegate, sub.SigningMessage(), sub.Signature); err != nil {
			return err
		}
		acct.FeeSchedule = CopyFeeSchedule(sub.FeeSchedule)
		acct.NonceMsTimestamp = sub.NonceMsTimestamp
		return nil
	})
}

// Reserve adds amount to the account's spending.
func (l *Ledger) Reserve(address string, amount *big.Int) error {
	return l.Update(address, func(acct *types.Account) error {
		acct.Spending = new(big.Int).Add(acct.Spending, amount)
		return nil
	})
}

// Release removes a previously reserved amount from spending.
func (l *Ledger) Release(address string, amount *big.Int) error {
	return l.Update(address, func(acct *types.Account) error {
		if acct.Spending.Cmp(amount) < 0 {
			return fmt.Errorf("release %v exceeds spending %v for %v", amount, acct.Spending, address)
		}
		acct.Spending = new(big.Int).Sub(acct.Spending, amount)
		return nil
	})
}

// Credit adds amount to the account's paid balance.
func (l *Ledger) Credit(address string, amount *big.Int) error {
	return l.Update(address, func(acct *types.Account) error {
		acct.Paid = new(big.Int).Add(acct.Paid, amount)
		return nil
	})
}

// Debit removes amount from the account's paid balance.
func (l *Ledger) Debit(address string, amount *big.Int) error {
	return l.Update(address, func(acct *types.Account) error {
		acct.Paid = new(big.Int).Sub(acct.Paid, amount)
		return nil
	})
}

// SetNow overrides the clock. Used by tests.
func (l *Ledger) SetNow(now func() time.Time) {
	l.now = now
}
