package ledger

import (
	"math/big"

	"fleet-resolver/types"
)

// feeScheduleTiers is the required tier count of every fee schedule.
const feeScheduleTiers = 3

// ValidateFeeSchedule checks the schedule shape: exactly three tiers,
// ascending by delay, first tier at delay zero, positive fees.
func ValidateFeeSchedule(schedule []types.FeeTier) error {
	if len(schedule) != feeScheduleTiers {
		return types.NewCodedError(types.CodeInvalidFeesScheduleSubmission,
			"fee schedule must have exactly %d tiers, got %d", feeScheduleTiers, len(schedule))
	}
	if schedule[0].Delay != 0 {
		return types.NewCodedError(types.CodeInvalidFeesScheduleSubmission,
			"first fee schedule tier must have delay 0, got %d", schedule[0].Delay)
	}
	for i, tier := range schedule {
		if tier.MaxFeePerGas == nil || tier.MaxFeePerGas.Sign() <= 0 {
			return types.NewCodedError(types.CodeInvalidFeesScheduleSubmission,
				"fee schedule tier %d must have a positive maxFeePerGas", i)
		}
		if i > 0 && tier.Delay <= schedule[i-1].Delay {
			return types.NewCodedError(types.CodeInvalidFeesScheduleSubmission,
				"fee schedule delays must be strictly ascending")
		}
	}
	return nil
}

// MaxFeeAllowed returns the worst-case fee across all tiers. Balance checks
// size the reservation with this, so a later schedule change can never starve
// an already-admitted reveal.
func MaxFeeAllowed(schedule []types.FeeTier) *big.Int {
	max := new(big.Int)
	for _, tier := range schedule {
		if tier.MaxFeePerGas != nil && tier.MaxFeePerGas.Cmp(max) > 0 {
			max = tier.MaxFeePerGas
		}
	}
	return new(big.Int).Set(max)
}

// CurrentFee returns the fee of the highest-delay tier whose threshold has
// been reached. The offered fee is a monotonically non-decreasing step
// function of lateness.
func CurrentFee(schedule []types.FeeTier, elapsedDelaySeconds uint64) *big.Int {
	for i := len(schedule) - 1; i >= 0; i-- {
		if schedule[i].Delay <= elapsedDelaySeconds {
			return new(big.Int).Set(schedule[i].MaxFeePerGas)
		}
	}
	return new(big.Int)
}

// MinimumBalance is the balance required to admit a reveal: the worst-case
// fee times the configured gas estimate.
func MinimumBalance(schedule []types.FeeTier, gasEstimate uint64) *big.Int {
	return new(big.Int).Mul(MaxFeeAllowed(schedule), new(big.Int).SetUint64(gasEstimate))
}

// CopyFeeSchedule returns a deep copy, used to snapshot an account's schedule
// into a reveal record at admission.
func CopyFeeSchedule(schedule []types.FeeTier) []types.FeeTier {
	out := make([]types.FeeTier, len(schedule))
	for i, tier := range schedule {
		out[i] = types.FeeTier{Delay: tier.Delay, MaxFeePerGas: new(big.Int).Set(tier.MaxFeePerGas)}
	}
	return out
}
