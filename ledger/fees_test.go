package ledger

import (
	"math/big"
	"testing"

	"fleet-resolver/types"
)

func testSchedule() []types.FeeTier {
	return []types.FeeTier{
		{Delay: 0, MaxFeePerGas: big.NewInt(10)},
		{Delay: 60, MaxFeePerGas: big.NewInt(20)},
		{Delay: 300, MaxFeePerGas: big.NewInt(50)},
	}
}

func TestCurrentFee(t *testing.T) {
	schedule := testSchedule()
	tests := []struct {
		elapsed  uint64
		expected int64
	}{
		{0, 10},
		{59, 10},
		{60, 20},
		{299, 20},
		{300, 50},
		{100000, 50},
	}
	for _, tt := range tests {
		got := CurrentFee(schedule, tt.elapsed)
		if got.Int64() != tt.expected {
			t.Errorf("CurrentFee(%d): expected %d, got %v", tt.elapsed, tt.expected, got)
		}
	}
}

func TestCurrentFeeMonotonic(t *testing.T) {
	schedule := testSchedule()
	last := new(big.Int)
	for elapsed := uint64(0); elapsed <= 600; elapsed++ {
		fee := CurrentFee(schedule, elapsed)
		if fee.Cmp(last) < 0 {
			t.Fatalf("fee decreased at elapsed=%d: %v < %v", elapsed, fee, last)
		}
		last = fee
	}
}

func TestMaxFeeAllowedAndMinimumBalance(t *testing.T) {
	schedule := testSchedule()
	if max := MaxFeeAllowed(schedule); max.Int64() != 50 {
		t.Errorf("expected max fee 50, got %v", max)
	}
	if min := MinimumBalance(schedule, 5); min.Int64() != 250 {
		t.Errorf("expected minimum balance 250, got %v", min)
	}
}

func TestValidateFeeSchedule(t *testing.T) {
	tests := []struct {
		name     string
		schedule []types.FeeTier
		valid    bool
	}{
		{"valid", testSchedule(), true},
		{"too few tiers", testSchedule()[:2], false},
		{"too many tiers", append(testSchedule(), types.FeeTier{Delay: 400, MaxFeePerGas: big.NewInt(60)}), false},
		{"first delay not zero", []types.FeeTier{
			{Delay: 1, MaxFeePerGas: big.NewInt(10)},
			{Delay: 60, MaxFeePerGas: big.NewInt(20)},
			{Delay: 300, MaxFeePerGas: big.NewInt(50)},
		}, false},
		{"delays not ascending", []types.FeeTier{
			{Delay: 0, MaxFeePerGas: big.NewInt(10)},
			{Delay: 300, MaxFeePerGas: big.NewInt(20)},
			{Delay: 60, MaxFeePerGas: big.NewInt(50)},
		}, false},
		{"missing fee", []types.FeeTier{
			{Delay: 0, MaxFeePerGas: big.NewInt(10)},
			{Delay: 60},
			{Delay: 300, MaxFeePerGas: big.NewInt(50)},
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFeeSchedule(tt.schedule)
			if tt.valid && err != nil {
				t.Errorf("expected schedule to be valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("expected schedule to be rejected")
			}
		})
	}
}

func TestCopyFeeScheduleIsDeep(t *testing.T) {
	schedule := testSchedule()
	snapshot := CopyFeeSchedule(schedule)
	schedule[2].MaxFeePerGas.SetInt64(9999)
	if snapshot[2].MaxFeePerGas.Int64() != 50 {
		t.Errorf("snapshot mutated through the original schedule: %v", snapshot[2].MaxFeePerGas)
	}
}
