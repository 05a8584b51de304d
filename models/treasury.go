package models

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const LamportsPerSOL = 1_000_000_000

// TreasuryState is recomputed from live RPC queries every agent cycle.
// All amounts are lamports or raw token units.
type TreasuryState struct {
	SolBalanceLamports uint64          `json:"solBalanceLamports"`
	TokenBalance       uint64          `json:"tokenBalance"`
	ThresholdLamports  uint64          `json:"thresholdLamports"`
	BuybackRatio       decimal.Decimal `json:"buybackRatio"`
	FeeReserveLamports uint64          `json:"feeReserveLamports"`
}

// Eligible reports whether the balance reached the threshold.
func (s TreasuryState) Eligible() bool {
	return s.SolBalanceLamports >= s.ThresholdLamports
}

// Available is the balance left after the fee reserve, never below zero.
func (s TreasuryState) Available() uint64 {
	if s.SolBalanceLamports <= s.FeeReserveLamports {
		return 0
	}
	return s.SolBalanceLamports - s.FeeReserveLamports
}

// BuybackAmount is floor(Available * ratio), computed exactly. A ratio
// outside [0, 1] is clamped.
func (s TreasuryState) BuybackAmount() uint64 {
	ratio := s.BuybackRatio
	if !ratio.IsPositive() {
		return 0
	}
	if ratio.GreaterThan(decimal.NewFromInt(1)) {
		ratio = decimal.NewFromInt(1)
	}
	available := decimal.NewFromBigInt(new(big.Int).SetUint64(s.Available()), 0)
	return available.Mul(ratio).Floor().BigInt().Uint64()
}

// Shortfall is how many lamports are missing to reach the threshold.
func (s TreasuryState) Shortfall() uint64 {
	if s.Eligible() {
		return 0
	}
	return s.ThresholdLamports - s.SolBalanceLamports
}

// FormatSOL renders lamports for display only.
func FormatSOL(lamports uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(lamports), -9).StringFixed(6)
}

// ParseSOL converts a decimal SOL amount into lamports without floats.
func ParseSOL(s string) (uint64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, err
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative amount %s", s)
	}
	return uint64(d.Shift(9).Floor().IntPart()), nil
}
