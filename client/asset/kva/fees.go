// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package kva

import (
	"context"

	"github.com/shopspring/decimal"
)

// Confirmation targets of the fee tiers.
const (
	FastConfTarget   = 1
	MediumConfTarget = 6
	SlowConfTarget   = 12
)

var bytesPerKB = decimal.NewFromInt(1024)

// feeRateFromEstimate converts a KVA/kB estimate to sat/byte. Missing
// estimates (-1) and rates that round to zero are reported as 1 sat/byte.
func feeRateFromEstimate(coinsPerKB float64) uint64 {
	if coinsPerKB < 0 {
		return 1
	}
	rate := decimal.NewFromFloat(coinsPerKB).Div(bytesPerKB).Mul(satsPerCoin).Round(0).IntPart()
	if rate < 1 {
		return 1
	}
	return uint64(rate)
}

// estimateFee is the fee rate in sat/byte for confirmation within the number
// of blocks.
func estimateFee(ctx context.Context, q *batchQuerier, blocks int) (uint64, error) {
	est, err := q.c.EstimateFee(ctx, blocks)
	if err != nil {
		return 0, err
	}
	return feeRateFromEstimate(est), nil
}

// FeeEstimates are the fee rates of the fee tiers in sat/byte.
type FeeEstimates struct {
	Fast   uint64 `json:"fast"`
	Medium uint64 `json:"medium"`
	Slow   uint64 `json:"slow"`
}

func estimateFees(ctx context.Context, q *batchQuerier) (*FeeEstimates, error) {
	var fe FeeEstimates
	for _, tier := range []struct {
		blocks int
		rate   *uint64
	}{
		{FastConfTarget, &fe.Fast},
		{MediumConfTarget, &fe.Medium},
		{SlowConfTarget, &fe.Slow},
	} {
		rate, err := estimateFee(ctx, q, tier.blocks)
		if err != nil {
			return nil, err
		}
		*tier.rate = rate
	}
	return &fe, nil
}
