// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package app

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const kvaDecimals = 8

// ParseAmount parses a KVA amount into satoshis. Amounts with more than eight
// decimal places are rejected rather than rounded.
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.Sign() <= 0 {
		return 0, fmt.Errorf("amount %s is not positive", s)
	}
	sats := d.Shift(kvaDecimals)
	if !sats.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", s, kvaDecimals)
	}
	if !sats.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s is too large", s)
	}
	return sats.IntPart(), nil
}

// FormatAmount formats satoshis as KVA with eight decimal places.
func FormatAmount(sats int64) string {
	return decimal.New(sats, -kvaDecimals).StringFixed(kvaDecimals)
}
