// Package helpers provides common utility functions used across the codebase.
package helpers

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Decimals of the chain-native units handled by the daemon.
const (
	BTCDecimals = 8
	ETHDecimals = 18
)

// ToBaseUnits converts a decimal amount to integer base units. Amounts with
// more precision than the unit allows are rejected rather than rounded.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FromBaseUnits converts integer base units to a decimal amount.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -decimals)
}

// BTCToSatoshis converts a BTC amount to satoshis.
func BTCToSatoshis(btc decimal.Decimal) (int64, error) {
	units, err := ToBaseUnits(btc, BTCDecimals)
	if err != nil {
		return 0, err
	}
	if !units.IsInt64() {
		return 0, fmt.Errorf("amount overflow: %s", btc)
	}
	return units.Int64(), nil
}

// SatoshisToBTC converts satoshis to a BTC amount.
func SatoshisToBTC(sats int64) decimal.Decimal {
	return decimal.New(sats, -BTCDecimals)
}

// ETHToWei converts an ETH amount to wei.
func ETHToWei(eth decimal.Decimal) (*big.Int, error) {
	return ToBaseUnits(eth, ETHDecimals)
}

// WeiToETH converts wei to an ETH amount.
func WeiToETH(wei *big.Int) decimal.Decimal {
	return FromBaseUnits(wei, ETHDecimals)
}
