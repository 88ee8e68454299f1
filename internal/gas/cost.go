// Package gas converts gas usage and fee levels into ledger amounts.
package gas

import (
	"math"

	"github.com/holiman/uint256"
)

// WeiPerGwei is the wei to gwei conversion factor.
const WeiPerGwei = 1_000_000_000

var gweiDivisor = uint256.NewInt(WeiPerGwei)

// CostWei multiplies gas units by a per-unit fee in wei.
func CostWei(units, feeWei uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(units), uint256.NewInt(feeWei))
}

// CostGwei returns units*feeWei in gwei, rounded up so a debit never
// under-charges the bucket it is taken from.
func CostGwei(units, feeWei uint64) int64 {
	return ToGwei(CostWei(units, feeWei))
}

// ToGwei converts a wei amount to gwei, rounding up and saturating at MaxInt64.
func ToGwei(wei *uint256.Int) int64 {
	q, r := new(uint256.Int), new(uint256.Int)
	q.DivMod(wei, gweiDivisor, r)
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	if !q.IsUint64() || q.Uint64() > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q.Uint64())
}

// GweiToWei converts a gwei amount back to wei.
func GweiToWei(gwei int64) *uint256.Int {
	if gwei <= 0 {
		return new(uint256.Int)
	}
	return new(uint256.Int).Mul(uint256.NewInt(uint64(gwei)), gweiDivisor)
}

// Gwei expresses a whole number of gwei as wei per gas.
func Gwei(n float64) uint64 {
	return uint64(n * WeiPerGwei)
}

// FloorGwei converts a wei amount to gwei, rounding down. Used for balances
// where over-reporting would overstate available funds.
func FloorGwei(wei *uint256.Int) int64 {
	q := new(uint256.Int).Div(wei, gweiDivisor)
	if !q.IsUint64() || q.Uint64() > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(q.Uint64())
}
