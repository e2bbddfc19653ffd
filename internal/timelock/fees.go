package timelock

import (
	"math"
	"math/bits"

	"github.com/rk-rishikesh/sealed-bid-auction/internal/amount"
)

// DefaultCallbackGasLimit is the gas budget of one decryption callback.
const DefaultCallbackGasLimit = 100_000

// FeeParams prices a decryption request.
type FeeParams struct {
	BaseFee  amount.Amount // BaseFee is charged per request
	GasPrice amount.Amount // GasPrice is the price per unit of callback gas
}

// DefaultFeeParams returns the fee schedule used by the dev network.
func DefaultFeeParams() FeeParams {
	return FeeParams{
		BaseFee:  1_000_000, // 0.001
		GasPrice: 1,
	}
}

// Estimate returns BaseFee + gasLimit * GasPrice, saturating on overflow
// so a huge gas limit can never wrap to a small fee.
func (p FeeParams) Estimate(gasLimit uint64) amount.Amount {
	return amount.Amount(safeAdd(uint64(p.BaseFee), safeMul(gasLimit, uint64(p.GasPrice))))
}

// safeMul returns a * b, capping at MaxUint64 on overflow.
func safeMul(a, b uint64) uint64 {
	if a == 0 || b == 0 {
		return 0
	}

	hi, _ := bits.Mul64(a, b)
	if hi > 0 {
		return math.MaxUint64
	}

	return a * b
}

// safeAdd returns a + b, capping at MaxUint64 on overflow.
func safeAdd(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return math.MaxUint64
	}

	return sum
}
