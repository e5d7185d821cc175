package fees

import (
	"errors"
	"math/big"
)

// Fee rates are expressed in basis points (1 bp = 0.01%).
const (
	BasisPoints = 10_000
	// MaxFeeRateBps caps configurable rates at 10%.
	MaxFeeRateBps = 1_000
)

// ErrInvalidRate is returned when a configured rate falls outside
// [0, MaxFeeRateBps].
var ErrInvalidRate = errors.New("fees: rate out of range")

var basisPoints = big.NewInt(BasisPoints)

// Config captures the module-wide fee policy. Rates apply to lock and release
// operations independently; the recipient receives every collected fee.
type Config struct {
	LockFeeRateBps    uint32
	ReleaseFeeRateBps uint32
	Recipient         [20]byte
	Enabled           bool
}

// Validate checks both rates against the supported range.
func (c Config) Validate() error {
	if c.LockFeeRateBps > MaxFeeRateBps || c.ReleaseFeeRateBps > MaxFeeRateBps {
		return ErrInvalidRate
	}
	return nil
}

// Compute returns floor(amount * rateBps / 10000). A zero rate or non-positive
// amount yields zero. The arbitrary-precision arithmetic cannot overflow, which
// preserves the "never fail the caller" contract of the fee engine.
func Compute(amount *big.Int, rateBps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || rateBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, new(big.Int).SetUint64(uint64(rateBps)))
	return fee.Div(fee, basisPoints)
}

// Split applies the rate to the gross amount and returns (fee, net). The fee
// never exceeds the gross amount, so net is always non-negative.
func Split(amount *big.Int, rateBps uint32) (*big.Int, *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	fee := Compute(amount, rateBps)
	if fee.Cmp(amount) >= 0 {
		return new(big.Int).Set(amount), big.NewInt(0)
	}
	return fee, new(big.Int).Sub(amount, fee)
}
