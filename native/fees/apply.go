package fees

import (
	"errors"
	"math/big"

	"github.com/holiman/uint256"
)

const (
	// BasisPointsDenominator expresses 100% in basis points.
	BasisPointsDenominator = 10_000
	// MaxPlatformFeeBps caps the configurable platform fee at 10%.
	MaxPlatformFeeBps = 1_000
	// DefaultPlatformFeeBps is applied when no fee has been configured.
	DefaultPlatformFeeBps = 250
	// DisputeCreatorShareBps is the gross share of the escrow awarded to the
	// creator when a dispute is resolved in the creator's favour.
	DisputeCreatorShareBps = 5_000
)

var (
	ErrFeeOutOfRange = errors.New("fees: basis points exceed maximum")
	ErrAmountRange   = errors.New("fees: amount out of range")
)

// Split describes how an escrowed amount leaves the vault.
type Split struct {
	Creator *big.Int
	Brand   *big.Int
	Fee     *big.Int
}

// Total returns the sum of every destination.
func (s Split) Total() *big.Int {
	total := new(big.Int)
	for _, part := range []*big.Int{s.Creator, s.Brand, s.Fee} {
		if part != nil {
			total.Add(total, part)
		}
	}
	return total
}

// ValidateBps ensures a platform fee is within the supported range.
func ValidateBps(bps uint32) error {
	if bps > MaxPlatformFeeBps {
		return ErrFeeOutOfRange
	}
	return nil
}

func toUint(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrAmountRange
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrAmountRange
	}
	return value, nil
}

// PlatformFee returns floor(amount * bps / 10000). Rounding favours the payee.
func PlatformFee(amount *big.Int, bps uint32) (*big.Int, error) {
	if err := ValidateBps(bps); err != nil {
		return nil, err
	}
	value, err := toUint(amount)
	if err != nil {
		return nil, err
	}
	fee, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(uint64(bps)))
	if overflow {
		return nil, ErrAmountRange
	}
	fee.Div(fee, uint256.NewInt(BasisPointsDenominator))
	return fee.ToBig(), nil
}

// Release splits a full payout: the creator receives the amount less the
// platform fee and the brand receives nothing.
func Release(amount *big.Int, bps uint32) (Split, error) {
	fee, err := PlatformFee(amount, bps)
	if err != nil {
		return Split{}, err
	}
	return Split{
		Creator: new(big.Int).Sub(amount, fee),
		Brand:   big.NewInt(0),
		Fee:     fee,
	}, nil
}

// Refund returns the whole amount to the brand without a fee.
func Refund(amount *big.Int) (Split, error) {
	if _, err := toUint(amount); err != nil {
		return Split{}, err
	}
	return Split{
		Creator: big.NewInt(0),
		Brand:   new(big.Int).Set(amount),
		Fee:     big.NewInt(0),
	}, nil
}

// DisputeAward splits an accepted dispute. The creator's gross share is
// DisputeCreatorShareBps of the amount, the platform fee is charged on that
// gross share only and the brand receives the remainder.
func DisputeAward(amount *big.Int, bps uint32) (Split, error) {
	value, err := toUint(amount)
	if err != nil {
		return Split{}, err
	}
	gross, overflow := new(uint256.Int).MulOverflow(value, uint256.NewInt(DisputeCreatorShareBps))
	if overflow {
		return Split{}, ErrAmountRange
	}
	gross.Div(gross, uint256.NewInt(BasisPointsDenominator))
	grossBig := gross.ToBig()
	fee, err := PlatformFee(grossBig, bps)
	if err != nil {
		return Split{}, err
	}
	return Split{
		Creator: new(big.Int).Sub(grossBig, fee),
		Brand:   new(big.Int).Sub(amount, grossBig),
		Fee:     fee,
	}, nil
}
