package deals

import (
	"errors"
	"math/big"

	"sponsorvault/native/fees"
	"sponsorvault/native/token"
)

func transferError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, token.ErrInsufficientBalance):
		return wrap(ErrInsufficientBalance, "%v", err)
	case errors.Is(err, token.ErrInsufficientAllowance):
		return wrap(ErrInsufficientAllowance, "%v", err)
	default:
		return wrap(ErrTransferFailed, "%v", err)
	}
}

// pay moves amount out of custody. Zero-valued movements are skipped.
func (e *Engine) pay(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if to == ([20]byte{}) {
		return wrap(ErrTransferFailed, "zero recipient")
	}
	return transferError(e.token.Transfer(e.vault, to, amount))
}

// pull moves amount from owner into custody using the vault's allowance.
func (e *Engine) pull(owner [20]byte, amount *big.Int) error {
	allowance, err := e.token.Allowance(owner, e.vault)
	if err != nil {
		return transferError(err)
	}
	if allowance.Cmp(amount) < 0 {
		return wrap(ErrInsufficientAllowance, "have %s, need %s", allowance, amount)
	}
	return transferError(e.token.TransferFrom(e.vault, owner, e.vault, amount))
}

// settle pays out a split for the deal. The creator is paid first, then the
// brand refund, then the platform fee.
func (e *Engine) settle(d *Deal, split fees.Split) (Settlement, error) {
	out := Settlement{
		CreatorAmount: cloneBigInt(split.Creator),
		BrandRefund:   cloneBigInt(split.Brand),
		PlatformFee:   cloneBigInt(split.Fee),
	}
	if out.Total().Cmp(d.Amount) != 0 {
		return Settlement{}, wrap(ErrTransferFailed, "split of %s does not match amount %s", out.Total(), d.Amount)
	}
	if err := e.pay(d.Creator, out.CreatorAmount); err != nil {
		return Settlement{}, err
	}
	if err := e.pay(d.Brand, out.BrandRefund); err != nil {
		return Settlement{}, err
	}
	if out.PlatformFee.Sign() > 0 {
		recipient, err := e.FeeRecipient()
		if err != nil {
			return Settlement{}, err
		}
		if recipient == ([20]byte{}) {
			return Settlement{}, wrap(ErrTransferFailed, "fee recipient not configured")
		}
		if err := e.pay(recipient, out.PlatformFee); err != nil {
			return Settlement{}, err
		}
	}
	return out, nil
}

func (e *Engine) release(d *Deal) (Settlement, error) {
	bps, err := e.PlatformFeeBps()
	if err != nil {
		return Settlement{}, err
	}
	split, err := fees.Release(d.Amount, bps)
	if err != nil {
		return Settlement{}, wrap(ErrInvalidAmount, "%v", err)
	}
	return e.settle(d, split)
}

func (e *Engine) refund(d *Deal) (Settlement, error) {
	if !d.Funded {
		return newSettlement(), nil
	}
	split, err := fees.Refund(d.Amount)
	if err != nil {
		return Settlement{}, wrap(ErrInvalidAmount, "%v", err)
	}
	return e.settle(d, split)
}

func (e *Engine) disputeAward(d *Deal) (Settlement, error) {
	bps, err := e.PlatformFeeBps()
	if err != nil {
		return Settlement{}, err
	}
	split, err := fees.DisputeAward(d.Amount, bps)
	if err != nil {
		return Settlement{}, wrap(ErrInvalidAmount, "%v", err)
	}
	return e.settle(d, split)
}
