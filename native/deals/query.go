package deals

import "math/big"

// GetDeal returns a copy of the stored deal.
func (e *Engine) GetDeal(id string) (*Deal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.loadDeal(id)
}

// DealIDs lists every deal id in creation order.
func (e *Engine) DealIDs() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.DealIDs()
}

// OpenDealIDs lists deals that have not reached a terminal status.
func (e *Engine) OpenDealIDs() ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	return e.state.OpenDealIDs()
}

// PartyDeals lists the ids recorded for party under role, oldest first.
func (e *Engine) PartyDeals(role PartyRole, party [20]byte) ([]string, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if party == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	return e.state.DealIndex(role, party)
}

// BrandDeals lists deals where addr is the brand.
func (e *Engine) BrandDeals(addr [20]byte) ([]string, error) {
	return e.PartyDeals(RoleBrand, addr)
}

// CreatorDeals lists deals where addr is the creator.
func (e *Engine) CreatorDeals(addr [20]byte) ([]string, error) {
	return e.PartyDeals(RoleCreator, addr)
}

// CanAutoRelease reports whether AutoReleasePayment would pass its status and
// timing guards now.
func (e *Engine) CanAutoRelease(id string) (bool, error) {
	deal, err := e.GetDeal(id)
	if err != nil {
		return false, err
	}
	return deal.Status == StatusPendingReview && e.now() >= deal.ReviewDeadline, nil
}

// CanAutoRefund reports whether AutoRefundAfterDeadline would pass its status
// and timing guards now.
func (e *Engine) CanAutoRefund(id string) (bool, error) {
	deal, err := e.GetDeal(id)
	if err != nil {
		return false, err
	}
	return deal.Status == StatusActive && e.now() > deal.Deadline, nil
}

// EscrowedTotal sums the amounts of every deal currently holding funds. It
// must never exceed the vault's token balance.
func (e *Engine) EscrowedTotal() (*big.Int, error) {
	ids, err := e.DealIDs()
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, id := range ids {
		deal, err := e.loadDeal(id)
		if err != nil {
			return nil, err
		}
		if deal.HoldsFunds() {
			total.Add(total, deal.Amount)
		}
	}
	return total, nil
}

// VaultBalance returns the escrowed token balance held in custody.
func (e *Engine) VaultBalance() (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.token.BalanceOf(e.vault)
}
