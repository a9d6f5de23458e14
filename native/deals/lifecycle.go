package deals

import (
	"strings"

	"sponsorvault/native/token"
)

// CreateDeal records a new PENDING deal and appends it to both parties'
// indices.
func (e *Engine) CreateDeal(caller [20]byte, params CreateParams) (*Deal, error) {
	var created *Deal
	err := e.execute(func() error {
		if err := e.custodianGate(caller, true); err != nil {
			return err
		}
		id := strings.TrimSpace(params.ID)
		if id == "" {
			return ErrInvalidID
		}
		if params.Brand == ([20]byte{}) || params.Creator == ([20]byte{}) {
			return ErrInvalidAddress
		}
		if params.Brand == params.Creator {
			return ErrSameParty
		}
		if params.Amount == nil || params.Amount.Sign() <= 0 || params.Amount.BitLen() > 256 {
			return ErrInvalidAmount
		}
		brief, err := requireText(params.BriefHash, ErrEmptyBrief)
		if err != nil {
			return err
		}
		now := e.now()
		if params.Deadline <= now {
			return wrap(ErrDeadlinePassed, "deadline %d not after %d", params.Deadline, now)
		}
		if existing, ok, err := e.state.DealGet(id); err != nil {
			return err
		} else if ok && existing.Exists {
			return wrap(ErrAlreadyExists, "%s", id)
		}
		deal := &Deal{
			ID:        id,
			Brand:     params.Brand,
			Creator:   params.Creator,
			Amount:    cloneBigInt(params.Amount),
			Deadline:  params.Deadline,
			BriefHash: brief,
			Status:    StatusPending,
			CreatedAt: now,
			Exists:    true,
		}
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		if err := e.state.DealIndexAppend(RoleBrand, deal.Brand, id); err != nil {
			return err
		}
		if err := e.state.DealIndexAppend(RoleCreator, deal.Creator, id); err != nil {
			return err
		}
		e.emit(NewDealCreatedEvent(deal))
		created = deal
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// FundDeal pulls the deal amount from the brand into custody. A non-empty
// permit is submitted first; its failure aborts funding.
func (e *Engine) FundDeal(caller, brand [20]byte, id string, permit *Permit) error {
	return e.execute(func() error {
		if err := e.custodianGate(caller, true); err != nil {
			return err
		}
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		if err := checkDeal(deal, inStatus(StatusPending), partyIs(RoleBrand, brand), funded(false)); err != nil {
			return err
		}
		now := e.now()
		viaPermit := !permit.Empty()
		if viaPermit {
			if err := e.submitPermit(deal, permit, now); err != nil {
				return err
			}
		}
		if err := e.pull(deal.Brand, deal.Amount); err != nil {
			return err
		}
		deal.Funded = true
		deal.FundedAt = now
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		e.emit(NewDealFundedEvent(deal, viaPermit))
		return nil
	})
}

func (e *Engine) submitPermit(deal *Deal, permit *Permit, now int64) error {
	if e.permits == nil {
		return wrap(ErrPermitFailed, "no permit verifier configured")
	}
	value := permit.Value
	if value == nil {
		value = deal.Amount
	}
	req := token.PermitRequest{
		Owner:    deal.Brand,
		Spender:  e.vault,
		Value:    cloneBigInt(value),
		Deadline: permit.Deadline,
		V:        permit.V,
		R:        permit.R,
		S:        permit.S,
	}
	if err := e.permits.Permit(req, now); err != nil {
		return wrap(ErrPermitFailed, "%v", err)
	}
	return nil
}

// AcceptDeal moves a funded PENDING deal to ACTIVE on the creator's behalf.
func (e *Engine) AcceptDeal(caller, creator [20]byte, id string) error {
	return e.execute(func() error {
		if err := e.custodianGate(caller, true); err != nil {
			return err
		}
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		if err := checkDeal(deal, inStatus(StatusPending), partyIs(RoleCreator, creator), funded(true)); err != nil {
			return err
		}
		deal.Status = StatusActive
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		e.emit(NewDealAcceptedEvent(deal))
		return nil
	})
}

// SubmitContent records the deliverable and opens the review window.
func (e *Engine) SubmitContent(caller, creator [20]byte, id, contentURL string) error {
	return e.execute(func() error {
		if err := e.custodianGate(caller, true); err != nil {
			return err
		}
		content, err := requireText(contentURL, ErrEmptyContent)
		if err != nil {
			return err
		}
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		now := e.now()
		if err := checkDeal(deal,
			inStatus(StatusActive),
			partyIs(RoleCreator, creator),
			notAfter(now, submissionDeadline, ErrDeadlinePassed),
		); err != nil {
			return err
		}
		deal.ContentURL = content
		deal.SubmittedAt = now
		deal.ReviewDeadline = now + ReviewWindow
		deal.Status = StatusPendingReview
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		e.emit(NewContentSubmittedEvent(deal))
		return nil
	})
}

// ApproveDeal completes the deal on the brand's behalf and pays the creator.
func (e *Engine) ApproveDeal(caller, brand [20]byte, id string) (Settlement, error) {
	var settlement Settlement
	err := e.execute(func() error {
		if err := e.custodianGate(caller, true); err != nil {
			return err
		}
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		if err := checkDeal(deal, inStatus(StatusPendingReview), partyIs(RoleBrand, brand)); err != nil {
			return err
		}
		deal.Status = StatusCompleted
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		if settlement, err = e.release(deal); err != nil {
			return err
		}
		e.emit(NewDealApprovedEvent(deal))
		e.emit(NewPaymentReleasedEvent(deal, settlement, false))
		return nil
	})
	return settlement, err
}

// AutoReleasePayment pays the creator once the review window has lapsed.
// Anyone may call it and it ignores the pause flag.
func (e *Engine) AutoReleasePayment(id string) (Settlement, error) {
	var settlement Settlement
	err := e.execute(func() error {
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		if err := checkDeal(deal,
			inStatus(StatusPendingReview),
			reached(e.now(), reviewDeadline, ErrReviewOpen),
		); err != nil {
			return err
		}
		deal.Status = StatusCompleted
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		if settlement, err = e.release(deal); err != nil {
			return err
		}
		e.emit(NewPaymentReleasedEvent(deal, settlement, true))
		return nil
	})
	return settlement, err
}

// InitiateDispute contests submitted content during the review window.
func (e *Engine) InitiateDispute(caller, brand [20]byte, id, reason string) error {
	return e.execute(func() error {
		if err := e.custodianGate(caller, true); err != nil {
			return err
		}
		trimmed, err := requireText(reason, ErrEmptyReason)
		if err != nil {
			return err
		}
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		now := e.now()
		if err := checkDeal(deal,
			inStatus(StatusPendingReview),
			partyIs(RoleBrand, brand),
			before(now, reviewDeadline, ErrReviewClosed),
		); err != nil {
			return err
		}
		deal.Status = StatusDisputed
		deal.DisputeReason = trimmed
		deal.DisputedAt = now
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		e.emit(NewDisputeInitiatedEvent(deal))
		return nil
	})
}

// ResolveDispute settles a dispute on the creator's behalf. Accepting splits
// the escrow; rejecting refunds the brand in full.
func (e *Engine) ResolveDispute(caller, creator [20]byte, id string, accept bool) (Settlement, error) {
	var settlement Settlement
	err := e.execute(func() error {
		if err := e.custodianGate(caller, true); err != nil {
			return err
		}
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		if err := checkDeal(deal, inStatus(StatusDisputed), partyIs(RoleCreator, creator)); err != nil {
			return err
		}
		deal.Status = StatusCompleted
		deal.AcceptedDispute = accept
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		if accept {
			settlement, err = e.disputeAward(deal)
		} else {
			settlement, err = e.refund(deal)
		}
		if err != nil {
			return err
		}
		e.emit(NewDisputeResolvedEvent(deal, settlement))
		return nil
	})
	return settlement, err
}

// AutoRefundAfterDeadline returns the escrow to the brand when the creator
// missed the submission deadline. Anyone may call it and it ignores the pause
// flag.
func (e *Engine) AutoRefundAfterDeadline(id string) (Settlement, error) {
	var settlement Settlement
	err := e.execute(func() error {
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		if err := checkDeal(deal,
			inStatus(StatusActive),
			after(e.now(), submissionDeadline, ErrDeadlineNotReached),
		); err != nil {
			return err
		}
		deal.Status = StatusCancelled
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		if settlement, err = e.refund(deal); err != nil {
			return err
		}
		e.emit(NewDealCancelledEvent(deal, CancelReasonDeadline, settlement))
		return nil
	})
	return settlement, err
}

// CancelDeal cancels a PENDING deal on the brand's behalf. A funded deal is
// refunded in full.
func (e *Engine) CancelDeal(caller, brand [20]byte, id string) (Settlement, error) {
	var settlement Settlement
	err := e.execute(func() error {
		if err := e.custodianGate(caller, true); err != nil {
			return err
		}
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		if err := checkDeal(deal, inStatus(StatusPending), partyIs(RoleBrand, brand)); err != nil {
			return err
		}
		deal.Status = StatusCancelled
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		if settlement, err = e.refund(deal); err != nil {
			return err
		}
		e.emit(NewDealCancelledEvent(deal, CancelReasonBrand, settlement))
		return nil
	})
	return settlement, err
}

// EmergencyCancelDeal refunds an ACTIVE or PENDING_REVIEW deal to the brand.
// It remains available while the module is paused.
func (e *Engine) EmergencyCancelDeal(caller [20]byte, id string) (Settlement, error) {
	var settlement Settlement
	err := e.execute(func() error {
		if err := e.custodianGate(caller, false); err != nil {
			return err
		}
		deal, err := e.loadDeal(id)
		if err != nil {
			return err
		}
		if err := checkDeal(deal, inStatus(StatusActive, StatusPendingReview)); err != nil {
			return err
		}
		deal.Status = StatusCancelled
		if err := e.storeDeal(deal); err != nil {
			return err
		}
		if settlement, err = e.refund(deal); err != nil {
			return err
		}
		e.emit(NewDealCancelledEvent(deal, CancelReasonEmergency, settlement))
		return nil
	})
	return settlement, err
}
