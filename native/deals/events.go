package deals

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"sponsorvault/core/types"
)

const (
	EventTypeDealCreated         = "deals.created"
	EventTypeDealFunded          = "deals.funded"
	EventTypeDealAccepted        = "deals.accepted"
	EventTypeContentSubmitted    = "deals.content_submitted"
	EventTypeDealApproved        = "deals.approved"
	EventTypePaymentReleased     = "deals.payment_released"
	EventTypeDisputeInitiated    = "deals.dispute_initiated"
	EventTypeDisputeResolved     = "deals.dispute_resolved"
	EventTypeDealCancelled       = "deals.cancelled"
	EventTypePlatformFeeUpdated  = "deals.platform_fee_updated"
	EventTypeFeeRecipientUpdated = "deals.fee_recipient_updated"
	EventTypePaused              = "deals.paused"
	EventTypeUnpaused            = "deals.unpaused"
	EventTypeCustodianGranted    = "deals.custodian_granted"
	EventTypeCustodianRevoked    = "deals.custodian_revoked"
	EventTypeTokensSwept         = "deals.tokens_swept"
)

// Cancellation reasons carried on deals.cancelled events.
const (
	CancelReasonBrand     = "brand"
	CancelReasonDeadline  = "deadline"
	CancelReasonEmergency = "emergency"
)

func hexAddr(addr [20]byte) string {
	return "0x" + hex.EncodeToString(addr[:])
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func dealAttributes(d *Deal) map[string]string {
	attrs := map[string]string{
		"dealId": d.ID,
		"status": d.Status.String(),
	}
	if d.Brand != ([20]byte{}) {
		attrs["brand"] = hexAddr(d.Brand)
	}
	if d.Creator != ([20]byte{}) {
		attrs["creator"] = hexAddr(d.Creator)
	}
	attrs["amount"] = amountString(d.Amount)
	return attrs
}

func newDealEvent(eventType string, d *Deal) *types.Event {
	if d == nil {
		return nil
	}
	return &types.Event{Type: eventType, Attributes: dealAttributes(d)}
}

func withSettlement(evt *types.Event, s Settlement) *types.Event {
	evt.Attributes["creatorAmount"] = amountString(s.CreatorAmount)
	evt.Attributes["brandRefund"] = amountString(s.BrandRefund)
	evt.Attributes["platformFee"] = amountString(s.PlatformFee)
	return evt
}

// NewDealCreatedEvent returns the payload for a newly created deal.
func NewDealCreatedEvent(d *Deal) *types.Event {
	evt := newDealEvent(EventTypeDealCreated, d)
	evt.Attributes["deadline"] = strconv.FormatInt(d.Deadline, 10)
	evt.Attributes["briefHash"] = d.BriefHash
	return evt
}

// NewDealFundedEvent returns the payload emitted once escrow is pulled in.
func NewDealFundedEvent(d *Deal, viaPermit bool) *types.Event {
	evt := newDealEvent(EventTypeDealFunded, d)
	evt.Attributes["fundedAt"] = strconv.FormatInt(d.FundedAt, 10)
	evt.Attributes["permit"] = strconv.FormatBool(viaPermit)
	return evt
}

func NewDealAcceptedEvent(d *Deal) *types.Event { return newDealEvent(EventTypeDealAccepted, d) }

// NewContentSubmittedEvent carries the content reference and review deadline.
func NewContentSubmittedEvent(d *Deal) *types.Event {
	evt := newDealEvent(EventTypeContentSubmitted, d)
	evt.Attributes["contentUrl"] = d.ContentURL
	evt.Attributes["reviewDeadline"] = strconv.FormatInt(d.ReviewDeadline, 10)
	return evt
}

func NewDealApprovedEvent(d *Deal) *types.Event { return newDealEvent(EventTypeDealApproved, d) }

// NewPaymentReleasedEvent records a payout to the creator.
func NewPaymentReleasedEvent(d *Deal, s Settlement, automatic bool) *types.Event {
	evt := withSettlement(newDealEvent(EventTypePaymentReleased, d), s)
	evt.Attributes["automatic"] = strconv.FormatBool(automatic)
	return evt
}

func NewDisputeInitiatedEvent(d *Deal) *types.Event {
	evt := newDealEvent(EventTypeDisputeInitiated, d)
	evt.Attributes["reason"] = d.DisputeReason
	return evt
}

func NewDisputeResolvedEvent(d *Deal, s Settlement) *types.Event {
	evt := withSettlement(newDealEvent(EventTypeDisputeResolved, d), s)
	evt.Attributes["accepted"] = strconv.FormatBool(d.AcceptedDispute)
	return evt
}

func NewDealCancelledEvent(d *Deal, reason string, s Settlement) *types.Event {
	evt := withSettlement(newDealEvent(EventTypeDealCancelled, d), s)
	evt.Attributes["reason"] = reason
	return evt
}

func NewPlatformFeeUpdatedEvent(oldBps, newBps uint32) *types.Event {
	return &types.Event{Type: EventTypePlatformFeeUpdated, Attributes: map[string]string{
		"oldBps": strconv.FormatUint(uint64(oldBps), 10),
		"newBps": strconv.FormatUint(uint64(newBps), 10),
	}}
}

func NewFeeRecipientUpdatedEvent(oldAddr, newAddr [20]byte) *types.Event {
	return &types.Event{Type: EventTypeFeeRecipientUpdated, Attributes: map[string]string{
		"old": hexAddr(oldAddr),
		"new": hexAddr(newAddr),
	}}
}

func newAdminEvent(eventType string, caller [20]byte) *types.Event {
	return &types.Event{Type: eventType, Attributes: map[string]string{"by": hexAddr(caller)}}
}

func NewCustodianEvent(eventType string, caller, account [20]byte) *types.Event {
	evt := newAdminEvent(eventType, caller)
	evt.Attributes["account"] = hexAddr(account)
	return evt
}

func NewTokensSweptEvent(caller, tokenAddr, to [20]byte, amount *big.Int) *types.Event {
	evt := newAdminEvent(EventTypeTokensSwept, caller)
	evt.Attributes["token"] = hexAddr(tokenAddr)
	evt.Attributes["to"] = hexAddr(to)
	evt.Attributes["amount"] = amountString(amount)
	return evt
}
