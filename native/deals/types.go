package deals

import (
	"fmt"
	"math/big"
	"strings"
)

// Status represents the lifecycle states of a sponsorship deal.
type Status uint8

const (
	StatusPending Status = iota
	StatusActive
	StatusPendingReview
	StatusDisputed
	StatusCompleted
	StatusCancelled
)

// ReviewWindow is the time, in seconds, a brand has to approve or dispute
// submitted content before auto-release becomes eligible.
const ReviewWindow int64 = 72 * 60 * 60

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	return s <= StatusCancelled
}

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusActive:
		return "ACTIVE"
	case StatusPendingReview:
		return "PENDING_REVIEW"
	case StatusDisputed:
		return "DISPUTED"
	case StatusCompleted:
		return "COMPLETED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// ParseStatus converts the canonical status name back into a Status.
func ParseStatus(name string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "PENDING":
		return StatusPending, nil
	case "ACTIVE":
		return StatusActive, nil
	case "PENDING_REVIEW":
		return StatusPendingReview, nil
	case "DISPUTED":
		return StatusDisputed, nil
	case "COMPLETED":
		return StatusCompleted, nil
	case "CANCELLED":
		return StatusCancelled, nil
	default:
		return 0, fmt.Errorf("unknown deal status %q", name)
	}
}

// Deal is one escrow agreement between a brand (payer) and a creator (payee).
// ID, Brand, Creator and Amount never change after creation. Each timestamp is
// written once, by the transition it names, and is zero beforehand.
type Deal struct {
	ID              string
	Brand           [20]byte
	Creator         [20]byte
	Amount          *big.Int
	Deadline        int64
	BriefHash       string
	ContentURL      string
	DisputeReason   string
	Status          Status
	Funded          bool
	CreatedAt       int64
	FundedAt        int64
	SubmittedAt     int64
	ReviewDeadline  int64
	DisputedAt      int64
	AcceptedDispute bool
	Exists          bool
}

// Clone returns a deep copy of the deal so callers can mutate the copy without
// affecting the stored instance.
func (d *Deal) Clone() *Deal {
	if d == nil {
		return nil
	}
	clone := *d
	if d.Amount != nil {
		clone.Amount = new(big.Int).Set(d.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// HoldsFunds reports whether escrowed value is attributable to the deal.
func (d *Deal) HoldsFunds() bool {
	if d == nil || !d.Funded {
		return false
	}
	switch d.Status {
	case StatusPending, StatusActive, StatusPendingReview, StatusDisputed:
		return true
	default:
		return false
	}
}

// SanitizeDeal validates the supplied record and returns a normalised clone.
// The original value is not mutated.
func SanitizeDeal(d *Deal) (*Deal, error) {
	if d == nil {
		return nil, fmt.Errorf("nil deal")
	}
	clone := d.Clone()
	clone.ID = strings.TrimSpace(clone.ID)
	if clone.ID == "" {
		return nil, fmt.Errorf("deal id required")
	}
	if clone.Amount.Sign() < 0 {
		return nil, fmt.Errorf("deal amount must be non-negative")
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("invalid deal status: %d", clone.Status)
	}
	for _, ts := range []int64{clone.Deadline, clone.CreatedAt, clone.FundedAt, clone.SubmittedAt, clone.ReviewDeadline, clone.DisputedAt} {
		if ts < 0 {
			return nil, fmt.Errorf("deal timestamps must be non-negative")
		}
	}
	return clone, nil
}

// PartyRole selects the secondary index consulted for a party.
type PartyRole string

const (
	RoleBrand   PartyRole = "brand"
	RoleCreator PartyRole = "creator"
)

// ParsePartyRole normalises the user-supplied role name.
func ParsePartyRole(raw string) (PartyRole, error) {
	switch PartyRole(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleBrand:
		return RoleBrand, nil
	case RoleCreator:
		return RoleCreator, nil
	default:
		return "", fmt.Errorf("unknown party role %q", raw)
	}
}

// CreateParams carries the immutable fields supplied when a deal is created.
type CreateParams struct {
	ID        string
	Brand     [20]byte
	Creator   [20]byte
	Amount    *big.Int
	Deadline  int64
	BriefHash string
}

// Permit is an off-band signed approval letting the brand authorise the escrow
// to pull Value without a prior on-ledger approval. A zero signature means no
// permit was supplied.
type Permit struct {
	Value    *big.Int
	Deadline int64
	V        uint8
	R        [32]byte
	S        [32]byte
}

// Empty reports whether no signature components were supplied.
func (p *Permit) Empty() bool {
	return p == nil || (p.V == 0 && p.R == ([32]byte{}) && p.S == ([32]byte{}))
}

// Settlement summarises the value moved by a terminal transition.
type Settlement struct {
	CreatorAmount *big.Int
	BrandRefund   *big.Int
	PlatformFee   *big.Int
}

func newSettlement() Settlement {
	return Settlement{CreatorAmount: big.NewInt(0), BrandRefund: big.NewInt(0), PlatformFee: big.NewInt(0)}
}

// Total returns the sum of all three destinations.
func (s Settlement) Total() *big.Int {
	total := new(big.Int)
	for _, part := range []*big.Int{s.CreatorAmount, s.BrandRefund, s.PlatformFee} {
		if part != nil {
			total.Add(total, part)
		}
	}
	return total
}
