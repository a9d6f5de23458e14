package state

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"sponsorvault/native/deals"
)

var (
	dealRecordPrefix = []byte("deals/record/")
	dealIndexPrefix  = []byte("deals/index/")
	dealListKey      = []byte("deals/all")
	dealOpenKey      = []byte("deals/open")
)

type storedDeal struct {
	ID              string
	Brand           [20]byte
	Creator         [20]byte
	Amount          *big.Int
	Deadline        uint64
	BriefHash       string
	ContentURL      string
	DisputeReason   string
	Status          uint8
	Funded          bool
	CreatedAt       uint64
	FundedAt        uint64
	SubmittedAt     uint64
	ReviewDeadline  uint64
	DisputedAt      uint64
	AcceptedDispute bool
	Exists          bool
}

func newStoredDeal(d *deals.Deal) *storedDeal {
	return &storedDeal{
		ID:              d.ID,
		Brand:           d.Brand,
		Creator:         d.Creator,
		Amount:          new(big.Int).Set(d.Amount),
		Deadline:        uint64(d.Deadline),
		BriefHash:       d.BriefHash,
		ContentURL:      d.ContentURL,
		DisputeReason:   d.DisputeReason,
		Status:          uint8(d.Status),
		Funded:          d.Funded,
		CreatedAt:       uint64(d.CreatedAt),
		FundedAt:        uint64(d.FundedAt),
		SubmittedAt:     uint64(d.SubmittedAt),
		ReviewDeadline:  uint64(d.ReviewDeadline),
		DisputedAt:      uint64(d.DisputedAt),
		AcceptedDispute: d.AcceptedDispute,
		Exists:          d.Exists,
	}
}

func (s *storedDeal) toDeal() *deals.Deal {
	amount := big.NewInt(0)
	if s.Amount != nil {
		amount = new(big.Int).Set(s.Amount)
	}
	return &deals.Deal{
		ID:              s.ID,
		Brand:           s.Brand,
		Creator:         s.Creator,
		Amount:          amount,
		Deadline:        int64(s.Deadline),
		BriefHash:       s.BriefHash,
		ContentURL:      s.ContentURL,
		DisputeReason:   s.DisputeReason,
		Status:          deals.Status(s.Status),
		Funded:          s.Funded,
		CreatedAt:       int64(s.CreatedAt),
		FundedAt:        int64(s.FundedAt),
		SubmittedAt:     int64(s.SubmittedAt),
		ReviewDeadline:  int64(s.ReviewDeadline),
		DisputedAt:      int64(s.DisputedAt),
		AcceptedDispute: s.AcceptedDispute,
		Exists:          s.Exists,
	}
}

func dealRecordKey(id string) []byte {
	return append(append([]byte(nil), dealRecordPrefix...), id...)
}

func dealIndexKey(role deals.PartyRole, party [20]byte) []byte {
	key := append([]byte(nil), dealIndexPrefix...)
	key = append(key, role...)
	key = append(key, '/')
	return append(key, hex.EncodeToString(party[:])...)
}

// DealPut persists the deal record. The first write of a new id also appends it
// to the creation-ordered list of all deals. The open list tracks ids whose
// status is not terminal.
func (m *Manager) DealPut(d *deals.Deal) error {
	sanitized, err := deals.SanitizeDeal(d)
	if err != nil {
		return err
	}
	key := dealRecordKey(sanitized.ID)
	existed, err := m.KVGet(key, nil)
	if err != nil {
		return err
	}
	if err := m.KVPut(key, newStoredDeal(sanitized)); err != nil {
		return err
	}
	if !existed {
		if err := m.KVAppend(dealListKey, []byte(sanitized.ID)); err != nil {
			return err
		}
	}
	if sanitized.Status.Terminal() {
		return m.KVRemove(dealOpenKey, []byte(sanitized.ID))
	}
	return m.KVAppend(dealOpenKey, []byte(sanitized.ID))
}

// DealGet loads the deal stored under id.
func (m *Manager) DealGet(id string) (*deals.Deal, bool, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return nil, false, fmt.Errorf("deal id required")
	}
	var stored storedDeal
	ok, err := m.KVGet(dealRecordKey(trimmed), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.toDeal(), true, nil
}

// DealIDs returns every deal id in creation order.
func (m *Manager) DealIDs() ([]string, error) {
	var raw [][]byte
	if err := m.KVGetList(dealListKey, &raw); err != nil {
		return nil, err
	}
	return bytesToStrings(raw), nil
}

// OpenDealIDs returns the ids of deals that can still change status, in the
// order they were opened.
func (m *Manager) OpenDealIDs() ([]string, error) {
	var raw [][]byte
	if err := m.KVGetList(dealOpenKey, &raw); err != nil {
		return nil, err
	}
	return bytesToStrings(raw), nil
}

// DealIndexAppend records id in the party's list for role. Lists are
// append-only.
func (m *Manager) DealIndexAppend(role deals.PartyRole, party [20]byte, id string) error {
	return m.KVAppend(dealIndexKey(role, party), []byte(id))
}

// DealIndex returns the ids recorded for the party under role.
func (m *Manager) DealIndex(role deals.PartyRole, party [20]byte) ([]string, error) {
	var raw [][]byte
	if err := m.KVGetList(dealIndexKey(role, party), &raw); err != nil {
		return nil, err
	}
	return bytesToStrings(raw), nil
}

func bytesToStrings(raw [][]byte) []string {
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		out = append(out, string(entry))
	}
	return out
}
