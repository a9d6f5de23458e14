package state

import (
	"errors"
	"math/big"
	"reflect"
	"testing"

	"sponsorvault/native/deals"
	"sponsorvault/storage"
)

func testAddr(fill byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = fill
	}
	return out
}

func TestSnapshotRevertRestoresPriorValues(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	if err := mgr.KVPut([]byte("a"), uint64(1)); err != nil {
		t.Fatalf("put a: %v", err)
	}
	if err := mgr.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}

	snap := mgr.Snapshot()
	if err := mgr.KVPut([]byte("a"), uint64(2)); err != nil {
		t.Fatalf("overwrite a: %v", err)
	}
	if err := mgr.KVPut([]byte("b"), uint64(3)); err != nil {
		t.Fatalf("put b: %v", err)
	}
	if err := mgr.RevertToSnapshot(snap); err != nil {
		t.Fatalf("revert: %v", err)
	}

	var a uint64
	ok, err := mgr.KVGet([]byte("a"), &a)
	if err != nil || !ok || a != 1 {
		t.Fatalf("expected a=1 after revert, got %d ok=%v err=%v", a, ok, err)
	}
	ok, err = mgr.KVGet([]byte("b"), nil)
	if err != nil || ok {
		t.Fatalf("expected b to be absent after revert, ok=%v err=%v", ok, err)
	}
	if err := mgr.RevertToSnapshot(5); err == nil {
		t.Fatalf("expected error for out-of-range snapshot")
	}
}

// flakyDB fails every batch write while broken is set.
type flakyDB struct {
	*storage.MemDB
	broken bool
}

var errDisk = errors.New("disk error")

func (f *flakyDB) Write(batch *storage.Batch) error {
	if f.broken {
		return errDisk
	}
	return f.MemDB.Write(batch)
}

func TestWritesReachDatabaseOnlyOnFinalise(t *testing.T) {
	db := storage.NewMemDB()
	mgr := NewManager(db)
	if err := mgr.KVPut([]byte("a"), uint64(7)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if db.Len() != 0 {
		t.Fatalf("expected nothing on disk before finalise, got %d keys", db.Len())
	}
	var a uint64
	if ok, err := mgr.KVGet([]byte("a"), &a); err != nil || !ok || a != 7 {
		t.Fatalf("expected buffered read a=7, got %d ok=%v err=%v", a, ok, err)
	}
	if mgr.Pending() != 1 {
		t.Fatalf("expected one pending key, got %d", mgr.Pending())
	}
	if err := mgr.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if db.Len() != 1 || mgr.Pending() != 0 {
		t.Fatalf("expected committed key, disk=%d pending=%d", db.Len(), mgr.Pending())
	}
	if ok, err := NewManager(db).KVGet([]byte("a"), &a); err != nil || !ok || a != 7 {
		t.Fatalf("expected a fresh manager to read a=7, got %d ok=%v err=%v", a, ok, err)
	}
}

func TestFailedCommitLeavesDatabaseUntouched(t *testing.T) {
	db := &flakyDB{MemDB: storage.NewMemDB()}
	mgr := NewManager(db)
	if err := mgr.SetBalance("SPD", testAddr(0x01), big.NewInt(100)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if err := mgr.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}

	db.broken = true
	if err := mgr.SetBalance("SPD", testAddr(0x01), big.NewInt(40)); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if err := mgr.SetBalance("SPD", testAddr(0x02), big.NewInt(60)); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if err := mgr.Finalise(); !errors.Is(err, errDisk) {
		t.Fatalf("expected disk error, got %v", err)
	}
	if mgr.Pending() != 0 {
		t.Fatalf("failed commit must discard buffered writes")
	}
	from, err := mgr.Balance("SPD", testAddr(0x01))
	if err != nil || from.Int64() != 100 {
		t.Fatalf("expected sender to keep 100, got %v err=%v", from, err)
	}
	to, err := mgr.Balance("SPD", testAddr(0x02))
	if err != nil || to.Sign() != 0 {
		t.Fatalf("expected receiver to hold nothing, got %v err=%v", to, err)
	}
}

func TestNestedSnapshots(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	outer := mgr.Snapshot()
	if err := mgr.ParamPut("x", []byte{1}); err != nil {
		t.Fatalf("param put: %v", err)
	}
	inner := mgr.Snapshot()
	if err := mgr.ParamPut("x", []byte{2}); err != nil {
		t.Fatalf("param put: %v", err)
	}
	if err := mgr.RevertToSnapshot(inner); err != nil {
		t.Fatalf("revert inner: %v", err)
	}
	value, ok, err := mgr.ParamGet("x")
	if err != nil || !ok || value[0] != 1 {
		t.Fatalf("expected inner revert to restore 1, got %v ok=%v err=%v", value, ok, err)
	}
	if err := mgr.RevertToSnapshot(outer); err != nil {
		t.Fatalf("revert outer: %v", err)
	}
	if _, ok, _ := mgr.ParamGet("x"); ok {
		t.Fatalf("expected param to be gone after outer revert")
	}
}

func TestDealRecordRoundTrip(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	deal := &deals.Deal{
		ID:             "D1",
		Brand:          testAddr(0x01),
		Creator:        testAddr(0x02),
		Amount:         big.NewInt(1000),
		Deadline:       1_700_000_900,
		BriefHash:      "QmBrief",
		ContentURL:     "ipfs://content",
		Status:         deals.StatusPendingReview,
		Funded:         true,
		CreatedAt:      1_700_000_000,
		FundedAt:       1_700_000_010,
		SubmittedAt:    1_700_000_100,
		ReviewDeadline: 1_700_000_100 + deals.ReviewWindow,
		Exists:         true,
	}
	if err := mgr.DealPut(deal); err != nil {
		t.Fatalf("deal put: %v", err)
	}
	got, ok, err := mgr.DealGet("D1")
	if err != nil || !ok {
		t.Fatalf("deal get: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(deal, got) {
		t.Fatalf("round trip mismatch:\nwant %+v\ngot  %+v", deal, got)
	}
	if _, ok, err := mgr.DealGet("missing"); err != nil || ok {
		t.Fatalf("expected missing deal, ok=%v err=%v", ok, err)
	}

	// updates do not duplicate the id in the global list
	deal.Status = deals.StatusCompleted
	if err := mgr.DealPut(deal); err != nil {
		t.Fatalf("deal update: %v", err)
	}
	ids, err := mgr.DealIDs()
	if err != nil {
		t.Fatalf("deal ids: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"D1"}) {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestOpenDealsTrackNonTerminalStatus(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	put := func(id string, status deals.Status) {
		t.Helper()
		deal := &deals.Deal{ID: id, Amount: big.NewInt(10), Status: status, Exists: true}
		if err := mgr.DealPut(deal); err != nil {
			t.Fatalf("deal put %s: %v", id, err)
		}
	}
	put("a", deals.StatusPending)
	put("b", deals.StatusActive)
	put("c", deals.StatusPendingReview)
	put("b", deals.StatusDisputed)
	put("a", deals.StatusCancelled)
	put("c", deals.StatusCompleted)
	put("d", deals.StatusCompleted)
	if err := mgr.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}

	open, err := mgr.OpenDealIDs()
	if err != nil {
		t.Fatalf("open ids: %v", err)
	}
	if !reflect.DeepEqual(open, []string{"b"}) {
		t.Fatalf("unexpected open ids: %v", open)
	}
	all, err := mgr.DealIDs()
	if err != nil {
		t.Fatalf("deal ids: %v", err)
	}
	if !reflect.DeepEqual(all, []string{"a", "b", "c", "d"}) {
		t.Fatalf("unexpected ids: %v", all)
	}

	// a reverted transition leaves the deal open
	snap := mgr.Snapshot()
	put("b", deals.StatusCompleted)
	if err := mgr.RevertToSnapshot(snap); err != nil {
		t.Fatalf("revert: %v", err)
	}
	open, err = mgr.OpenDealIDs()
	if err != nil {
		t.Fatalf("open ids after revert: %v", err)
	}
	if !reflect.DeepEqual(open, []string{"b"}) {
		t.Fatalf("revert must restore open ids, got %v", open)
	}
}

func TestDealIndexAppendOnly(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	brand := testAddr(0x01)
	for _, id := range []string{"a", "b", "a", "c"} {
		if err := mgr.DealIndexAppend(deals.RoleBrand, brand, id); err != nil {
			t.Fatalf("append %s: %v", id, err)
		}
	}
	ids, err := mgr.DealIndex(deals.RoleBrand, brand)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected brand index: %v", ids)
	}
	creatorIDs, err := mgr.DealIndex(deals.RoleCreator, brand)
	if err != nil {
		t.Fatalf("creator index: %v", err)
	}
	if len(creatorIDs) != 0 {
		t.Fatalf("roles must be indexed separately, got %v", creatorIDs)
	}
}

func TestRolesAndPause(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	a, b := testAddr(0x0A), testAddr(0x0B)
	if err := mgr.SetRole("custodian", b[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := mgr.SetRole("custodian", a[:]); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if err := mgr.SetRole("custodian", a[:]); err != nil {
		t.Fatalf("set duplicate role: %v", err)
	}
	members, err := mgr.RoleMembers("custodian")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0][0] != 0x0A {
		t.Fatalf("expected two sorted members, got %x", members)
	}
	if err := mgr.RemoveRole("custodian", a[:]); err != nil {
		t.Fatalf("remove role: %v", err)
	}
	if mgr.HasRole("custodian", a[:]) || !mgr.HasRole("custodian", b[:]) {
		t.Fatalf("unexpected membership after removal")
	}

	if mgr.IsPaused("deals") {
		t.Fatalf("module should start unpaused")
	}
	if err := mgr.SetPaused("deals", true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if !mgr.IsPaused("deals") {
		t.Fatalf("expected module to be paused")
	}
}

func TestTokenBalancesAndNonces(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	owner, spender := testAddr(0x01), testAddr(0x02)
	if err := mgr.SetBalance("spd", owner, big.NewInt(42)); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	bal, err := mgr.Balance("SPD", owner)
	if err != nil || bal.Int64() != 42 {
		t.Fatalf("expected balance 42, got %v err=%v", bal, err)
	}
	if err := mgr.SetBalance("SPD", owner, big.NewInt(-1)); err == nil {
		t.Fatalf("expected negative balance to be rejected")
	}
	if err := mgr.SetAllowance("SPD", owner, spender, big.NewInt(7)); err != nil {
		t.Fatalf("set allowance: %v", err)
	}
	allowance, err := mgr.Allowance("SPD", owner, spender)
	if err != nil || allowance.Int64() != 7 {
		t.Fatalf("expected allowance 7, got %v err=%v", allowance, err)
	}
	reverse, err := mgr.Allowance("SPD", spender, owner)
	if err != nil || reverse.Sign() != 0 {
		t.Fatalf("allowances must be directional, got %v err=%v", reverse, err)
	}
	if err := mgr.SetNonce("SPD", owner, 3); err != nil {
		t.Fatalf("set nonce: %v", err)
	}
	nonce, err := mgr.Nonce("SPD", owner)
	if err != nil || nonce != 3 {
		t.Fatalf("expected nonce 3, got %d err=%v", nonce, err)
	}
	if _, err := mgr.Balance(" ", owner); err == nil {
		t.Fatalf("expected blank symbol to be rejected")
	}
}
