package fees

import (
	"errors"
	"math/big"
	"testing"
)

func TestPlatformFeeFloors(t *testing.T) {
	cases := []struct {
		amount int64
		bps    uint32
		want   int64
	}{
		{amount: 1000, bps: 250, want: 25},
		{amount: 1000, bps: 0, want: 0},
		{amount: 1000, bps: 1000, want: 100},
		{amount: 39, bps: 250, want: 0},
		{amount: 41, bps: 250, want: 1},
		{amount: 0, bps: 250, want: 0},
	}
	for _, tc := range cases {
		fee, err := PlatformFee(big.NewInt(tc.amount), tc.bps)
		if err != nil {
			t.Fatalf("fee(%d, %d): %v", tc.amount, tc.bps, err)
		}
		if fee.Int64() != tc.want {
			t.Fatalf("fee(%d, %d): expected %d, got %s", tc.amount, tc.bps, tc.want, fee)
		}
	}
}

func TestPlatformFeeRejectsOutOfRange(t *testing.T) {
	if _, err := PlatformFee(big.NewInt(1000), MaxPlatformFeeBps+1); !errors.Is(err, ErrFeeOutOfRange) {
		t.Fatalf("expected ErrFeeOutOfRange, got %v", err)
	}
	if _, err := PlatformFee(big.NewInt(-1), 100); !errors.Is(err, ErrAmountRange) {
		t.Fatalf("expected ErrAmountRange for negative amount, got %v", err)
	}
	huge := new(big.Int).Lsh(big.NewInt(1), 300)
	if _, err := PlatformFee(huge, 100); !errors.Is(err, ErrAmountRange) {
		t.Fatalf("expected ErrAmountRange for oversized amount, got %v", err)
	}
}

func TestReleaseSplit(t *testing.T) {
	split, err := Release(big.NewInt(1000), 250)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if split.Creator.Int64() != 975 || split.Fee.Int64() != 25 || split.Brand.Sign() != 0 {
		t.Fatalf("unexpected split: creator=%s fee=%s brand=%s", split.Creator, split.Fee, split.Brand)
	}
	if split.Total().Int64() != 1000 {
		t.Fatalf("split must conserve amount, got %s", split.Total())
	}
}

func TestRefundSplit(t *testing.T) {
	split, err := Refund(big.NewInt(777))
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if split.Brand.Int64() != 777 || split.Creator.Sign() != 0 || split.Fee.Sign() != 0 {
		t.Fatalf("unexpected refund split: %+v", split)
	}
}

func TestDisputeAwardSplit(t *testing.T) {
	split, err := DisputeAward(big.NewInt(1000), 250)
	if err != nil {
		t.Fatalf("dispute award: %v", err)
	}
	if split.Creator.Int64() != 488 || split.Brand.Int64() != 500 || split.Fee.Int64() != 12 {
		t.Fatalf("unexpected dispute split: creator=%s brand=%s fee=%s", split.Creator, split.Brand, split.Fee)
	}

	odd, err := DisputeAward(big.NewInt(1001), 250)
	if err != nil {
		t.Fatalf("odd dispute award: %v", err)
	}
	if odd.Total().Int64() != 1001 {
		t.Fatalf("odd split must conserve amount, got %s", odd.Total())
	}
	if odd.Brand.Int64() != 501 {
		t.Fatalf("brand should keep the rounding remainder, got %s", odd.Brand)
	}
}
