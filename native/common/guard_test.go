package common

import (
	"errors"
	"testing"
)

type memPause map[string]bool

func (m memPause) IsPaused(module string) bool { return m[module] }

func (m memPause) SetPaused(module string, paused bool) error {
	m[module] = paused
	return nil
}

func TestGuard(t *testing.T) {
	flags := memPause{}
	if err := Guard(flags, "deals"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flags["deals"] = true
	if err := Guard(flags, "deals"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if err := Guard(nil, "deals"); err != nil {
		t.Fatalf("nil view must not block: %v", err)
	}
	if err := Guard(flags, " "); err != nil {
		t.Fatalf("blank module must not block: %v", err)
	}
}

func TestToggle(t *testing.T) {
	flags := memPause{}
	changed, err := Toggle(flags, "deals", true)
	if err != nil || !changed {
		t.Fatalf("expected change, got changed=%v err=%v", changed, err)
	}
	changed, err = Toggle(flags, "deals", true)
	if err != nil || changed {
		t.Fatalf("expected no-op, got changed=%v err=%v", changed, err)
	}
	if _, err := Toggle(flags, "", true); err == nil {
		t.Fatalf("expected error for blank module")
	}
}
