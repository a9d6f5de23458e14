package deals

import (
	"errors"
	"strings"

	"sponsorvault/native/common"
)

// guard is one precondition in an operation's chain.
type guard func(d *Deal) error

func checkDeal(d *Deal, guards ...guard) error {
	for _, g := range guards {
		if err := g(d); err != nil {
			return err
		}
	}
	return nil
}

func inStatus(allowed ...Status) guard {
	return func(d *Deal) error {
		for _, s := range allowed {
			if d.Status == s {
				return nil
			}
		}
		return wrap(ErrInvalidStatus, "deal %s is %s", d.ID, d.Status)
	}
}

func partyIs(role PartyRole, party [20]byte) guard {
	return func(d *Deal) error {
		want := d.Brand
		if role == RoleCreator {
			want = d.Creator
		}
		if party != want {
			return wrap(ErrNotAuthorized, "%s mismatch for deal %s", role, d.ID)
		}
		return nil
	}
}

func funded(want bool) guard {
	return func(d *Deal) error {
		if d.Funded == want {
			return nil
		}
		if want {
			return wrap(ErrNotFunded, "%s", d.ID)
		}
		return wrap(ErrAlreadyFunded, "%s", d.ID)
	}
}

// notAfter passes while now <= limit(d).
func notAfter(now int64, limit func(*Deal) int64, fail *Error) guard {
	return func(d *Deal) error {
		if now > limit(d) {
			return wrap(fail, "deal %s", d.ID)
		}
		return nil
	}
}

// before passes while now < limit(d).
func before(now int64, limit func(*Deal) int64, fail *Error) guard {
	return func(d *Deal) error {
		if now >= limit(d) {
			return wrap(fail, "deal %s", d.ID)
		}
		return nil
	}
}

// reached passes once now >= limit(d).
func reached(now int64, limit func(*Deal) int64, fail *Error) guard {
	return func(d *Deal) error {
		if now < limit(d) {
			return wrap(fail, "deal %s", d.ID)
		}
		return nil
	}
}

// after passes once now > limit(d).
func after(now int64, limit func(*Deal) int64, fail *Error) guard {
	return func(d *Deal) error {
		if now <= limit(d) {
			return wrap(fail, "deal %s", d.ID)
		}
		return nil
	}
}

func submissionDeadline(d *Deal) int64 { return d.Deadline }

func reviewDeadline(d *Deal) int64 { return d.ReviewDeadline }

func (e *Engine) requireCustodian(caller [20]byte) error {
	if caller == ([20]byte{}) || !e.state.HasRole(RoleCustodian, caller[:]) {
		return wrap(ErrNotCustodian, "%s", hexAddr(caller))
	}
	return nil
}

func (e *Engine) requireNotPaused() error {
	if err := common.Guard(e.state, ModuleName); err != nil {
		if errors.Is(err, common.ErrModulePaused) {
			return ErrPaused
		}
		return err
	}
	return nil
}

// custodianGate runs the access gate followed by the pause check.
func (e *Engine) custodianGate(caller [20]byte, pausable bool) error {
	if err := e.requireCustodian(caller); err != nil {
		return err
	}
	if pausable {
		return e.requireNotPaused()
	}
	return nil
}

func requireText(value string, fail *Error) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fail
	}
	return trimmed, nil
}
