package deals

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"sponsorvault/native/common"
	"sponsorvault/native/fees"
)

// Initialize seeds the first custodian, the fee recipient and the platform
// fee. It succeeds only while no custodian exists.
func (e *Engine) Initialize(custodian, feeRecipient [20]byte, feeBps uint32) error {
	return e.execute(func() error {
		members, err := e.state.RoleMembers(RoleCustodian)
		if err != nil {
			return err
		}
		if len(members) > 0 {
			return wrap(ErrAlreadyExists, "custodians already configured")
		}
		if custodian == ([20]byte{}) || feeRecipient == ([20]byte{}) {
			return ErrInvalidAddress
		}
		if err := fees.ValidateBps(feeBps); err != nil {
			return ErrFeeTooHigh
		}
		if err := e.state.SetRole(RoleCustodian, custodian[:]); err != nil {
			return err
		}
		if err := e.putFeeBps(feeBps); err != nil {
			return err
		}
		if err := e.state.ParamPut(paramFeeRecipient, feeRecipient[:]); err != nil {
			return err
		}
		e.emit(NewCustodianEvent(EventTypeCustodianGranted, custodian, custodian))
		e.emit(NewPlatformFeeUpdatedEvent(0, feeBps))
		e.emit(NewFeeRecipientUpdatedEvent([20]byte{}, feeRecipient))
		return nil
	})
}

func (e *Engine) putFeeBps(bps uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], bps)
	return e.state.ParamPut(paramFeeBps, buf[:])
}

// PlatformFeeBps returns the configured fee rate, or the default when unset.
func (e *Engine) PlatformFeeBps() (uint32, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	raw, ok, err := e.state.ParamGet(paramFeeBps)
	if err != nil {
		return 0, err
	}
	if !ok {
		return fees.DefaultPlatformFeeBps, nil
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("deals: corrupt fee parameter")
	}
	return binary.BigEndian.Uint32(raw), nil
}

// FeeRecipient returns the address receiving platform fees.
func (e *Engine) FeeRecipient() ([20]byte, error) {
	var out [20]byte
	if e == nil || e.state == nil {
		return out, errNilState
	}
	raw, ok, err := e.state.ParamGet(paramFeeRecipient)
	if err != nil || !ok {
		return out, err
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("deals: corrupt fee recipient parameter")
	}
	copy(out[:], raw)
	return out, nil
}

// SetPlatformFee updates the fee rate. Rates above fees.MaxPlatformFeeBps fail
// with ErrFeeTooHigh.
func (e *Engine) SetPlatformFee(caller [20]byte, bps uint32) error {
	return e.execute(func() error {
		if err := e.requireCustodian(caller); err != nil {
			return err
		}
		if err := fees.ValidateBps(bps); err != nil {
			return wrap(ErrFeeTooHigh, "%d bps", bps)
		}
		old, err := e.PlatformFeeBps()
		if err != nil {
			return err
		}
		if err := e.putFeeBps(bps); err != nil {
			return err
		}
		e.emit(NewPlatformFeeUpdatedEvent(old, bps))
		return nil
	})
}

// SetFeeRecipient updates the platform fee destination.
func (e *Engine) SetFeeRecipient(caller, recipient [20]byte) error {
	return e.execute(func() error {
		if err := e.requireCustodian(caller); err != nil {
			return err
		}
		if recipient == ([20]byte{}) {
			return ErrInvalidAddress
		}
		old, err := e.FeeRecipient()
		if err != nil {
			return err
		}
		if err := e.state.ParamPut(paramFeeRecipient, recipient[:]); err != nil {
			return err
		}
		e.emit(NewFeeRecipientUpdatedEvent(old, recipient))
		return nil
	})
}

// Pause blocks pausable custodian operations.
func (e *Engine) Pause(caller [20]byte) error { return e.setPaused(caller, true) }

// Unpause lifts the circuit breaker.
func (e *Engine) Unpause(caller [20]byte) error { return e.setPaused(caller, false) }

func (e *Engine) setPaused(caller [20]byte, paused bool) error {
	return e.execute(func() error {
		if err := e.requireCustodian(caller); err != nil {
			return err
		}
		changed, err := common.Toggle(e.state, ModuleName, paused)
		if err != nil || !changed {
			return err
		}
		if paused {
			e.emit(newAdminEvent(EventTypePaused, caller))
		} else {
			e.emit(newAdminEvent(EventTypeUnpaused, caller))
		}
		return nil
	})
}

// Paused reports the circuit breaker state.
func (e *Engine) Paused() bool {
	if e == nil || e.state == nil {
		return false
	}
	return e.state.IsPaused(ModuleName)
}

// GrantCustodian adds account to the custodian role. Only custodians may grant.
func (e *Engine) GrantCustodian(caller, account [20]byte) error {
	return e.execute(func() error {
		if err := e.requireCustodian(caller); err != nil {
			return err
		}
		if account == ([20]byte{}) {
			return ErrInvalidAddress
		}
		if e.state.HasRole(RoleCustodian, account[:]) {
			return nil
		}
		if err := e.state.SetRole(RoleCustodian, account[:]); err != nil {
			return err
		}
		e.emit(NewCustodianEvent(EventTypeCustodianGranted, caller, account))
		return nil
	})
}

// RevokeCustodian removes account from the custodian role. The last remaining
// custodian cannot be revoked.
func (e *Engine) RevokeCustodian(caller, account [20]byte) error {
	return e.execute(func() error {
		if err := e.requireCustodian(caller); err != nil {
			return err
		}
		if !e.state.HasRole(RoleCustodian, account[:]) {
			return nil
		}
		members, err := e.state.RoleMembers(RoleCustodian)
		if err != nil {
			return err
		}
		if len(members) <= 1 {
			return ErrLastCustodian
		}
		if err := e.state.RemoveRole(RoleCustodian, account[:]); err != nil {
			return err
		}
		e.emit(NewCustodianEvent(EventTypeCustodianRevoked, caller, account))
		return nil
	})
}

// Custodians lists the current custodian addresses.
func (e *Engine) Custodians() ([][20]byte, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	members, err := e.state.RoleMembers(RoleCustodian)
	if err != nil {
		return nil, err
	}
	out := make([][20]byte, 0, len(members))
	for _, m := range members {
		var addr [20]byte
		copy(addr[:], m)
		out = append(out, addr)
	}
	return out, nil
}

// IsCustodian reports whether addr holds the custodian role.
func (e *Engine) IsCustodian(addr [20]byte) bool {
	if e == nil || e.state == nil {
		return false
	}
	return e.state.HasRole(RoleCustodian, addr[:])
}

// EmergencySweep moves a stray token balance out of custody. The escrowed
// value token is refused. A nil amount sweeps the whole balance.
func (e *Engine) EmergencySweep(caller [20]byte, stray Token, to [20]byte, amount *big.Int) (*big.Int, error) {
	var swept *big.Int
	err := e.execute(func() error {
		if err := e.requireCustodian(caller); err != nil {
			return err
		}
		if stray == nil {
			return wrap(ErrInvalidAddress, "token required")
		}
		if stray.Address() == e.token.Address() {
			return ErrProtectedToken
		}
		if to == ([20]byte{}) {
			return ErrInvalidAddress
		}
		value := amount
		if value == nil {
			balance, err := stray.BalanceOf(e.vault)
			if err != nil {
				return transferError(err)
			}
			value = balance
		}
		if value.Sign() < 0 {
			return ErrInvalidAmount
		}
		if value.Sign() > 0 {
			if err := transferError(stray.Transfer(e.vault, to, value)); err != nil {
				return err
			}
		}
		swept = cloneBigInt(value)
		e.emit(NewTokensSweptEvent(caller, stray.Address(), to, swept))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}
