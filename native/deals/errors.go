package deals

import (
	"errors"
	"fmt"
)

// Kind classifies a rejection so callers can branch without string matching.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindState
	KindTiming
	KindTransfer
	KindPermit
	KindPaused
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindTiming:
		return "timing"
	case KindTransfer:
		return "transfer"
	case KindPermit:
		return "permit"
	case KindPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Error is the typed rejection returned by every engine operation. Sentinel
// values are compared with errors.Is; detail is attached by wrapping.
type Error struct {
	Kind Kind
	Code string
	msg  string
}

func (e *Error) Error() string { return "deals: " + e.msg }

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, msg: msg}
}

var (
	ErrInvalidAddress        = newError(KindValidation, "InvalidAddress", "invalid party address")
	ErrSameParty             = newError(KindValidation, "SameParty", "brand and creator must differ")
	ErrInvalidAmount         = newError(KindValidation, "InvalidAmount", "amount must be positive")
	ErrEmptyBrief            = newError(KindValidation, "EmptyBrief", "brief hash required")
	ErrEmptyContent          = newError(KindValidation, "EmptyContent", "content url required")
	ErrEmptyReason           = newError(KindValidation, "EmptyReason", "dispute reason required")
	ErrInvalidID             = newError(KindValidation, "InvalidID", "deal id required")
	ErrAlreadyExists         = newError(KindValidation, "AlreadyExists", "deal already exists")
	ErrFeeTooHigh            = newError(KindValidation, "FeeTooHigh", "platform fee exceeds maximum")
	ErrProtectedToken        = newError(KindValidation, "ProtectedToken", "escrowed token cannot be swept")
	ErrNotCustodian          = newError(KindAuthorization, "NotCustodian", "caller is not a custodian")
	ErrNotAuthorized         = newError(KindAuthorization, "NotAuthorized", "party does not match deal")
	ErrLastCustodian         = newError(KindAuthorization, "LastCustodian", "cannot revoke the last custodian")
	ErrNotFound              = newError(KindState, "NotFound", "deal not found")
	ErrInvalidStatus         = newError(KindState, "InvalidStatus", "invalid status for transition")
	ErrAlreadyFunded         = newError(KindState, "AlreadyFunded", "deal already funded")
	ErrNotFunded             = newError(KindState, "NotFunded", "deal not funded")
	ErrReentrantCall         = newError(KindState, "ReentrantCall", "reentrant call")
	ErrDeadlinePassed        = newError(KindTiming, "DeadlinePassed", "deadline passed")
	ErrDeadlineNotReached    = newError(KindTiming, "DeadlineNotReached", "deadline not reached")
	ErrReviewOpen            = newError(KindTiming, "ReviewPeriodActive", "review period still active")
	ErrReviewClosed          = newError(KindTiming, "ReviewPeriodEnded", "review period ended")
	ErrInsufficientBalance   = newError(KindTransfer, "InsufficientBalance", "insufficient balance")
	ErrInsufficientAllowance = newError(KindTransfer, "InsufficientAllowance", "insufficient allowance")
	ErrTransferFailed        = newError(KindTransfer, "TransferFailed", "token transfer failed")
	ErrPermitFailed          = newError(KindPermit, "PermitFailed", "permit submission failed")
	ErrPaused                = newError(KindPaused, "Paused", "module paused")
)

// KindOf reports the classification of err, or KindUnknown when err does not
// wrap an engine rejection.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable rejection code carried by err.
func CodeOf(err error) string {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	return ""
}

func wrap(sentinel *Error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
