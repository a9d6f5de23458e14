package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidAmount         = errors.New("token: amount must be non-negative")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrPermitExpired         = errors.New("token: permit expired")
	ErrInvalidSignature      = errors.New("token: invalid permit signature")
	errNilState              = errors.New("token: state not configured")
)

// ledgerState is the persistence surface consumed by the ledger. The state
// manager satisfies it, so balance writes share the caller's journal.
type ledgerState interface {
	Balance(symbol string, addr [20]byte) (*big.Int, error)
	SetBalance(symbol string, addr [20]byte, amount *big.Int) error
	Allowance(symbol string, owner, spender [20]byte) (*big.Int, error)
	SetAllowance(symbol string, owner, spender [20]byte, amount *big.Int) error
	Nonce(symbol string, owner [20]byte) (uint64, error)
	SetNonce(symbol string, owner [20]byte, nonce uint64) error
	Supply(symbol string) (*big.Int, error)
	SetSupply(symbol string, amount *big.Int) error
}

// TransferHook observes a completed balance movement. Returning an error
// aborts the surrounding operation.
type TransferHook func(from, to [20]byte, amount *big.Int) error

// Config describes the fungible token managed by a Ledger.
type Config struct {
	Name    string
	Symbol  string
	Version string
	ChainID uint64
	Address [20]byte
}

// Ledger is a fungible-token ledger with allowances and signed permits.
type Ledger struct {
	state  ledgerState
	cfg    Config
	hooks  []TransferHook
	domain [32]byte
}

// NewLedger binds the token configuration to the provided state backend.
func NewLedger(state ledgerState, cfg Config) (*Ledger, error) {
	if state == nil {
		return nil, errNilState
	}
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("token: symbol required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = cfg.Symbol
	}
	if strings.TrimSpace(cfg.Version) == "" {
		cfg.Version = "1"
	}
	if cfg.Address == ([20]byte{}) {
		return nil, fmt.Errorf("token: address required")
	}
	l := &Ledger{state: state, cfg: cfg}
	l.domain = DomainSeparatorFor(cfg)
	return l, nil
}

// Symbol returns the normalised ticker.
func (l *Ledger) Symbol() string { return l.cfg.Symbol }

// Address returns the token's own address.
func (l *Ledger) Address() [20]byte { return l.cfg.Address }

// Config returns the token configuration.
func (l *Ledger) Config() Config { return l.cfg }

// AddTransferHook registers a hook invoked after each balance movement.
func (l *Ledger) AddTransferHook(hook TransferHook) {
	if hook != nil {
		l.hooks = append(l.hooks, hook)
	}
}

// ClearTransferHooks removes every registered hook.
func (l *Ledger) ClearTransferHooks() { l.hooks = nil }

// BalanceOf returns the balance held by addr.
func (l *Ledger) BalanceOf(addr [20]byte) (*big.Int, error) {
	return l.state.Balance(l.cfg.Symbol, addr)
}

// Allowance returns what spender may still pull from owner.
func (l *Ledger) Allowance(owner, spender [20]byte) (*big.Int, error) {
	return l.state.Allowance(l.cfg.Symbol, owner, spender)
}

// TotalSupply returns the minted supply.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	return l.state.Supply(l.cfg.Symbol)
}

// Approve sets the allowance spender may pull from owner.
func (l *Ledger) Approve(owner, spender [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if owner == ([20]byte{}) || spender == ([20]byte{}) {
		return ErrZeroAddress
	}
	return l.state.SetAllowance(l.cfg.Symbol, owner, spender, amount)
}

// Mint credits amount to addr and grows the supply.
func (l *Ledger) Mint(to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return ErrZeroAddress
	}
	balance, err := l.BalanceOf(to)
	if err != nil {
		return err
	}
	supply, err := l.TotalSupply()
	if err != nil {
		return err
	}
	if err := l.state.SetBalance(l.cfg.Symbol, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	return l.state.SetSupply(l.cfg.Symbol, new(big.Int).Add(supply, amount))
}

// Transfer moves amount from one account to another.
func (l *Ledger) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if to == ([20]byte{}) {
		return ErrZeroAddress
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal, err := l.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBal, amount)
	}
	if from != to {
		toBal, err := l.BalanceOf(to)
		if err != nil {
			return err
		}
		if err := l.state.SetBalance(l.cfg.Symbol, from, new(big.Int).Sub(fromBal, amount)); err != nil {
			return err
		}
		if err := l.state.SetBalance(l.cfg.Symbol, to, new(big.Int).Add(toBal, amount)); err != nil {
			return err
		}
	}
	for _, hook := range l.hooks {
		if err := hook(from, to, new(big.Int).Set(amount)); err != nil {
			return err
		}
	}
	return nil
}

// TransferFrom lets spender move amount out of owner's balance, consuming the
// allowance.
func (l *Ledger) TransferFrom(spender, owner, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	allowance, err := l.Allowance(owner, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}
	balance, err := l.BalanceOf(owner)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	if err := l.state.SetAllowance(l.cfg.Symbol, owner, spender, new(big.Int).Sub(allowance, amount)); err != nil {
		return err
	}
	return l.Transfer(owner, to, amount)
}
