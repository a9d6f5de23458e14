package deals

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"sponsorvault/core/events"
	"sponsorvault/core/types"
	"sponsorvault/native/token"
)

const (
	// ModuleName keys the pause flag consulted by the engine.
	ModuleName = "deals"
	// RoleCustodian is the role allowed to relay party actions.
	RoleCustodian = "DEALS_CUSTODIAN"

	paramFeeBps       = "deals.platformFeeBps"
	paramFeeRecipient = "deals.feeRecipient"
)

var (
	errNilState = errors.New("deals engine: state not configured")
	errNilToken = errors.New("deals engine: token not configured")
	errNilVault = errors.New("deals engine: vault address not configured")
)

type engineState interface {
	DealPut(*Deal) error
	DealGet(id string) (*Deal, bool, error)
	DealIDs() ([]string, error)
	OpenDealIDs() ([]string, error)
	DealIndexAppend(role PartyRole, party [20]byte, id string) error
	DealIndex(role PartyRole, party [20]byte) ([]string, error)
	SetRole(role string, addr []byte) error
	RemoveRole(role string, addr []byte) error
	RoleMembers(role string) ([][]byte, error)
	HasRole(role string, addr []byte) bool
	SetPaused(module string, paused bool) error
	IsPaused(module string) bool
	ParamPut(name string, value []byte) error
	ParamGet(name string) ([]byte, bool, error)
	Snapshot() int
	RevertToSnapshot(id int) error
	Finalise() error
}

// Token is the value token held in escrow. Transfers out of custody always
// originate at the engine's vault address.
type Token interface {
	Address() [20]byte
	Symbol() string
	BalanceOf(addr [20]byte) (*big.Int, error)
	Allowance(owner, spender [20]byte) (*big.Int, error)
	Transfer(from, to [20]byte, amount *big.Int) error
	TransferFrom(spender, owner, to [20]byte, amount *big.Int) error
}

// PermitVerifier consumes a signed approval and commits the allowance it
// grants, or fails.
type PermitVerifier interface {
	Permit(req token.PermitRequest, now int64) error
}

type dealEvent struct {
	evt *types.Event
}

func (e dealEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e dealEvent) Event() *types.Event { return e.evt }

// Engine runs the sponsorship deal state machine against journaled state.
// Every mutating operation is atomic: on error all state writes, including
// token movements, are reverted and no events are emitted. The engine is not
// safe for concurrent use; callers serialise access.
type Engine struct {
	state     engineState
	token     Token
	permits   PermitVerifier
	vault     [20]byte
	emitter   events.Emitter
	nowFn     func() int64
	executing bool
	pending   []*types.Event
}

// NewEngine creates a deal engine with a no-op emitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetToken configures the escrowed value token.
func (e *Engine) SetToken(tok Token) { e.token = tok }

// SetPermitVerifier configures the signed-approval entry point used while
// funding. Without one, funding with a permit fails.
func (e *Engine) SetPermitVerifier(p PermitVerifier) { e.permits = p }

// SetVault configures the custody address that holds escrowed balances.
func (e *Engine) SetVault(addr [20]byte) { e.vault = addr }

// Vault returns the custody address.
func (e *Engine) Vault() [20]byte { return e.vault }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// emit queues the event until the enclosing operation commits.
func (e *Engine) emit(event *types.Event) {
	if event == nil {
		return
	}
	e.pending = append(e.pending, event)
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.token == nil {
		return errNilToken
	}
	if e.vault == ([20]byte{}) {
		return errNilVault
	}
	return nil
}

// execute runs fn as one atomic unit. Nested calls fail with ErrReentrantCall.
func (e *Engine) execute(fn func() error) error {
	if err := e.ready(); err != nil {
		return err
	}
	committed, err := e.run(fn)
	if err != nil {
		return err
	}
	for _, evt := range committed {
		e.emitter.Emit(dealEvent{evt: evt})
	}
	return nil
}

func (e *Engine) run(fn func() error) ([]*types.Event, error) {
	if e.executing {
		return nil, ErrReentrantCall
	}
	e.executing = true
	defer func() {
		e.executing = false
		e.pending = nil
	}()
	snap := e.state.Snapshot()
	if err := fn(); err != nil {
		if rerr := e.state.RevertToSnapshot(snap); rerr != nil {
			return nil, fmt.Errorf("%w (revert failed: %v)", err, rerr)
		}
		return nil, err
	}
	if err := e.state.Finalise(); err != nil {
		return nil, fmt.Errorf("deals: commit state: %w", err)
	}
	return e.pending, nil
}

func (e *Engine) loadDeal(id string) (*Deal, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidID
	}
	deal, ok, err := e.state.DealGet(id)
	if err != nil {
		return nil, err
	}
	if !ok || !deal.Exists {
		return nil, wrap(ErrNotFound, "%s", id)
	}
	return deal, nil
}

func (e *Engine) storeDeal(d *Deal) error {
	return e.state.DealPut(d)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
