package dealsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"sponsorvault/core/events"
	"sponsorvault/core/state"
	"sponsorvault/core/types"
	"sponsorvault/native/deals"
	"sponsorvault/native/token"
	"sponsorvault/observability"
	telemetry "sponsorvault/observability/otel"
	"sponsorvault/storage"
)

const journalWriteTimeout = 5 * time.Second

// ErrUnknownToken is returned when a sweep names a token the daemon does not
// manage.
var ErrUnknownToken = errors.New("unknown token")

// Options wires the collaborators of a Service.
type Options struct {
	Token       token.Config
	ExtraTokens []token.Config
	Vault       [20]byte
	Journal     *Journal
	Hub         *Hub
	Logger      *slog.Logger
	Metrics     *observability.DealsMetrics
	Now         func() time.Time
}

// Grant mints Amount of Token to To during bootstrap.
type Grant struct {
	Token  [20]byte
	To     [20]byte
	Amount *big.Int
}

// Service serialises every engine call behind a single mutex, giving all
// operations a total order, and fans committed events out to the journal,
// the live stream, the logger and metrics.
type Service struct {
	mu      sync.Mutex
	state   *state.Manager
	engine  *deals.Engine
	ledger  *token.Ledger
	strays  map[[20]byte]*token.Ledger
	journal *Journal
	hub     *Hub
	logger  *slog.Logger
	metrics *observability.DealsMetrics
	tracer  trace.Tracer
	nowFn   func() time.Time
	// outbox holds committed events the journal has not accepted yet, oldest
	// first. Nothing is streamed until its journal sequence exists.
	outbox  []*types.Event
	seq     uint64
}

// NewService binds the deal engine to db.
func NewService(db storage.Database, opts Options) (*Service, error) {
	if db == nil {
		return nil, errors.New("state database required")
	}
	if opts.Vault == ([20]byte{}) {
		return nil, errors.New("vault address required")
	}
	mgr := state.NewManager(db)
	ledger, err := token.NewLedger(mgr, opts.Token)
	if err != nil {
		return nil, err
	}
	strays := make(map[[20]byte]*token.Ledger, len(opts.ExtraTokens))
	for _, cfg := range opts.ExtraTokens {
		extra, err := token.NewLedger(mgr, cfg)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", cfg.Symbol, err)
		}
		if extra.Address() == ledger.Address() {
			return nil, fmt.Errorf("token %s shares the escrow token address", cfg.Symbol)
		}
		strays[extra.Address()] = extra
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	svc := &Service{
		state:   mgr,
		engine:  deals.NewEngine(),
		ledger:  ledger,
		strays:  strays,
		journal: opts.Journal,
		hub:     opts.Hub,
		logger:  logger.With(slog.String("component", "deals")),
		metrics: opts.Metrics,
		tracer:  telemetry.Tracer("sponsorvault/dealsd"),
		nowFn:   nowFn,
	}
	svc.engine.SetState(mgr)
	svc.engine.SetToken(ledger)
	svc.engine.SetPermitVerifier(ledger)
	svc.engine.SetVault(opts.Vault)
	svc.engine.SetNowFunc(func() int64 { return svc.nowFn().Unix() })
	svc.engine.SetEmitter(serviceEmitter{svc: svc})
	svc.metrics.SetPaused(svc.engine.Paused())
	return svc, nil
}

// Bootstrap seeds the first custodian and mints the genesis allocations as one
// commit: either both land or neither does. It does nothing once a custodian
// exists and reports whether it initialised.
func (s *Service) Bootstrap(custodian, feeRecipient [20]byte, feeBps uint32, grants []Grant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state.Snapshot()
	for _, grant := range grants {
		ledger := s.ledgerFor(grant.Token)
		if ledger == nil {
			_ = s.state.RevertToSnapshot(snap)
			return false, fmt.Errorf("%w: %x", ErrUnknownToken, grant.Token)
		}
		if err := ledger.Mint(grant.To, grant.Amount); err != nil {
			_ = s.state.RevertToSnapshot(snap)
			return false, fmt.Errorf("genesis mint: %w", err)
		}
	}
	// Initialize commits the buffered mints together with the custodian.
	err := s.engine.Initialize(custodian, feeRecipient, feeBps)
	if err != nil {
		_ = s.state.RevertToSnapshot(snap)
		if errors.Is(err, deals.ErrAlreadyExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Service) ledgerFor(addr [20]byte) *token.Ledger {
	if addr == s.ledger.Address() {
		return s.ledger
	}
	return s.strays[addr]
}

func (s *Service) do(ctx context.Context, op, dealID string, fn func() error) error {
	_, span := s.tracer.Start(ctx, "deals."+op, trace.WithAttributes(attribute.String("deal.id", dealID)))
	defer span.End()
	start := time.Now()

	s.mu.Lock()
	s.flushOutbox()
	err := fn()
	s.mu.Unlock()

	kind := ""
	if err != nil {
		kind = deals.KindOf(err).String()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("deal operation rejected",
			slog.String("op", op),
			slog.String("dealId", dealID),
			slog.String("kind", kind),
			slog.String("code", deals.CodeOf(err)),
			slog.String("error", err.Error()))
	} else {
		s.logger.Debug("deal operation committed", slog.String("op", op), slog.String("dealId", dealID))
	}
	s.metrics.Observe(op, kind, time.Since(start))
	return err
}

// CreateDeal registers a new deal. A blank id is replaced by a random UUID.
func (s *Service) CreateDeal(ctx context.Context, caller [20]byte, params deals.CreateParams) (*deals.Deal, error) {
	if strings.TrimSpace(params.ID) == "" {
		params.ID = uuid.NewString()
	}
	var created *deals.Deal
	err := s.do(ctx, "create", params.ID, func() error {
		var err error
		created, err = s.engine.CreateDeal(caller, params)
		return err
	})
	return created, err
}

// FundDeal pulls the deal amount into custody, optionally through a permit.
func (s *Service) FundDeal(ctx context.Context, caller, brand [20]byte, id string, permit *deals.Permit) error {
	return s.do(ctx, "fund", id, func() error {
		return s.engine.FundDeal(caller, brand, id, permit)
	})
}

// AcceptDeal activates a funded deal on the creator's behalf.
func (s *Service) AcceptDeal(ctx context.Context, caller, creator [20]byte, id string) error {
	return s.do(ctx, "accept", id, func() error {
		return s.engine.AcceptDeal(caller, creator, id)
	})
}

// SubmitContent records the creator's deliverable and opens review.
func (s *Service) SubmitContent(ctx context.Context, caller, creator [20]byte, id, contentURL string) error {
	return s.do(ctx, "submit", id, func() error {
		return s.engine.SubmitContent(caller, creator, id, contentURL)
	})
}

// ApproveDeal releases payment on the brand's approval.
func (s *Service) ApproveDeal(ctx context.Context, caller, brand [20]byte, id string) (deals.Settlement, error) {
	return s.settle(ctx, "approve", id, func() (deals.Settlement, error) {
		return s.engine.ApproveDeal(caller, brand, id)
	})
}

// AutoRelease pays the creator once the review window has lapsed.
func (s *Service) AutoRelease(ctx context.Context, id string) (deals.Settlement, error) {
	return s.settle(ctx, "auto_release", id, func() (deals.Settlement, error) {
		return s.engine.AutoReleasePayment(id)
	})
}

// InitiateDispute moves a deal under review into dispute.
func (s *Service) InitiateDispute(ctx context.Context, caller, brand [20]byte, id, reason string) error {
	return s.do(ctx, "dispute", id, func() error {
		return s.engine.InitiateDispute(caller, brand, id, reason)
	})
}

// ResolveDispute settles a dispute with the creator's answer.
func (s *Service) ResolveDispute(ctx context.Context, caller, creator [20]byte, id string, accept bool) (deals.Settlement, error) {
	return s.settle(ctx, "resolve", id, func() (deals.Settlement, error) {
		return s.engine.ResolveDispute(caller, creator, id, accept)
	})
}

// AutoRefund returns funds to the brand when the creator missed the deadline.
func (s *Service) AutoRefund(ctx context.Context, id string) (deals.Settlement, error) {
	return s.settle(ctx, "auto_refund", id, func() (deals.Settlement, error) {
		return s.engine.AutoRefundAfterDeadline(id)
	})
}

// CancelDeal withdraws a pending deal on the brand's behalf.
func (s *Service) CancelDeal(ctx context.Context, caller, brand [20]byte, id string) (deals.Settlement, error) {
	return s.settle(ctx, "cancel", id, func() (deals.Settlement, error) {
		return s.engine.CancelDeal(caller, brand, id)
	})
}

// EmergencyCancel refunds an in-flight deal. It ignores the pause flag.
func (s *Service) EmergencyCancel(ctx context.Context, caller [20]byte, id string) (deals.Settlement, error) {
	return s.settle(ctx, "emergency_cancel", id, func() (deals.Settlement, error) {
		return s.engine.EmergencyCancelDeal(caller, id)
	})
}

func (s *Service) settle(ctx context.Context, op, id string, fn func() (deals.Settlement, error)) (deals.Settlement, error) {
	var out deals.Settlement
	err := s.do(ctx, op, id, func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

// SetPlatformFee updates the fee rate.
func (s *Service) SetPlatformFee(ctx context.Context, caller [20]byte, bps uint32) error {
	return s.do(ctx, "set_fee", "", func() error { return s.engine.SetPlatformFee(caller, bps) })
}

// SetFeeRecipient updates the fee destination.
func (s *Service) SetFeeRecipient(ctx context.Context, caller, recipient [20]byte) error {
	return s.do(ctx, "set_fee_recipient", "", func() error { return s.engine.SetFeeRecipient(caller, recipient) })
}

// SetPaused flips the circuit breaker.
func (s *Service) SetPaused(ctx context.Context, caller [20]byte, paused bool) error {
	op := "unpause"
	if paused {
		op = "pause"
	}
	return s.do(ctx, op, "", func() error {
		var err error
		if paused {
			err = s.engine.Pause(caller)
		} else {
			err = s.engine.Unpause(caller)
		}
		s.metrics.SetPaused(s.engine.Paused())
		return err
	})
}

// GrantCustodian adds a custodian.
func (s *Service) GrantCustodian(ctx context.Context, caller, account [20]byte) error {
	return s.do(ctx, "grant_custodian", "", func() error { return s.engine.GrantCustodian(caller, account) })
}

// RevokeCustodian removes a custodian.
func (s *Service) RevokeCustodian(ctx context.Context, caller, account [20]byte) error {
	return s.do(ctx, "revoke_custodian", "", func() error { return s.engine.RevokeCustodian(caller, account) })
}

// Sweep moves a stray token balance out of custody. A nil amount sweeps
// everything.
func (s *Service) Sweep(ctx context.Context, caller, tokenAddr, to [20]byte, amount *big.Int) (*big.Int, error) {
	var swept *big.Int
	err := s.do(ctx, "sweep", "", func() error {
		ledger := s.ledgerFor(tokenAddr)
		if ledger == nil {
			return fmt.Errorf("%w: 0x%x", ErrUnknownToken, tokenAddr)
		}
		var err error
		swept, err = s.engine.EmergencySweep(caller, ledger, to, amount)
		return err
	})
	return swept, err
}

// Deal returns the stored deal.
func (s *Service) Deal(id string) (*deals.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.GetDeal(id)
}

// PartyDeals returns the deals indexed for party under role, oldest first.
func (s *Service) PartyDeals(role deals.PartyRole, party [20]byte) ([]*deals.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.engine.PartyDeals(role, party)
	if err != nil {
		return nil, err
	}
	out := make([]*deals.Deal, 0, len(ids))
	for _, id := range ids {
		d, err := s.engine.GetDeal(id)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Eligibility reports whether the automatic transitions may run for id now.
type Eligibility struct {
	AutoRelease bool
	AutoRefund  bool
}

// DealEligibility evaluates the automatic transition guards for id.
func (s *Service) DealEligibility(id string) (Eligibility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	release, err := s.engine.CanAutoRelease(id)
	if err != nil {
		return Eligibility{}, err
	}
	refund, err := s.engine.CanAutoRefund(id)
	if err != nil {
		return Eligibility{}, err
	}
	return Eligibility{AutoRelease: release, AutoRefund: refund}, nil
}

// DueDeals lists open deals whose automatic release or refund is currently
// allowed. Terminal deals are never visited.
func (s *Service) DueDeals() (release, refund []string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.engine.OpenDealIDs()
	if err != nil {
		return nil, nil, err
	}
	for _, id := range ids {
		if ok, err := s.engine.CanAutoRelease(id); err != nil {
			return nil, nil, err
		} else if ok {
			release = append(release, id)
			continue
		}
		if ok, err := s.engine.CanAutoRefund(id); err != nil {
			return nil, nil, err
		} else if ok {
			refund = append(refund, id)
		}
	}
	return release, refund, nil
}

// Solvency is the escrowed total next to the vault balance.
type Solvency struct {
	Escrowed *big.Int
	Vault    *big.Int
}

// Solvent reports whether the vault covers every escrowed deal.
func (s Solvency) Solvent() bool {
	return s.Escrowed != nil && s.Vault != nil && s.Escrowed.Cmp(s.Vault) <= 0
}

// Solvency computes the escrowed total and publishes the gauges.
func (s *Service) Solvency() (Solvency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	escrowed, err := s.engine.EscrowedTotal()
	if err != nil {
		return Solvency{}, err
	}
	vault, err := s.engine.VaultBalance()
	if err != nil {
		return Solvency{}, err
	}
	s.metrics.SetSolvency(escrowed, vault)
	s.metrics.SetPaused(s.engine.Paused())
	return Solvency{Escrowed: escrowed, Vault: vault}, nil
}

// Settings is the current administrative configuration.
type Settings struct {
	PlatformFeeBps uint32
	FeeRecipient   [20]byte
	Paused         bool
	Custodians     [][20]byte
	Vault          [20]byte
}

// Settings returns the administrative configuration.
func (s *Service) Settings() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bps, err := s.engine.PlatformFeeBps()
	if err != nil {
		return Settings{}, err
	}
	recipient, err := s.engine.FeeRecipient()
	if err != nil {
		return Settings{}, err
	}
	custodians, err := s.engine.Custodians()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		PlatformFeeBps: bps,
		FeeRecipient:   recipient,
		Paused:         s.engine.Paused(),
		Custodians:     custodians,
		Vault:          s.engine.Vault(),
	}, nil
}

// Account is a party's escrow-token position.
type Account struct {
	Balance        *big.Int
	VaultAllowance *big.Int
	PermitNonce    uint64
}

// Account returns the escrow-token balance, vault allowance and permit nonce
// of addr.
func (s *Service) Account(addr [20]byte) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, err := s.ledger.BalanceOf(addr)
	if err != nil {
		return Account{}, err
	}
	allowance, err := s.ledger.Allowance(addr, s.engine.Vault())
	if err != nil {
		return Account{}, err
	}
	nonce, err := s.ledger.Nonces(addr)
	if err != nil {
		return Account{}, err
	}
	return Account{Balance: balance, VaultAllowance: allowance, PermitNonce: nonce}, nil
}

// TokenInfo describes the escrow token and its permit domain.
type TokenInfo struct {
	Config          token.Config
	DomainSeparator [32]byte
	Vault           [20]byte
}

// TokenInfo returns what a signer needs to build a funding permit.
func (s *Service) TokenInfo() TokenInfo {
	return TokenInfo{
		Config:          s.ledger.Config(),
		DomainSeparator: s.ledger.DomainSeparator(),
		Vault:           s.engine.Vault(),
	}
}

type serviceEmitter struct {
	svc *Service
}

// Emit runs while the service mutex is held. Events queue in commit order and
// reach the stream only once the journal has assigned their sequence.
func (e serviceEmitter) Emit(evt events.Event) {
	if evt == nil || evt.Event() == nil {
		return
	}
	s := e.svc
	s.metrics.RecordEvent(evt.Event().Type)
	s.outbox = append(s.outbox, evt.Event())
	s.flushOutbox()
}

// flushOutbox journals queued events oldest first and publishes each one with
// its stored sequence. It stops at the first failed append so a later event
// never overtakes an unwritten one. Callers hold s.mu.
func (s *Service) flushOutbox() {
	for len(s.outbox) > 0 {
		payload := s.outbox[0]
		notification, err := s.record(payload)
		if err != nil {
			s.logger.Error("journal append failed, holding events for retry",
				slog.String("type", payload.Type),
				slog.Int("pending", len(s.outbox)),
				slog.String("error", err.Error()))
			return
		}
		s.outbox[0] = nil
		s.outbox = s.outbox[1:]
		s.logger.Info("deal event",
			slog.String("type", notification.Type),
			slog.String("dealId", notification.DealID),
			slog.Uint64("seq", notification.Seq))
		if s.hub != nil {
			s.hub.Publish(notification)
		}
	}
}

func (s *Service) record(payload *types.Event) (Notification, error) {
	if s.journal == nil {
		s.seq++
		return Notification{
			Seq:        s.seq,
			Type:       payload.Type,
			DealID:     payload.Attr("dealId"),
			Attributes: copyAttributes(payload.Attributes),
			CreatedAt:  s.nowFn().UTC(),
		}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()
	return s.journal.Append(ctx, payload)
}

// PendingEvents reports how many committed events still wait for the journal.
func (s *Service) PendingEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox)
}

// FlushEvents retries journaling held events and reports how many remain.
func (s *Service) FlushEvents() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushOutbox()
	return len(s.outbox)
}

// IsCustodian reports whether addr holds the custodian role.
func (s *Service) IsCustodian(addr [20]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.IsCustodian(addr)
}
