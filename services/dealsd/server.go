package dealsd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/unicode/norm"

	"sponsorvault/crypto"
	"sponsorvault/native/deals"
	"sponsorvault/observability/logging"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxRequestBody       = 1 << 20 // 1 MiB
)

var (
	errStreamUnavailable  = errors.New("event stream unavailable")
	errJournalUnavailable = errors.New("event journal unavailable")
	errRateLimited        = errors.New("rate limit exceeded")
	errStoreUnavailable   = errors.New("audit store unavailable")
)

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// ServerConfig captures the dependencies of the HTTP API.
type ServerConfig struct {
	Service *Service
	Auth    *Authenticator
	Limiter *RateLimiter
	Store   *Store
	Journal *Journal
	Hub     *Hub
	Logger  *slog.Logger
}

// Server is the custodian HTTP API in front of the deal service.
type Server struct {
	svc     *Service
	auth    *Authenticator
	limiter *RateLimiter
	store   *Store
	journal *Journal
	hub     *Hub
	logger  *slog.Logger
	router  http.Handler
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("deal service required")
	}
	if cfg.Auth == nil {
		return nil, errors.New("authenticator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:     cfg.Service,
		auth:    cfg.Auth,
		limiter: cfg.Limiter,
		store:   cfg.Store,
		journal: cfg.Journal,
		hub:     cfg.Hub,
		logger:  logger.With(slog.String("component", "http")),
	}
	s.router = s.routes()
	return s, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimw.Recoverer)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/status", s.handleStatus)
		v1.Get("/token", s.handleTokenInfo)
		v1.Get("/accounts/{addr}", s.handleAccount)
		v1.Get("/deals/{id}", s.handleGetDeal)
		v1.Get("/deals/{id}/auto-release", s.handleEligibility)
		v1.Post("/deals/{id}/auto-release", s.handleAutoRelease)
		v1.Post("/deals/{id}/auto-refund", s.handleAutoRefund)
		v1.Get("/parties/{addr}/deals", s.handlePartyDeals)
		v1.Get("/events", s.handleEvents)
		v1.Get("/events/stream", s.handleEventStream)

		v1.Group(func(protected chi.Router) {
			protected.Use(s.auth.Middleware)
			protected.Get("/admin/audit", s.handleAudit)

			protected.Group(func(m chi.Router) {
				m.Use(s.mutations)
				m.Post("/deals", s.handleCreateDeal)
				m.Post("/deals/{id}/fund", s.handleFund)
				m.Post("/deals/{id}/accept", s.handleAccept)
				m.Post("/deals/{id}/submit", s.handleSubmit)
				m.Post("/deals/{id}/approve", s.handleApprove)
				m.Post("/deals/{id}/dispute", s.handleDispute)
				m.Post("/deals/{id}/resolve", s.handleResolve)
				m.Post("/deals/{id}/cancel", s.handleCancel)
				m.Post("/deals/{id}/emergency-cancel", s.handleEmergencyCancel)

				m.Post("/admin/fee", s.handleSetFee)
				m.Post("/admin/fee-recipient", s.handleSetFeeRecipient)
				m.Post("/admin/pause", s.handlePause(true))
				m.Post("/admin/unpause", s.handlePause(false))
				m.Post("/admin/custodians", s.handleGrantCustodian)
				m.Delete("/admin/custodians/{addr}", s.handleRevokeCustodian)
				m.Post("/admin/sweep", s.handleSweep)
			})
		})
	})
	return r
}

// --- request/response payloads ---

type createDealRequest struct {
	ID        string `json:"id"`
	Brand     string `json:"brand"`
	Creator   string `json:"creator"`
	Amount    string `json:"amount"`
	Deadline  int64  `json:"deadline"`
	BriefHash string `json:"briefHash"`
}

type permitPayload struct {
	Value    string `json:"value"`
	Deadline int64  `json:"deadline"`
	V        uint8  `json:"v"`
	R        string `json:"r"`
	S        string `json:"s"`
}

type partyRequest struct {
	Brand      string         `json:"brand"`
	Creator    string         `json:"creator"`
	ContentURL string         `json:"contentUrl"`
	Reason     string         `json:"reason"`
	Accept     *bool          `json:"accept"`
	Permit     *permitPayload `json:"permit,omitempty"`
}

type feeRequest struct {
	Bps *uint32 `json:"bps"`
}

type addressRequest struct {
	Address string `json:"address"`
}

type sweepRequest struct {
	Token  string `json:"token"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type dealView struct {
	ID              string `json:"id"`
	Brand           string `json:"brand"`
	Creator         string `json:"creator"`
	Amount          string `json:"amount"`
	Deadline        int64  `json:"deadline"`
	BriefHash       string `json:"briefHash"`
	ContentURL      string `json:"contentUrl,omitempty"`
	DisputeReason   string `json:"disputeReason,omitempty"`
	Status          string `json:"status"`
	Funded          bool   `json:"funded"`
	CreatedAt       int64  `json:"createdAt"`
	FundedAt        int64  `json:"fundedAt,omitempty"`
	SubmittedAt     int64  `json:"submittedAt,omitempty"`
	ReviewDeadline  int64  `json:"reviewDeadline,omitempty"`
	DisputedAt      int64  `json:"disputedAt,omitempty"`
	AcceptedDispute bool   `json:"acceptedDispute,omitempty"`
}

type settlementView struct {
	CreatorAmount string `json:"creatorAmount"`
	BrandRefund   string `json:"brandRefund"`
	PlatformFee   string `json:"platformFee"`
}

type dealResponse struct {
	Deal       dealView        `json:"deal"`
	Settlement *settlementView `json:"settlement,omitempty"`
}

func newDealView(d *deals.Deal) dealView {
	return dealView{
		ID:              d.ID,
		Brand:           crypto.Address(d.Brand).Hex(),
		Creator:         crypto.Address(d.Creator).Hex(),
		Amount:          amountText(d.Amount),
		Deadline:        d.Deadline,
		BriefHash:       d.BriefHash,
		ContentURL:      d.ContentURL,
		DisputeReason:   d.DisputeReason,
		Status:          d.Status.String(),
		Funded:          d.Funded,
		CreatedAt:       d.CreatedAt,
		FundedAt:        d.FundedAt,
		SubmittedAt:     d.SubmittedAt,
		ReviewDeadline:  d.ReviewDeadline,
		DisputedAt:      d.DisputedAt,
		AcceptedDispute: d.AcceptedDispute,
	}
}

func newSettlementView(st deals.Settlement) *settlementView {
	return &settlementView{
		CreatorAmount: amountText(st.CreatorAmount),
		BrandRefund:   amountText(st.BrandRefund),
		PlatformFee:   amountText(st.PlatformFee),
	}
}

func amountText(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// --- public handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	settings, err := s.svc.Settings()
	if err != nil {
		respondError(w, err)
		return
	}
	solvency, err := s.svc.Solvency()
	if err != nil {
		respondError(w, err)
		return
	}
	custodians := make([]string, 0, len(settings.Custodians))
	for _, c := range settings.Custodians {
		custodians = append(custodians, crypto.Address(c).Hex())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platformFeeBps": settings.PlatformFeeBps,
		"feeRecipient":   crypto.Address(settings.FeeRecipient).Hex(),
		"paused":         settings.Paused,
		"custodians":     custodians,
		"vault":          crypto.Address(settings.Vault).Hex(),
		"escrowed":       amountText(solvency.Escrowed),
		"vaultBalance":   amountText(solvency.Vault),
		"solvent":        solvency.Solvent(),
	})
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	info := s.svc.TokenInfo()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":            info.Config.Name,
		"symbol":          info.Config.Symbol,
		"version":         info.Config.Version,
		"chainId":         info.Config.ChainID,
		"address":         crypto.Address(info.Config.Address).Hex(),
		"domainSeparator": "0x" + hex.EncodeToString(info.DomainSeparator[:]),
		"spender":         crypto.Address(info.Vault).Hex(),
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		respondError(w, err)
		return
	}
	account, err := s.svc.Account(addr)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address":        crypto.Address(addr).Hex(),
		"balance":        amountText(account.Balance),
		"vaultAllowance": amountText(account.VaultAllowance),
		"permitNonce":    account.PermitNonce,
	})
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := s.svc.Deal(dealID(r))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dealResponse{Deal: newDealView(deal)})
}

func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	id := dealID(r)
	elig, err := s.svc.DealEligibility(id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":          id,
		"autoRelease": elig.AutoRelease,
		"autoRefund":  elig.AutoRefund,
	})
}

func (s *Server) handleAutoRelease(w http.ResponseWriter, r *http.Request) {
	id := dealID(r)
	st, err := s.svc.AutoRelease(r.Context(), id)
	s.respondDeal(w, id, &st, err)
}

func (s *Server) handleAutoRefund(w http.ResponseWriter, r *http.Request) {
	id := dealID(r)
	st, err := s.svc.AutoRefund(r.Context(), id)
	s.respondDeal(w, id, &st, err)
}

func (s *Server) handlePartyDeals(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		respondError(w, err)
		return
	}
	roleName := r.URL.Query().Get("role")
	if strings.TrimSpace(roleName) == "" {
		roleName = string(deals.RoleBrand)
	}
	role, err := deals.ParsePartyRole(roleName)
	if err != nil {
		respondError(w, badRequest("%v", err))
		return
	}
	list, err := s.svc.PartyDeals(role, addr)
	if err != nil {
		respondError(w, err)
		return
	}
	views := make([]dealView, 0, len(list))
	for _, d := range list {
		views = append(views, newDealView(d))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"role": string(role), "deals": views})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeError(w, http.StatusServiceUnavailable, errJournalUnavailable)
		return
	}
	query := r.URL.Query()
	after, err := parseCursor(query.Get("after"))
	if err != nil {
		respondError(w, badRequest("invalid after cursor"))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit <= 0 {
			respondError(w, badRequest("invalid limit"))
			return
		}
	}
	list, err := s.journal.Since(r.Context(), after, query.Get("dealId"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	next := after
	if len(list) > 0 {
		next = list[len(list)-1].Seq
	}
	if list == nil {
		list = []Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": list, "next": next})
}

// --- custodian handlers ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	caller := s.caller(r)
	if !s.svc.IsCustodian(caller) {
		respondError(w, deals.ErrNotCustodian)
		return
	}
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, errStoreUnavailable)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			respondError(w, badRequest("invalid limit"))
			return
		}
		limit = parsed
	}
	entries, err := s.store.RecentAudit(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	brand, err := parseAddress("brand", req.Brand)
	if err != nil {
		respondError(w, err)
		return
	}
	creator, err := parseAddress("creator", req.Creator)
	if err != nil {
		respondError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		respondError(w, err)
		return
	}
	deal, err := s.svc.CreateDeal(r.Context(), s.caller(r), deals.CreateParams{
		ID:        normalizeText(req.ID),
		Brand:     brand,
		Creator:   creator,
		Amount:    amount,
		Deadline:  req.Deadline,
		BriefHash: normalizeText(req.BriefHash),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dealResponse{Deal: newDealView(deal)})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	req, brand, ok := s.partyPayload(w, r, deals.RoleBrand)
	if !ok {
		return
	}
	permit, err := parsePermit(req.Permit)
	if err != nil {
		respondError(w, err)
		return
	}
	id := dealID(r)
	if req.Permit != nil {
		s.logger.Info("funding with permit",
			slog.String("dealId", id),
			slog.Int64("permitDeadline", req.Permit.Deadline),
			logging.MaskField("permitR", req.Permit.R),
			logging.MaskField("permitS", req.Permit.S))
	}
	err = s.svc.FundDeal(r.Context(), s.caller(r), brand, id, permit)
	s.respondDeal(w, id, nil, err)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	_, creator, ok := s.partyPayload(w, r, deals.RoleCreator)
	if !ok {
		return
	}
	id := dealID(r)
	err := s.svc.AcceptDeal(r.Context(), s.caller(r), creator, id)
	s.respondDeal(w, id, nil, err)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	req, creator, ok := s.partyPayload(w, r, deals.RoleCreator)
	if !ok {
		return
	}
	id := dealID(r)
	err := s.svc.SubmitContent(r.Context(), s.caller(r), creator, id, normalizeText(req.ContentURL))
	s.respondDeal(w, id, nil, err)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	_, brand, ok := s.partyPayload(w, r, deals.RoleBrand)
	if !ok {
		return
	}
	id := dealID(r)
	st, err := s.svc.ApproveDeal(r.Context(), s.caller(r), brand, id)
	s.respondDeal(w, id, &st, err)
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	req, brand, ok := s.partyPayload(w, r, deals.RoleBrand)
	if !ok {
		return
	}
	id := dealID(r)
	err := s.svc.InitiateDispute(r.Context(), s.caller(r), brand, id, normalizeText(req.Reason))
	s.respondDeal(w, id, nil, err)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	req, creator, ok := s.partyPayload(w, r, deals.RoleCreator)
	if !ok {
		return
	}
	if req.Accept == nil {
		respondError(w, badRequest("accept required"))
		return
	}
	id := dealID(r)
	st, err := s.svc.ResolveDispute(r.Context(), s.caller(r), creator, id, *req.Accept)
	s.respondDeal(w, id, &st, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	_, brand, ok := s.partyPayload(w, r, deals.RoleBrand)
	if !ok {
		return
	}
	id := dealID(r)
	st, err := s.svc.CancelDeal(r.Context(), s.caller(r), brand, id)
	s.respondDeal(w, id, &st, err)
}

func (s *Server) handleEmergencyCancel(w http.ResponseWriter, r *http.Request) {
	id := dealID(r)
	st, err := s.svc.EmergencyCancel(r.Context(), s.caller(r), id)
	s.respondDeal(w, id, &st, err)
}

func (s *Server) handleSetFee(w http.ResponseWriter, r *http.Request) {
	var req feeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Bps == nil {
		respondError(w, badRequest("bps required"))
		return
	}
	if err := s.svc.SetPlatformFee(r.Context(), s.caller(r), *req.Bps); err != nil {
		respondError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleSetFeeRecipient(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressPayload(w, r)
	if !ok {
		return
	}
	if err := s.svc.SetFeeRecipient(r.Context(), s.caller(r), addr); err != nil {
		respondError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.svc.SetPaused(r.Context(), s.caller(r), paused); err != nil {
			respondError(w, err)
			return
		}
		s.handleStatus(w, r)
	}
}

func (s *Server) handleGrantCustodian(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressPayload(w, r)
	if !ok {
		return
	}
	if err := s.svc.GrantCustodian(r.Context(), s.caller(r), addr); err != nil {
		respondError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleRevokeCustodian(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("addr", chi.URLParam(r, "addr"))
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.svc.RevokeCustodian(r.Context(), s.caller(r), addr); err != nil {
		respondError(w, err)
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	tokenAddr, err := parseAddress("token", req.Token)
	if err != nil {
		respondError(w, err)
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		respondError(w, err)
		return
	}
	var amount *big.Int
	if strings.TrimSpace(req.Amount) != "" {
		if amount, err = parseAmount("amount", req.Amount); err != nil {
			respondError(w, err)
			return
		}
	}
	swept, err := s.svc.Sweep(r.Context(), s.caller(r), tokenAddr, to, amount)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token": crypto.Address(tokenAddr).Hex(),
		"to":    crypto.Address(to).Hex(),
		"swept": amountText(swept),
	})
}

// --- helpers ---

func (s *Server) caller(r *http.Request) [20]byte {
	addr, _ := CallerFromContext(r.Context())
	return addr
}

func (s *Server) partyPayload(w http.ResponseWriter, r *http.Request, role deals.PartyRole) (partyRequest, [20]byte, bool) {
	var req partyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return req, [20]byte{}, false
	}
	raw, field := req.Brand, "brand"
	if role == deals.RoleCreator {
		raw, field = req.Creator, "creator"
	}
	party, err := parseAddress(field, raw)
	if err != nil {
		respondError(w, err)
		return req, [20]byte{}, false
	}
	return req, party, true
}

func (s *Server) addressPayload(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	var req addressRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return [20]byte{}, false
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		respondError(w, err)
		return [20]byte{}, false
	}
	return addr, true
}

func (s *Server) respondDeal(w http.ResponseWriter, id string, st *deals.Settlement, err error) {
	if err != nil {
		respondError(w, err)
		return
	}
	deal, err := s.svc.Deal(id)
	if err != nil {
		respondError(w, err)
		return
	}
	resp := dealResponse{Deal: newDealView(deal)}
	if st != nil {
		resp.Settlement = newSettlementView(*st)
	}
	writeJSON(w, http.StatusOK, resp)
}

func dealID(r *http.Request) string {
	return normalizeText(chi.URLParam(r, "id"))
}

// normalizeText trims and NFC-normalises free text so visually identical
// inputs store identically.
func normalizeText(raw string) string {
	return norm.NFC.String(strings.TrimSpace(raw))
}

func decodeJSON(r *http.Request, dst interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err != nil {
		return badRequest("read body: %v", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid JSON payload: %v", err)
	}
	return nil
}

func parseAddress(field, raw string) ([20]byte, error) {
	if strings.TrimSpace(raw) == "" {
		return [20]byte{}, badRequest("%s required", field)
	}
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return [20]byte{}, badRequest("%s: %v", field, err)
	}
	return addr, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, badRequest("%s must be a base-10 integer", field)
	}
	return amount, nil
}

func parseWord(field, raw string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil || len(decoded) != len(out) {
		return out, badRequest("%s must be 32 hex-encoded bytes", field)
	}
	copy(out[:], decoded)
	return out, nil
}

func parsePermit(p *permitPayload) (*deals.Permit, error) {
	if p == nil {
		return nil, nil
	}
	permit := &deals.Permit{Deadline: p.Deadline, V: p.V}
	if strings.TrimSpace(p.Value) != "" {
		value, err := parseAmount("permit.value", p.Value)
		if err != nil {
			return nil, err
		}
		permit.Value = value
	}
	var err error
	if permit.R, err = parseWord("permit.r", p.R); err != nil {
		return nil, err
	}
	if permit.S, err = parseWord("permit.s", p.S); err != nil {
		return nil, err
	}
	return permit, nil
}

func statusForError(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, ErrUnknownToken):
		return http.StatusBadRequest
	case errors.Is(err, deals.ErrNotFound):
		return http.StatusNotFound
	}
	switch deals.KindOf(err) {
	case deals.KindValidation:
		return http.StatusBadRequest
	case deals.KindAuthorization:
		return http.StatusForbidden
	case deals.KindState:
		return http.StatusConflict
	case deals.KindTiming, deals.KindPermit:
		return http.StatusUnprocessableEntity
	case deals.KindTransfer:
		return http.StatusBadGateway
	case deals.KindPaused:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	body := map[string]string{"error": err.Error()}
	if kind := deals.KindOf(err); kind != deals.KindUnknown {
		body["kind"] = kind.String()
		body["code"] = deals.CodeOf(err)
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// --- middleware ---

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("requestId", chimw.GetReqID(r.Context())),
			logging.MaskField("authorization", r.Header.Get("Authorization")))
	})
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}

// mutations replays cached responses for a repeated Idempotency-Key and
// writes every custodian request to the audit log.
func (s *Server) mutations(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("request body exceeds %d bytes", maxRequestBody))
			return
		}
		caller := crypto.Address(s.caller(r)).Hex()
		requestHash := hashRequest(r.Method, r.URL.Path, body)
		key := strings.TrimSpace(r.Header.Get(headerIdempotencyKey))
		rec := &responseRecorder{ResponseWriter: w}
		defer s.audit(r, caller, requestHash, rec)

		if key != "" && s.store != nil {
			cached, err := s.store.LookupIdempotency(r.Context(), caller, key, requestHash)
			if err != nil {
				status := http.StatusInternalServerError
				if errors.Is(err, ErrIdempotencyMismatch) {
					status = http.StatusConflict
				}
				writeError(rec, status, err)
				return
			}
			if cached != nil {
				rec.Header().Set("Content-Type", "application/json")
				rec.Header().Set("Idempotent-Replay", "true")
				rec.WriteHeader(cached.Status)
				_, _ = rec.Write(cached.Body)
				return
			}
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(rec, r)

		if key != "" && s.store != nil && rec.status >= 200 && rec.status < 300 {
			if err := s.store.SaveIdempotency(r.Context(), caller, key, requestHash, rec.status, rec.buf.Bytes()); err != nil {
				s.logger.Error("save idempotency key failed", slog.String("error", err.Error()))
			}
		}
	})
}

func (s *Server) audit(r *http.Request, caller, requestHash string, rec *responseRecorder) {
	if s.store == nil {
		return
	}
	entry := AuditEntry{
		Timestamp:   time.Now(),
		Caller:      caller,
		RequestID:   chimw.GetReqID(r.Context()),
		Method:      r.Method,
		Path:        r.URL.Path,
		RequestHash: requestHash,
		Status:      rec.status,
	}
	if err := s.store.InsertAuditLog(r.Context(), entry); err != nil {
		s.logger.Error("audit log write failed", slog.String("error", err.Error()))
	}
}
