// Package api is the HTTP host of the ledger: chi handlers for every ledger
// operation and query, caller authentication, per-caller rate limiting, and
// a WebSocket stream of committed events.
//
// Amounts are integer base units and prices are basis points, both as JSON
// numbers.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/atmx/vault-ledger/internal/ledger"
	"github.com/atmx/vault-ledger/internal/model"
	"github.com/atmx/vault-ledger/internal/portfolio"
)

// Service exposes the ledger engine over HTTP.
type Service struct {
	eng    *ledger.Engine
	logger zerolog.Logger
	faucet bool
}

// Option configures a Service.
type Option func(*Service)

// WithFaucet exposes POST /dev/faucet, which credits custody accounts out of
// thin air. Development only.
func WithFaucet(enabled bool) Option {
	return func(s *Service) { s.faucet = enabled }
}

// NewService creates a new ledger HTTP service.
func NewService(eng *ledger.Engine, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{eng: eng, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes registers the ledger routes on r, which is normally mounted at
// /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/protocol", s.Initialize)
	r.Get("/protocol", s.GetProtocol)

	r.Post("/oracles", s.AddOracle)
	r.Get("/oracles/{oracle}", s.GetOracle)
	r.Put("/oracles/{oracle}/status", s.SetOracleStatus)

	r.Post("/vaults", s.CreateVault)
	r.Post("/vaults/deposit", s.Deposit)
	r.Post("/vaults/withdraw", s.Withdraw)
	r.Get("/vaults/{owner}", s.GetVault)
	r.Get("/vaults/{owner}/portfolio", s.GetPortfolio)
	r.Get("/vaults/{owner}/history", s.GetVaultHistory)

	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.RegisterMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/history", s.GetMarketHistory)
	r.Post("/markets/{marketID}/price", s.UpdatePrice)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)

	r.Post("/markets/{marketID}/positions", s.OpenPosition)
	r.Post("/markets/{marketID}/positions/close", s.ClosePosition)
	r.Post("/markets/{marketID}/positions/settle", s.SettlePosition)
	r.Get("/markets/{marketID}/positions/{owner}", s.GetPosition)

	if s.faucet {
		r.Post("/dev/faucet", s.Faucet)
	}
}

// --- Request types ---

// InitializeRequest is the JSON body for POST /protocol.
type InitializeRequest struct {
	Treasury model.Identity `json:"treasury"` // empty → caller
	FeeBps   uint16         `json:"fee_bps"`
}

// OracleRequest is the JSON body for POST /oracles.
type OracleRequest struct {
	Oracle model.Identity `json:"oracle"`
}

// OracleStatusRequest is the JSON body for PUT /oracles/{oracle}/status.
type OracleStatusRequest struct {
	Active bool `json:"active"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount uint64 `json:"amount"`
}

// PriceRequest is the JSON body for POST /markets/{marketID}/price.
type PriceRequest struct {
	YesPrice uint16 `json:"yes_price"`
	NoPrice  uint16 `json:"no_price"`
}

// ResolveRequest is the JSON body for POST /markets/{marketID}/resolve.
type ResolveRequest struct {
	Outcome model.Outcome `json:"outcome"`
}

// OpenPositionRequest is the JSON body for POST /markets/{marketID}/positions.
type OpenPositionRequest struct {
	Side   model.Side `json:"side"`
	Amount uint64     `json:"amount"`
}

// FaucetRequest is the JSON body for POST /dev/faucet.
type FaucetRequest struct {
	Identity model.Identity `json:"identity"` // empty → caller
	Amount   uint64         `json:"amount"`
}

// --- Protocol and oracles ---

// Initialize handles POST /api/v1/protocol
func (s *Service) Initialize(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req InitializeRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := s.eng.Initialize(r.Context(), caller, req.Treasury, req.FeeBps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetProtocol handles GET /api/v1/protocol
func (s *Service) GetProtocol(w http.ResponseWriter, r *http.Request) {
	p, err := s.eng.Protocol(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AddOracle handles POST /api/v1/oracles
func (s *Service) AddOracle(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req OracleRequest
	if !decode(w, r, &req) {
		return
	}
	reg, err := s.eng.AddOracle(r.Context(), caller, req.Oracle)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

// GetOracle handles GET /api/v1/oracles/{oracle}
func (s *Service) GetOracle(w http.ResponseWriter, r *http.Request) {
	reg, err := s.eng.Oracle(r.Context(), model.Identity(chi.URLParam(r, "oracle")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// SetOracleStatus handles PUT /api/v1/oracles/{oracle}/status
func (s *Service) SetOracleStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req OracleStatusRequest
	if !decode(w, r, &req) {
		return
	}
	oracle := model.Identity(chi.URLParam(r, "oracle"))
	reg, err := s.eng.SetOracleActive(r.Context(), caller, oracle, req.Active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// --- Vaults ---

// CreateVault handles POST /api/v1/vaults. The vault belongs to the caller.
func (s *Service) CreateVault(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	v, err := s.eng.CreateVault(r.Context(), caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// Deposit handles POST /api/v1/vaults/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.eng.Deposit(r.Context(), caller, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// Withdraw handles POST /api/v1/vaults/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.eng.Withdraw(r.Context(), caller, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetVault handles GET /api/v1/vaults/{owner}
func (s *Service) GetVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.eng.Vault(r.Context(), model.Identity(chi.URLParam(r, "owner")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetPortfolio handles GET /api/v1/vaults/{owner}/portfolio
// Returns positions marked to market and open exposure by platform and side.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := portfolio.Load(r.Context(), s.eng, model.Identity(chi.URLParam(r, "owner")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetVaultHistory handles GET /api/v1/vaults/{owner}/history
func (s *Service) GetVaultHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, model.VaultKey(model.Identity(chi.URLParam(r, "owner"))))
}

// --- Markets ---

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?platform= and ?resolved=.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.eng.Markets(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	platform := model.Platform(q.Get("platform"))
	resolved, filterResolved := q.Get("resolved"), q.Has("resolved")
	if platform != "" || filterResolved {
		filtered := []model.Market{}
		for _, m := range markets {
			if platform != "" && m.Platform != platform {
				continue
			}
			if filterResolved && strconv.FormatBool(m.Resolved) != resolved {
				continue
			}
			filtered = append(filtered, m)
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

// RegisterMarket handles POST /api/v1/markets
func (s *Service) RegisterMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ledger.MarketParams
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.RegisterMarket(r.Context(), caller, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := s.eng.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetMarketHistory handles GET /api/v1/markets/{marketID}/history
// Returns the audit log entries naming the market, oldest first.
func (s *Service) GetMarketHistory(w http.ResponseWriter, r *http.Request) {
	s.writeHistory(w, r, model.MarketKey(chi.URLParam(r, "marketID")))
}

// UpdatePrice handles POST /api/v1/markets/{marketID}/price
func (s *Service) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.UpdatePrice(r.Context(), caller, chi.URLParam(r, "marketID"), req.YesPrice, req.NoPrice)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := s.eng.ResolveMarket(r.Context(), caller, chi.URLParam(r, "marketID"), req.Outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// --- Positions ---

// OpenPosition handles POST /api/v1/markets/{marketID}/positions
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req OpenPositionRequest
	if !decode(w, r, &req) {
		return
	}
	rcpt, err := s.eng.OpenPosition(r.Context(), caller, chi.URLParam(r, "marketID"), req.Side, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rcpt)
}

// ClosePosition handles POST /api/v1/markets/{marketID}/positions/close
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	rcpt, err := s.eng.ClosePosition(r.Context(), caller, chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// SettlePosition handles POST /api/v1/markets/{marketID}/positions/settle
func (s *Service) SettlePosition(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	rcpt, err := s.eng.SettlePosition(r.Context(), caller, chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rcpt)
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{owner}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	owner := model.Identity(chi.URLParam(r, "owner"))
	p, err := s.eng.Position(r.Context(), owner, chi.URLParam(r, "marketID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Development ---

// Faucet handles POST /api/v1/dev/faucet
func (s *Service) Faucet(w http.ResponseWriter, r *http.Request) {
	var req FaucetRequest
	if !decode(w, r, &req) {
		return
	}
	id := req.Identity
	if id == "" {
		var ok bool
		if id, ok = requireCaller(w, r); !ok {
			return
		}
	}
	bal, err := s.eng.Fund(r.Context(), id, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info().Str("identity", string(id)).Uint64("amount", req.Amount).Msg("faucet")
	writeJSON(w, http.StatusOK, map[string]any{"identity": id, "balance": bal})
}

// --- Helpers ---

func (s *Service) writeHistory(w http.ResponseWriter, r *http.Request, ref model.Key) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeStatus(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	evts, err := s.eng.Events(r.Context(), ref, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func requireCaller(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	caller := Caller(r.Context())
	if caller == "" {
		writeStatus(w, http.StatusUnauthorized, "unauthenticated", errMissingCredentials.Error())
		return "", false
	}
	return caller, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeStatus(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return false
	}
	return true
}

// statusFor maps a ledger error to its HTTP status.
func statusFor(err error) int {
	switch {
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsAuthError(err):
		return http.StatusForbidden
	case ledger.IsConflict(err):
		return http.StatusConflict
	case ledger.IsValidation(err):
		return http.StatusBadRequest
	case ledger.IsFunds(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err as {"error", "code"}. Unclassified errors are logged
// and reported without detail.
func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		writeStatus(w, status, ledger.Kind(err), "internal error")
		return
	}
	writeStatus(w, status, ledger.Kind(err), err.Error())
}

func writeStatus(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "vault-ledger",
		"time":    time.Now().UTC(),
	})
}
