// Package api provides the HTTP handlers over the pool registry: pool
// initialization, collateral deposits, the lookup surface and the audit.
//
// Values cross the wire as human decimal strings alongside the raw scaled
// integer, so clients never depend on float64.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/options-amm/internal/contract"
	"github.com/atmx/options-amm/internal/engine"
	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
)

// Handler serves the pool API.
type Handler struct {
	registry *engine.Registry
}

// NewHandler creates a handler over reg.
func NewHandler(reg *engine.Registry) *Handler {
	return &Handler{registry: reg}
}

// Routes mounts the pool endpoints on r. Paths are relative to /api/v1.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/pools", h.ListPools)
	r.Route("/pools/{poolID}", func(r chi.Router) {
		r.Post("/init", h.InitPool)
		r.Post("/deposits", h.AddFakeTokens)
		r.Get("/deposits", h.ListDeposits)
		r.Get("/balance/{kind}", h.GetPoolBalance)
		r.Get("/accounts/{accountID}/balance/{token}", h.GetAccountBalance)
		r.Get("/options/{ticker}", h.GetPoolOptionBalance)
		r.Get("/volatility/{kind}/{maturity}", h.GetPoolVolatility)
		r.Get("/audit", h.Audit)
	})
}

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /pools/{poolID}/deposits.
type DepositRequest struct {
	AccountID model.AccountID `json:"account_id"`
	AmountA   decimal.Decimal `json:"amount_a"` // TokenA, credited to the Call reserve
	AmountB   decimal.Decimal `json:"amount_b"` // TokenB, credited to the Put reserve
}

// ValueResponse carries one fixed-point value.
type ValueResponse struct {
	Value  string `json:"value"`
	Raw    string `json:"raw"`
	Ticker string `json:"ticker,omitempty"`
}

// DepositResponse is one journal entry.
type DepositResponse struct {
	ID        string          `json:"id"`
	PoolID    string          `json:"pool_id"`
	Sequence  uint64          `json:"sequence"`
	AccountID model.AccountID `json:"account_id"`
	AmountA   ValueResponse   `json:"amount_a"`
	AmountB   ValueResponse   `json:"amount_b"`
	Timestamp time.Time       `json:"timestamp"`
}

// InitResponse is returned from POST /pools/{poolID}/init.
type InitResponse struct {
	PoolID      string                   `json:"pool_id"`
	Initialized bool                     `json:"initialized"`
	Reserves    map[string]ValueResponse `json:"reserves"`
}

// DiscrepancyResponse is one audit finding.
type DiscrepancyResponse struct {
	Item     string        `json:"item"`
	Expected ValueResponse `json:"expected"`
	Actual   ValueResponse `json:"actual"`
}

// AuditResponse is returned from GET /pools/{poolID}/audit.
type AuditResponse struct {
	PoolID        string                `json:"pool_id"`
	OK            bool                  `json:"ok"`
	Initialized   bool                  `json:"initialized"`
	Deposits      int                   `json:"deposits"`
	Accounts      int                   `json:"accounts"`
	Discrepancies []DiscrepancyResponse `json:"discrepancies"`
}

func valueOf(v fixedpoint.Value) ValueResponse {
	return ValueResponse{Value: v.String(), Raw: v.Raw().String()}
}

func depositOf(d model.Deposit) DepositResponse {
	return DepositResponse{
		ID:        d.ID,
		PoolID:    d.PoolID,
		Sequence:  d.Sequence,
		AccountID: d.Account,
		AmountA:   valueOf(d.AmountA),
		AmountB:   valueOf(d.AmountB),
		Timestamp: d.Timestamp,
	}
}

func reservesOf(reserves map[model.OptionKind]fixedpoint.Value) map[string]ValueResponse {
	out := make(map[string]ValueResponse, len(reserves))
	for kind, v := range reserves {
		out[kind.String()] = valueOf(v)
	}
	return out
}

// --- HTTP Handlers ---

// ListPools handles GET /api/v1/pools
func (h *Handler) ListPools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"pools": h.registry.Pools()})
}

// InitPool handles POST /api/v1/pools/{poolID}/init
func (h *Handler) InitPool(w http.ResponseWriter, r *http.Request) {
	e, ok := h.pool(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	if err := e.InitPool(ctx); err != nil {
		writeEngineError(w, err)
		return
	}

	reserves := make(map[model.OptionKind]fixedpoint.Value, len(model.OptionKinds))
	for _, kind := range model.OptionKinds {
		v, err := e.PoolBalance(ctx, kind)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		reserves[kind] = v
	}
	writeJSON(w, http.StatusOK, InitResponse{
		PoolID:      e.ID(),
		Initialized: true,
		Reserves:    reservesOf(reserves),
	})
}

// AddFakeTokens handles POST /api/v1/pools/{poolID}/deposits
func (h *Handler) AddFakeTokens(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	amountA, err := fixedpoint.FromDecimal(req.AmountA)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	amountB, err := fixedpoint.FromDecimal(req.AmountB)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	e, ok := h.pool(w, r)
	if !ok {
		return
	}
	d, err := e.AddFakeTokens(r.Context(), req.AccountID, amountA, amountB)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, depositOf(d))
}

// ListDeposits handles GET /api/v1/pools/{poolID}/deposits
func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	deposits, err := e.Deposits(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]DepositResponse, 0, len(deposits))
	for _, d := range deposits {
		out = append(out, depositOf(d))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPoolBalance handles GET /api/v1/pools/{poolID}/balance/{kind}
func (h *Handler) GetPoolBalance(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseOptionKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	v, err := e.PoolBalance(r.Context(), kind)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueOf(v))
}

// GetAccountBalance handles GET /api/v1/pools/{poolID}/accounts/{accountID}/balance/{token}
func (h *Handler) GetAccountBalance(w http.ResponseWriter, r *http.Request) {
	account, err := model.ParseAccountID(chi.URLParam(r, "accountID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	token, err := model.ParseTokenID(chi.URLParam(r, "token"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	v, err := e.AccountBalance(r.Context(), account, token)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueOf(v))
}

// GetPoolOptionBalance handles GET /api/v1/pools/{poolID}/options/{ticker}
// Ticker format: {CALL|PUT}-{strike}-{maturity}-{LONG|SHORT}. With ?raw=true
// strike and maturity are raw scaled integers.
func (h *Handler) GetPoolOptionBalance(w http.ResponseWriter, r *http.Request) {
	raw, err := rawQuery(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	parse := contract.ParseTicker
	if raw {
		parse = contract.ParseRawTicker
	}
	c, err := parse(chi.URLParam(r, "ticker"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	v, err := e.PoolOptionBalance(r.Context(), c.Kind, c.Strike, c.Maturity, c.Side)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := valueOf(v)
	resp.Ticker = c.Ticker
	writeJSON(w, http.StatusOK, resp)
}

// GetPoolVolatility handles GET /api/v1/pools/{poolID}/volatility/{kind}/{maturity}
// With ?raw=true the maturity is a raw scaled integer.
func (h *Handler) GetPoolVolatility(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseOptionKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	raw, err := rawQuery(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	parse := fixedpoint.Parse
	if raw {
		parse = fixedpoint.ParseRaw
	}
	maturity, err := parse(chi.URLParam(r, "maturity"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	v, err := e.PoolVolatility(r.Context(), kind, maturity)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valueOf(v))
}

// Audit handles GET /api/v1/pools/{poolID}/audit
// Replays the deposit journal against the stored balances.
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	e, ok := h.lookup(w, r)
	if !ok {
		return
	}
	report, err := e.Audit(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}

	resp := AuditResponse{
		PoolID:        report.PoolID,
		OK:            report.OK(),
		Initialized:   report.Initialized,
		Deposits:      report.Deposits,
		Accounts:      report.Accounts,
		Discrepancies: make([]DiscrepancyResponse, 0, len(report.Discrepancies)),
	}
	for _, d := range report.Discrepancies {
		resp.Discrepancies = append(resp.Discrepancies, DiscrepancyResponse{
			Item:     d.Item,
			Expected: valueOf(d.Expected),
			Actual:   valueOf(d.Actual),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// lookup resolves {poolID} for a read. Unknown pools read as empty and are
// not registered.
func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	e, _, err := h.registry.Lookup(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return e, true
}

// pool resolves the {poolID} URL parameter for a mutation, creating the pool
// on first use. It writes the error response itself when the ID is rejected.
func (h *Handler) pool(w http.ResponseWriter, r *http.Request) (*engine.Engine, bool) {
	e, err := h.registry.Pool(chi.URLParam(r, "poolID"))
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return e, true
}

func rawQuery(r *http.Request) (bool, error) {
	q := r.URL.Query().Get("raw")
	if q == "" {
		return false, nil
	}
	raw, err := strconv.ParseBool(q)
	if err != nil {
		return false, fmt.Errorf("invalid raw parameter %q", q)
	}
	return raw, nil
}

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidKey),
		errors.Is(err, engine.ErrInvalidAmount),
		errors.Is(err, engine.ErrInvalidPoolID),
		errors.Is(err, fixedpoint.ErrInvalidValue),
		errors.Is(err, contract.ErrInvalidTicker),
		errors.Is(err, contract.ErrInvalidStrike):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrAlreadyInitialized):
		return http.StatusConflict
	case errors.Is(err, fixedpoint.ErrArithmeticOverflow),
		errors.Is(err, fixedpoint.ErrDivisionByZero):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, err.Error(), statusFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
