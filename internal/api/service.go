// Package api provides the HTTP handlers for pools, loans, prices and the
// event journal, and the websocket hub that streams committed events.
//
// Every mutating handler runs exactly one ledger transaction, signed by the
// account named in the request body. The gateway in front of this service
// is trusted to have authenticated that account.
//
// All monetary values use shopspring/decimal, never float64.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/currency"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/limits"
	"github.com/atmx/lending-engine/internal/loan"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/pool"
	"github.com/atmx/lending-engine/internal/token"
)

// keeper is the frame read-only and permissionless calls run as.
const keeper model.Address = "keeper"

// Config wires a Service.
type Config struct {
	Ledger  *ledger.Ledger
	Manager *loan.Manager
	Bank    *token.Bank
	Pools   func(model.Address) *pool.Pool
	Prices  oracle.Source
	// Feed, when set, accepts prices through PUT /prices/{ticker}.
	Feed *oracle.MemoryFeed
	// Faucet enables POST /tokens/{asset}/mint.
	Faucet bool
	Logger *slog.Logger
}

// Service handles lending operations over HTTP.
type Service struct {
	ledger  *ledger.Ledger
	manager *loan.Manager
	bank    *token.Bank
	pools   func(model.Address) *pool.Pool
	prices  oracle.Source
	feed    *oracle.MemoryFeed
	faucet  bool
	logger  *slog.Logger
}

// NewService creates a new lending service.
func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:  cfg.Ledger,
		manager: cfg.Manager,
		bank:    cfg.Bank,
		pools:   cfg.Pools,
		prices:  cfg.Prices,
		feed:    cfg.Feed,
		faucet:  cfg.Faucet,
		logger:  logger,
	}
}

// --- Request/Response types ---

// CreatePoolRequest is the JSON body for POST /pools.
type CreatePoolRequest struct {
	Admin                model.Address   `json:"admin"`
	Pool                 model.Address   `json:"pool"`
	AssetHandle          string          `json:"asset_handle"`
	Ticker               string          `json:"ticker"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold"`
}

// AmountRequest is the JSON body for deposit, withdraw and collateral.
type AmountRequest struct {
	User   model.Address   `json:"user"`
	Amount decimal.Decimal `json:"amount"`
}

// DepositResponse is returned from POST /pools/{pool}/deposit.
type DepositResponse struct {
	SharesMinted decimal.Decimal `json:"shares_minted"`
}

// CreateLoanRequest is the JSON body for POST /loans.
type CreateLoanRequest struct {
	User             model.Address   `json:"user"`
	BorrowPool       model.Address   `json:"borrow_pool"`
	BorrowAmount     decimal.Decimal `json:"borrow_amount"`
	CollateralPool   model.Address   `json:"collateral_pool"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
}

// RepayResponse is returned from POST /loans/{borrower}/repay.
type RepayResponse struct {
	Before decimal.Decimal `json:"before"`
	After  decimal.Decimal `json:"after"`
	Closed bool            `json:"closed"`
}

// CloseRequest is the JSON body for POST /loans/{borrower}/close.
type CloseRequest struct {
	MaxAllowed decimal.Decimal `json:"max_allowed"`
}

// CloseResponse is returned from POST /loans/{borrower}/close.
type CloseResponse struct {
	Repaid decimal.Decimal `json:"repaid"`
}

// LiquidateRequest is the JSON body for POST /loans/{borrower}/liquidate.
type LiquidateRequest struct {
	Liquidator model.Address   `json:"liquidator"`
	Amount     decimal.Decimal `json:"amount"`
}

// PriceRequest is the JSON body for PUT /prices/{ticker}.
type PriceRequest struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp uint64          `json:"timestamp"`
}

// MintRequest is the JSON body for POST /tokens/{asset}/mint.
type MintRequest struct {
	To     model.Address   `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// --- Pools ---

// ListPools handles GET /api/v1/pools
func (s *Service) ListPools(w http.ResponseWriter, r *http.Request) {
	snaps := []model.PoolSnapshot{}
	err := s.view(r.Context(), func(env *ledger.Env) error {
		addrs, err := s.manager.Pools(env)
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			snap, err := s.pools(addr).Snapshot(env)
			if err != nil {
				return err
			}
			snaps = append(snaps, snap)
		}
		return nil
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// CreatePool handles POST /api/v1/pools
func (s *Service) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Admin == "" || req.Pool == "" {
		writeError(w, "admin and pool are required", http.StatusBadRequest)
		return
	}
	cur, err := currency.Parse(req.AssetHandle, req.Ticker)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	var snap model.PoolSnapshot
	err = s.atomic(r.Context(), "register_pool", req.Admin, func(env *ledger.Env) error {
		if err := s.manager.RegisterPool(env, req.Pool, cur, req.LiquidationThreshold); err != nil {
			return err
		}
		snap, err = s.pools(req.Pool).Snapshot(env)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// GetPool handles GET /api/v1/pools/{pool}
func (s *Service) GetPool(w http.ResponseWriter, r *http.Request) {
	addr := model.Address(chi.URLParam(r, "pool"))

	var snap model.PoolSnapshot
	err := s.view(r.Context(), func(env *ledger.Env) error {
		var err error
		snap, err = s.pools(addr).Snapshot(env)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// AccruePool handles POST /api/v1/pools/{pool}/accrue
// Anyone may advance a pool's accrual index.
func (s *Service) AccruePool(w http.ResponseWriter, r *http.Request) {
	addr := model.Address(chi.URLParam(r, "pool"))

	var snap model.PoolSnapshot
	err := s.maintain(r.Context(), "accrue_pool", func(env *ledger.Env) error {
		p := s.pools(addr)
		if err := p.AddInterestToAccrual(env); err != nil {
			return err
		}
		var err error
		snap, err = p.Snapshot(env)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.observePool(snap)
	writeJSON(w, http.StatusOK, snap)
}

// Deposit handles POST /api/v1/pools/{pool}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	addr := model.Address(chi.URLParam(r, "pool"))
	var req AmountRequest
	if !decodeAmount(w, r, &req) {
		return
	}

	var resp DepositResponse
	var snap model.PoolSnapshot
	err := s.atomic(r.Context(), "deposit", req.User, func(env *ledger.Env) error {
		p := s.pools(addr)
		var err error
		if resp.SharesMinted, err = p.Deposit(env, req.User, req.Amount); err != nil {
			return err
		}
		snap, err = p.Snapshot(env)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.observePool(snap)
	writeJSON(w, http.StatusOK, resp)
}

// Withdraw handles POST /api/v1/pools/{pool}/withdraw
func (s *Service) Withdraw(w http.ResponseWriter, r *http.Request) {
	addr := model.Address(chi.URLParam(r, "pool"))
	var req AmountRequest
	if !decodeAmount(w, r, &req) {
		return
	}

	var st model.PoolState
	var snap model.PoolSnapshot
	err := s.atomic(r.Context(), "withdraw", req.User, func(env *ledger.Env) error {
		p := s.pools(addr)
		var err error
		if st, err = p.Withdraw(env, req.User, req.Amount); err != nil {
			return err
		}
		snap, err = p.Snapshot(env)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.observePool(snap)
	writeJSON(w, http.StatusOK, st)
}

// DepositCollateral handles POST /api/v1/pools/{pool}/collateral
// Collateral is only released through the loan manager.
func (s *Service) DepositCollateral(w http.ResponseWriter, r *http.Request) {
	addr := model.Address(chi.URLParam(r, "pool"))
	var req AmountRequest
	if !decodeAmount(w, r, &req) {
		return
	}

	var pos model.Position
	err := s.atomic(r.Context(), "deposit_collateral", req.User, func(env *ledger.Env) error {
		p := s.pools(addr)
		if _, err := p.DepositCollateral(env, req.User, req.Amount); err != nil {
			return err
		}
		var err error
		pos, err = p.Position(env, req.User)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPosition handles GET /api/v1/pools/{pool}/positions/{user}
func (s *Service) GetPosition(w http.ResponseWriter, r *http.Request) {
	addr := model.Address(chi.URLParam(r, "pool"))
	user := model.Address(chi.URLParam(r, "user"))

	var pos model.Position
	err := s.view(r.Context(), func(env *ledger.Env) error {
		var err error
		pos, err = s.pools(addr).Position(env, user)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPoolEvents handles GET /api/v1/pools/{pool}/events
func (s *Service) GetPoolEvents(w http.ResponseWriter, r *http.Request) {
	addr := model.Address(chi.URLParam(r, "pool"))

	events, err := s.ledger.Store().EventsByPool(r.Context(), addr)
	if err != nil {
		writeError(w, "failed to load pool events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Loans ---

// ListLoans handles GET /api/v1/loans
// Liquidation scanners poll this for loans below the threshold; pass
// ?liquidatable=true to filter by the stored health factor.
func (s *Service) ListLoans(w http.ResponseWriter, r *http.Request) {
	var loans []model.Loan
	err := s.view(r.Context(), func(env *ledger.Env) error {
		var err error
		loans, err = s.manager.Loans(env)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	if r.URL.Query().Get("liquidatable") == "true" {
		policy := s.manager.Policy()
		filtered := []model.Loan{}
		for _, l := range loans {
			if policy.Liquidatable(l.HealthFactor) {
				filtered = append(filtered, l)
			}
		}
		loans = filtered
	}
	if loans == nil {
		loans = []model.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

// CreateLoan handles POST /api/v1/loans
func (s *Service) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if !decode(w, r, &req) {
		return
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return
	}

	var l model.Loan
	err := s.atomic(r.Context(), "create_loan", req.User, func(env *ledger.Env) error {
		var err error
		l, err = s.manager.CreateLoan(env, req.User, req.BorrowPool, req.BorrowAmount, req.CollateralPool, req.CollateralAmount)
		return err
	})
	if errors.Is(err, limits.ErrLoanCapExceeded) || errors.Is(err, limits.ErrUtilizationCapExceeded) {
		metrics.BorrowCapRejections.Inc()
	}
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.ActiveLoans.Inc()

	s.logger.Info("loan opened",
		"borrower", l.Borrower,
		"borrow_pool", l.BorrowedFrom,
		"borrowed", l.BorrowedAmount.String(),
		"collateral_pool", l.CollateralFrom,
		"collateral", l.CollateralAmount.String(),
		"health_factor", l.HealthFactor.String(),
	)
	writeJSON(w, http.StatusCreated, l)
}

// GetLoan handles GET /api/v1/loans/{borrower}
func (s *Service) GetLoan(w http.ResponseWriter, r *http.Request) {
	borrower := model.Address(chi.URLParam(r, "borrower"))

	var l model.Loan
	err := s.view(r.Context(), func(env *ledger.Env) error {
		var err error
		l, err = s.manager.GetLoan(env, borrower)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// AccrueLoan handles POST /api/v1/loans/{borrower}/accrue
func (s *Service) AccrueLoan(w http.ResponseWriter, r *http.Request) {
	borrower := model.Address(chi.URLParam(r, "borrower"))

	var l model.Loan
	err := s.maintain(r.Context(), "add_interest", func(env *ledger.Env) error {
		var err error
		l, err = s.manager.AddInterest(env, borrower)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Repay handles POST /api/v1/loans/{borrower}/repay
func (s *Service) Repay(w http.ResponseWriter, r *http.Request) {
	borrower := model.Address(chi.URLParam(r, "borrower"))
	var req AmountRequest
	if !decode(w, r, &req) {
		return
	}

	var resp RepayResponse
	err := s.atomic(r.Context(), "repay", borrower, func(env *ledger.Env) error {
		var err error
		resp.Before, resp.After, err = s.manager.Repay(env, borrower, req.Amount)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if resp.After.IsZero() {
		resp.Closed = true
		metrics.ActiveLoans.Dec()
	}

	s.logger.Info("loan repaid",
		"borrower", borrower,
		"amount", req.Amount.String(),
		"before", resp.Before.String(),
		"after", resp.After.String(),
	)
	writeJSON(w, http.StatusOK, resp)
}

// CloseLoan handles POST /api/v1/loans/{borrower}/close
func (s *Service) CloseLoan(w http.ResponseWriter, r *http.Request) {
	borrower := model.Address(chi.URLParam(r, "borrower"))
	var req CloseRequest
	if !decode(w, r, &req) {
		return
	}

	var resp CloseResponse
	err := s.atomic(r.Context(), "repay_and_close", borrower, func(env *ledger.Env) error {
		var err error
		resp.Repaid, err = s.manager.RepayAndClose(env, borrower, req.MaxAllowed)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.ActiveLoans.Dec()

	s.logger.Info("loan closed", "borrower", borrower, "repaid", resp.Repaid.String())
	writeJSON(w, http.StatusOK, resp)
}

// Liquidate handles POST /api/v1/loans/{borrower}/liquidate
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	borrower := model.Address(chi.URLParam(r, "borrower"))
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Liquidator == "" {
		writeError(w, "liquidator is required", http.StatusBadRequest)
		return
	}

	var res loan.Liquidation
	err := s.atomic(r.Context(), "liquidate", req.Liquidator, func(env *ledger.Env) error {
		var err error
		res, err = s.manager.Liquidate(env, req.Liquidator, borrower, req.Amount)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	metrics.Liquidations.WithLabelValues(string(res.Loan.BorrowedFrom)).Inc()
	writeJSON(w, http.StatusOK, res)
}

// --- Journal, prices, tokens ---

// GetAccountEvents handles GET /api/v1/accounts/{account}/events
func (s *Service) GetAccountEvents(w http.ResponseWriter, r *http.Request) {
	account := model.Address(chi.URLParam(r, "account"))

	events, err := s.ledger.Store().EventsByAccount(r.Context(), account)
	if err != nil {
		writeError(w, "failed to load account events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetPrice handles GET /api/v1/prices/{ticker}
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	ticker := currency.NormalizeTicker(chi.URLParam(r, "ticker"))

	pd, err := s.prices.LastPrice(r.Context(), ticker)
	if err != nil {
		writeError(w, "price feed unavailable", http.StatusServiceUnavailable)
		return
	}
	if pd == nil {
		writeLedgerError(w, model.ErrNoPriceAvailable)
		return
	}
	writeJSON(w, http.StatusOK, pd)
}

// SetPrice handles PUT /api/v1/prices/{ticker}
// Only available when prices come from the in-process feed.
func (s *Service) SetPrice(w http.ResponseWriter, r *http.Request) {
	if s.feed == nil {
		writeError(w, "prices are read-only for this oracle", http.StatusMethodNotAllowed)
		return
	}
	ticker := currency.NormalizeTicker(chi.URLParam(r, "ticker"))
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price must be positive", http.StatusUnprocessableEntity)
		return
	}
	if req.Timestamp == 0 {
		req.Timestamp = uint64(time.Now().Unix())
	}
	s.feed.Set(ticker, req.Price, req.Timestamp)
	writeJSON(w, http.StatusOK, model.PriceData{Price: req.Price, Timestamp: req.Timestamp})
}

// Mint handles POST /api/v1/tokens/{asset}/mint
// Test-network faucet; disabled unless configured.
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	if !s.faucet {
		writeError(w, "faucet disabled", http.StatusForbidden)
		return
	}
	asset := model.Address(chi.URLParam(r, "asset"))
	var req MintRequest
	if !decode(w, r, &req) {
		return
	}
	if req.To == "" {
		writeError(w, "to is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	err := s.ledger.Atomic(r.Context(), nil, func(tx *ledger.Tx) error {
		return s.bank.Mint(tx, asset, req.To, req.Amount)
	})
	metrics.Observe("mint", start, err)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	s.writeBalance(w, r, asset, req.To)
}

// GetBalance handles GET /api/v1/tokens/{asset}/balances/{holder}
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	s.writeBalance(w, r, model.Address(chi.URLParam(r, "asset")), model.Address(chi.URLParam(r, "holder")))
}

func (s *Service) writeBalance(w http.ResponseWriter, r *http.Request, asset, holder model.Address) {
	var bal decimal.Decimal
	err := s.view(r.Context(), func(env *ledger.Env) error {
		var err error
		bal, err = s.bank.Balance(env, asset, holder)
		return err
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"asset":   asset,
		"holder":  holder,
		"balance": bal,
	})
}

// --- Helpers ---

// atomic runs fn in one transaction signed by signer. Requests cannot act
// as an account the protocol holds.
func (s *Service) atomic(ctx context.Context, op string, signer model.Address, fn func(env *ledger.Env) error) error {
	return s.run(ctx, op, signer, func(env *ledger.Env) error {
		if err := s.checkAccount(env, signer); err != nil {
			return err
		}
		return fn(env)
	})
}

// maintain runs a permissionless call as the keeper.
func (s *Service) maintain(ctx context.Context, op string, fn func(env *ledger.Env) error) error {
	return s.run(ctx, op, keeper, fn)
}

// checkAccount rejects the keeper, the manager, registered pools and the
// assets those pools hold.
func (s *Service) checkAccount(env *ledger.Env, account model.Address) error {
	if account == keeper || account == s.manager.Address() {
		return fmt.Errorf("%w: %s is a protocol account", model.ErrNotAuthorized, account)
	}
	pools, err := s.manager.Pools(env)
	if err != nil {
		return err
	}
	for _, addr := range pools {
		cur, err := s.pools(addr).Currency(env)
		if err != nil {
			return err
		}
		if account == addr || account == cur.AssetHandle {
			return fmt.Errorf("%w: %s is a protocol account", model.ErrNotAuthorized, account)
		}
	}
	return nil
}

func (s *Service) run(ctx context.Context, op string, signer model.Address, fn func(env *ledger.Env) error) error {
	start := time.Now()
	err := s.ledger.Atomic(ctx, []model.Address{signer}, func(tx *ledger.Tx) error {
		return fn(tx.As(signer))
	})
	metrics.Observe(op, start, err)
	if err != nil && !model.Retryable(err) {
		s.logger.Warn("operation failed", "op", op, "signer", signer, "err", err)
	}
	return err
}

func (s *Service) view(ctx context.Context, fn func(env *ledger.Env) error) error {
	return s.ledger.View(ctx, func(tx *ledger.Tx) error {
		return fn(tx.As(keeper))
	})
}

func (s *Service) observePool(snap model.PoolSnapshot) {
	util, _ := snap.Utilization.Float64()
	metrics.PoolUtilization.WithLabelValues(string(snap.Address)).Set(util)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func decodeAmount(w http.ResponseWriter, r *http.Request, req *AmountRequest) bool {
	if !decode(w, r, req) {
		return false
	}
	if req.User == "" {
		writeError(w, "user is required", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
