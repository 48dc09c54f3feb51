package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/api"
	"github.com/atmx/lending-engine/internal/health"
	"github.com/atmx/lending-engine/internal/interest"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/loan"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/pool"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/token"
)

const admin model.Address = "admin"

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

type testEnv struct {
	ledger  *ledger.Ledger
	feed    *oracle.MemoryFeed
	hub     *api.Hub
	handler http.Handler
}

// newTestEnv creates a service over an in-memory ledger with the faucet
// enabled and the manager initialized.
func newTestEnv(t *testing.T, limiter *api.RateLimiter) *testEnv {
	t.Helper()
	clock := ledger.NewManualClock(time.Unix(1_700_000_000, 0).UTC())
	l := ledger.New(store.NewMemoryStore(), clock)
	bank := token.NewBank()
	curve := interest.DefaultCurve()
	pools := func(addr model.Address) *pool.Pool { return pool.New(addr, bank, curve) }
	feed := oracle.NewMemoryFeed()
	mgr := loan.NewManager("manager", func(addr model.Address) loan.PoolClient { return pools(addr) }, feed, health.DefaultPolicy())

	require.NoError(t, l.Atomic(context.Background(), []model.Address{admin}, func(tx *ledger.Tx) error {
		return mgr.Initialize(tx.As(admin), admin)
	}))

	hub := api.NewHub()
	l.OnCommit(hub.Publish)
	svc := api.NewService(api.Config{
		Ledger:  l,
		Manager: mgr,
		Bank:    bank,
		Pools:   pools,
		Prices:  feed,
		Feed:    feed,
		Faucet:  true,
	})
	return &testEnv{ledger: l, feed: feed, hub: hub, handler: api.NewRouter(svc, hub, limiter)}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) mustDo(t *testing.T, method, path string, body any, status int) *httptest.ResponseRecorder {
	t.Helper()
	w := e.do(t, method, path, body)
	require.Equal(t, status, w.Code, "%s %s: %s", method, path, w.Body.String())
	return w
}

// seed registers a USDC and an XLM pool, prices both at 1.0 and funds the
// lender and borrower.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	for _, p := range []api.CreatePoolRequest{
		{Admin: admin, Pool: "pool:USDC", AssetHandle: "asset:USDC", Ticker: "usdc", LiquidationThreshold: d(800_000)},
		{Admin: admin, Pool: "pool:XLM", AssetHandle: "asset:XLM", Ticker: "XLM", LiquidationThreshold: d(800_000)},
	} {
		e.mustDo(t, "POST", "/api/v1/pools", p, http.StatusCreated)
	}
	e.mustDo(t, "PUT", "/api/v1/prices/USDC", api.PriceRequest{Price: d(10_000_000)}, http.StatusOK)
	e.mustDo(t, "PUT", "/api/v1/prices/xlm", api.PriceRequest{Price: d(10_000_000)}, http.StatusOK)
	e.mustDo(t, "POST", "/api/v1/tokens/asset:USDC/mint", api.MintRequest{To: "alice", Amount: d(1_000_000)}, http.StatusOK)
	e.mustDo(t, "POST", "/api/v1/tokens/asset:XLM/mint", api.MintRequest{To: "bob", Amount: d(1300)}, http.StatusOK)
	e.mustDo(t, "POST", "/api/v1/tokens/asset:USDC/mint", api.MintRequest{To: "carol", Amount: d(1000)}, http.StatusOK)
	e.mustDo(t, "POST", "/api/v1/pools/pool:USDC/deposit", api.AmountRequest{User: "alice", Amount: d(1_000_000)}, http.StatusOK)
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	w := env.mustDo(t, "GET", "/health", nil, http.StatusOK)
	assert.Contains(t, w.Body.String(), "lending-engine")
}

// --- Pools ---

func TestPools_CreateAndList(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)

	pools := decodeBody[[]model.PoolSnapshot](t, env.mustDo(t, "GET", "/api/v1/pools", nil, http.StatusOK))
	require.Len(t, pools, 2)
	assert.Equal(t, "USDC", pools[0].Currency.Ticker)
	assert.True(t, pools[0].State.TotalBalanceTokens.Equal(d(1_000_000)))
	assert.Equal(t, model.Address("manager"), pools[1].AuthorizedCaller)

	snap := decodeBody[model.PoolSnapshot](t, env.mustDo(t, "GET", "/api/v1/pools/pool:XLM", nil, http.StatusOK))
	assert.True(t, snap.AccrualIndex.Equal(d(10_000_000)))
}

func TestCreatePool_Errors(t *testing.T) {
	env := newTestEnv(t, nil)

	env.mustDo(t, "POST", "/api/v1/pools", api.CreatePoolRequest{
		Admin: admin, Pool: "pool:X", AssetHandle: "asset:X", Ticker: "x-y",
	}, http.StatusBadRequest)

	env.mustDo(t, "POST", "/api/v1/pools", api.CreatePoolRequest{
		Admin: "mallory", Pool: "pool:X", AssetHandle: "asset:X", Ticker: "X",
	}, http.StatusForbidden)

	env.mustDo(t, "POST", "/api/v1/pools", api.CreatePoolRequest{Pool: "pool:X"}, http.StatusBadRequest)

	env.mustDo(t, "GET", "/api/v1/pools/pool:missing", nil, http.StatusNotFound)
}

func TestDepositWithdraw(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)

	pos := decodeBody[model.Position](t, env.mustDo(t, "GET", "/api/v1/pools/pool:USDC/positions/alice", nil, http.StatusOK))
	assert.True(t, pos.ReceivableShares.Equal(d(1_000_000)))

	st := decodeBody[model.PoolState](t, env.mustDo(t, "POST", "/api/v1/pools/pool:USDC/withdraw",
		api.AmountRequest{User: "alice", Amount: d(250_000)}, http.StatusOK))
	assert.True(t, st.TotalBalanceTokens.Equal(d(750_000)))
	assert.True(t, st.AvailableBalanceTokens.Equal(d(750_000)))

	w := env.mustDo(t, "POST", "/api/v1/pools/pool:USDC/withdraw",
		api.AmountRequest{User: "alice", Amount: d(800_000)}, http.StatusConflict)
	assert.Contains(t, w.Body.String(), `"retryable":true`)

	env.mustDo(t, "POST", "/api/v1/pools/pool:USDC/deposit",
		api.AmountRequest{User: "alice", Amount: d(0)}, http.StatusUnprocessableEntity)
	env.mustDo(t, "POST", "/api/v1/pools/pool:USDC/deposit",
		api.AmountRequest{User: "nobody", Amount: d(10)}, http.StatusConflict)
	env.mustDo(t, "POST", "/api/v1/pools/pool:USDC/deposit",
		api.AmountRequest{Amount: d(10)}, http.StatusBadRequest)

	bal := decodeBody[map[string]any](t, env.mustDo(t, "GET", "/api/v1/tokens/asset:USDC/balances/alice", nil, http.StatusOK))
	assert.Equal(t, "250000", bal["balance"])

	events := decodeBody[[]model.Event](t, env.mustDo(t, "GET", "/api/v1/accounts/alice/events", nil, http.StatusOK))
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, model.EventDeposit)
	assert.Contains(t, kinds, model.EventWithdraw)
	assert.Contains(t, kinds, model.EventMint)

	poolEvents := decodeBody[[]model.Event](t, env.mustDo(t, "GET", "/api/v1/pools/pool:USDC/events", nil, http.StatusOK))
	assert.NotEmpty(t, poolEvents)
}

// --- Loans ---

func TestLoanLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)

	create := api.CreateLoanRequest{
		User: "bob", BorrowPool: "pool:USDC", BorrowAmount: d(1000),
		CollateralPool: "pool:XLM", CollateralAmount: d(1300),
	}
	l := decodeBody[model.Loan](t, env.mustDo(t, "POST", "/api/v1/loans", create, http.StatusCreated))
	assert.True(t, l.HealthFactor.Equal(d(13_000_000)))
	env.mustDo(t, "POST", "/api/v1/loans", create, http.StatusConflict)

	loans := decodeBody[[]model.Loan](t, env.mustDo(t, "GET", "/api/v1/loans", nil, http.StatusOK))
	require.Len(t, loans, 1)
	loans = decodeBody[[]model.Loan](t, env.mustDo(t, "GET", "/api/v1/loans?liquidatable=true", nil, http.StatusOK))
	assert.Empty(t, loans)

	env.mustDo(t, "POST", "/api/v1/loans/bob/liquidate",
		api.LiquidateRequest{Liquidator: "carol", Amount: d(100)}, http.StatusConflict)

	// XLM drops 10%: the stored health factor is stale until the loan is
	// touched.
	env.mustDo(t, "PUT", "/api/v1/prices/XLM", api.PriceRequest{Price: d(9_000_000)}, http.StatusOK)
	l = decodeBody[model.Loan](t, env.mustDo(t, "POST", "/api/v1/loans/bob/accrue", nil, http.StatusOK))
	assert.True(t, l.HealthFactor.Equal(d(11_700_000)))
	loans = decodeBody[[]model.Loan](t, env.mustDo(t, "GET", "/api/v1/loans?liquidatable=true", nil, http.StatusOK))
	require.Len(t, loans, 1)

	res := decodeBody[loan.Liquidation](t, env.mustDo(t, "POST", "/api/v1/loans/bob/liquidate",
		api.LiquidateRequest{Liquidator: "carol", Amount: d(400)}, http.StatusOK))
	assert.True(t, res.Seized.Equal(d(466)))
	assert.True(t, res.Loan.BorrowedAmount.Equal(d(600)))

	env.mustDo(t, "POST", "/api/v1/tokens/asset:USDC/mint", api.MintRequest{To: "bob", Amount: d(1000)}, http.StatusOK)
	rep := decodeBody[api.RepayResponse](t, env.mustDo(t, "POST", "/api/v1/loans/bob/repay",
		api.AmountRequest{Amount: d(100)}, http.StatusOK))
	assert.True(t, rep.Before.Equal(d(600)))
	assert.True(t, rep.After.Equal(d(500)))
	assert.False(t, rep.Closed)

	env.mustDo(t, "POST", "/api/v1/loans/bob/close", api.CloseRequest{MaxAllowed: d(499)}, http.StatusConflict)
	closed := decodeBody[api.CloseResponse](t, env.mustDo(t, "POST", "/api/v1/loans/bob/close",
		api.CloseRequest{MaxAllowed: d(500)}, http.StatusOK))
	assert.True(t, closed.Repaid.Equal(d(500)))

	env.mustDo(t, "GET", "/api/v1/loans/bob", nil, http.StatusNotFound)
	bal := decodeBody[map[string]any](t, env.mustDo(t, "GET", "/api/v1/tokens/asset:XLM/balances/bob", nil, http.StatusOK))
	assert.Equal(t, "834", bal["balance"])
}

func TestProtocolAccountsCannotAct(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)
	env.mustDo(t, "POST", "/api/v1/loans", api.CreateLoanRequest{
		User: "bob", BorrowPool: "pool:USDC", BorrowAmount: d(1000),
		CollateralPool: "pool:XLM", CollateralAmount: d(1300),
	}, http.StatusCreated)
	env.mustDo(t, "PUT", "/api/v1/prices/XLM", api.PriceRequest{Price: d(9_000_000)}, http.StatusOK)
	env.mustDo(t, "POST", "/api/v1/loans/bob/accrue", nil, http.StatusOK)

	for _, acct := range []model.Address{"pool:USDC", "pool:XLM", "manager", "asset:USDC", "keeper"} {
		env.mustDo(t, "POST", "/api/v1/loans/bob/liquidate",
			api.LiquidateRequest{Liquidator: acct, Amount: d(400)}, http.StatusForbidden)
		env.mustDo(t, "POST", "/api/v1/pools/pool:USDC/deposit",
			api.AmountRequest{User: acct, Amount: d(1)}, http.StatusForbidden)
	}

	l := decodeBody[model.Loan](t, env.mustDo(t, "GET", "/api/v1/loans/bob", nil, http.StatusOK))
	assert.True(t, l.BorrowedAmount.Equal(d(1000)))
	bal := decodeBody[map[string]any](t, env.mustDo(t, "GET", "/api/v1/tokens/asset:USDC/balances/pool:USDC", nil, http.StatusOK))
	assert.Equal(t, "999000", bal["balance"])
}

func TestCreateLoan_NoPrice(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)
	env.feed.Remove("XLM")

	env.mustDo(t, "POST", "/api/v1/loans", api.CreateLoanRequest{
		User: "bob", BorrowPool: "pool:USDC", BorrowAmount: d(1000),
		CollateralPool: "pool:XLM", CollateralAmount: d(1300),
	}, http.StatusServiceUnavailable)
	env.mustDo(t, "GET", "/api/v1/prices/XLM", nil, http.StatusServiceUnavailable)
}

func TestCreateLoan_HealthTooLow(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)

	w := env.mustDo(t, "POST", "/api/v1/loans", api.CreateLoanRequest{
		User: "bob", BorrowPool: "pool:USDC", BorrowAmount: d(1100),
		CollateralPool: "pool:XLM", CollateralAmount: d(1300),
	}, http.StatusConflict)
	assert.Contains(t, w.Body.String(), "health factor too low")

	bal := decodeBody[map[string]any](t, env.mustDo(t, "GET", "/api/v1/tokens/asset:XLM/balances/bob", nil, http.StatusOK))
	assert.Equal(t, "1300", bal["balance"], "nothing moved")
}

// --- Prices and faucet ---

func TestPrices(t *testing.T) {
	env := newTestEnv(t, nil)

	env.mustDo(t, "PUT", "/api/v1/prices/BTC", api.PriceRequest{Price: d(0)}, http.StatusUnprocessableEntity)
	env.mustDo(t, "PUT", "/api/v1/prices/btc", api.PriceRequest{Price: d(650_000_000_000), Timestamp: 42}, http.StatusOK)

	pd := decodeBody[model.PriceData](t, env.mustDo(t, "GET", "/api/v1/prices/BTC", nil, http.StatusOK))
	assert.True(t, pd.Price.Equal(d(650_000_000_000)))
	assert.Equal(t, uint64(42), pd.Timestamp)
}

func TestFaucetDisabled(t *testing.T) {
	l := ledger.New(store.NewMemoryStore(), ledger.SystemClock{})
	svc := api.NewService(api.Config{Ledger: l, Bank: token.NewBank(), Prices: oracle.NewMemoryFeed()})
	h := api.NewRouter(svc, nil, nil)

	body := strings.NewReader(`{"to":"bob","amount":"10"}`)
	req := httptest.NewRequest("POST", "/api/v1/tokens/asset:XLM/mint", body)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest("PUT", "/api/v1/prices/XLM", strings.NewReader(`{"price":"1"}`))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code, "read-only oracle")
}

// --- Middleware ---

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, api.NewRateLimiter(api.RateLimit{RequestsPerMinute: 1, Burst: 1}))

	env.mustDo(t, "POST", "/api/v1/tokens/asset:USDC/mint", api.MintRequest{To: "alice", Amount: d(1)}, http.StatusOK)
	env.mustDo(t, "POST", "/api/v1/tokens/asset:USDC/mint", api.MintRequest{To: "alice", Amount: d(1)}, http.StatusTooManyRequests)

	// Reads are not limited.
	env.mustDo(t, "GET", "/api/v1/tokens/asset:USDC/balances/alice", nil, http.StatusOK)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seed(t)

	w := env.mustDo(t, "GET", "/metrics", nil, http.StatusOK)
	assert.Contains(t, w.Body.String(), "lending_operations_total")
}

// --- WebSocket ---

func TestWebSocket_StreamsCommittedEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.hub.Run(ctx)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	env.mustDo(t, "POST", "/api/v1/tokens/asset:XLM/mint", api.MintRequest{To: "dave", Amount: d(5)}, http.StatusOK)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg api.WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, model.EventMint, msg.Type)
	assert.Equal(t, model.Address("dave"), msg.Event.Account)
	assert.True(t, msg.Event.Amount.Equal(d(5)))
}
