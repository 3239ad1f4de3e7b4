package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/atmx/vault-ledger/internal/api"
	"github.com/atmx/vault-ledger/internal/events"
	"github.com/atmx/vault-ledger/internal/ledger"
	"github.com/atmx/vault-ledger/internal/model"
	"github.com/atmx/vault-ledger/internal/portfolio"
	"github.com/atmx/vault-ledger/internal/store"
)

const testMarket = "KXBTC-25DEC31"

// newTestEnv creates a Service over an in-memory engine behind a chi router
// with header-based identities and the faucet enabled.
func newTestEnv(t *testing.T) chi.Router {
	t.Helper()
	eng := ledger.New(store.NewMemoryStore(), ledger.WithClock(func() time.Time {
		return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	}))
	svc := api.NewService(eng, zerolog.Nop(), api.WithFaucet(true))
	auth := api.NewAuthenticator("", "")

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)
		svc.Routes(r)
	})
	return r
}

func doRequest(t *testing.T, r http.Handler, method, path string, caller model.Identity, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set(api.IdentityHeader, string(caller))
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	if code == "" {
		return
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["code"] != code {
		t.Errorf("expected code %q, got %q (%s)", code, resp["code"], resp["error"])
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

// seedMarket initializes the protocol (250 bps), registers an oracle and
// one market.
func seedMarket(t *testing.T, r http.Handler) {
	t.Helper()
	w := doRequest(t, r, "POST", "/api/v1/protocol", "admin", api.InitializeRequest{Treasury: "treasury", FeeBps: 250})
	expectStatus(t, w, http.StatusCreated, "")
	w = doRequest(t, r, "POST", "/api/v1/oracles", "admin", api.OracleRequest{Oracle: "oracle"})
	expectStatus(t, w, http.StatusCreated, "")
	w = doRequest(t, r, "POST", "/api/v1/markets", "admin", ledger.MarketParams{
		MarketID: testMarket,
		Platform: model.PlatformKalshi,
		Title:    "BTC above 100k",
		Oracle:   "oracle",
	})
	expectStatus(t, w, http.StatusCreated, "")
}

// seedVault funds owner, creates the vault and deposits amount.
func seedVault(t *testing.T, r http.Handler, owner model.Identity, amount uint64) {
	t.Helper()
	w := doRequest(t, r, "POST", "/api/v1/dev/faucet", owner, api.FaucetRequest{Amount: amount})
	expectStatus(t, w, http.StatusOK, "")
	w = doRequest(t, r, "POST", "/api/v1/vaults", owner, nil)
	expectStatus(t, w, http.StatusCreated, "")
	w = doRequest(t, r, "POST", "/api/v1/vaults/deposit", owner, api.AmountRequest{Amount: amount})
	expectStatus(t, w, http.StatusOK, "")
}

func TestFullFlow_OpenPriceClose(t *testing.T) {
	r := newTestEnv(t)
	seedMarket(t, r)
	seedVault(t, r, "alice", 1000)

	w := doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/positions", "alice",
		api.OpenPositionRequest{Side: model.SideYes, Amount: 500})
	expectStatus(t, w, http.StatusCreated, "")
	open := decodeBody[ledger.Receipt](t, w)
	if open.Position.Quantity != 1000 || open.Vault.Balance != 500 {
		t.Fatalf("qty %d balance %d", open.Position.Quantity, open.Vault.Balance)
	}

	w = doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/price", "oracle", api.PriceRequest{YesPrice: 8000, NoPrice: 2000})
	expectStatus(t, w, http.StatusOK, "")

	w = doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/positions/close", "alice", nil)
	expectStatus(t, w, http.StatusOK, "")
	closed := decodeBody[ledger.Receipt](t, w)
	if closed.Amount != 800 || closed.Position.PnL != 300 {
		t.Errorf("value %d pnl %d", closed.Amount, closed.Position.PnL)
	}

	w = doRequest(t, r, "GET", "/api/v1/vaults/alice", "", nil)
	expectStatus(t, w, http.StatusOK, "")
	if v := decodeBody[model.Vault](t, w); v.Balance != 1300 || v.TotalPnL != 300 {
		t.Errorf("balance %d pnl %d", v.Balance, v.TotalPnL)
	}

	w = doRequest(t, r, "GET", "/api/v1/markets/"+testMarket+"/positions/alice", "", nil)
	expectStatus(t, w, http.StatusOK, "")
	if p := decodeBody[model.Position](t, w); !p.Settled {
		t.Error("closed position should be settled")
	}
}

func TestResolveAndSettle(t *testing.T) {
	r := newTestEnv(t)
	seedMarket(t, r)
	seedVault(t, r, "alice", 100)
	doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/positions", "alice",
		api.OpenPositionRequest{Side: model.SideNo, Amount: 100})

	w := doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/positions/settle", "alice", nil)
	expectStatus(t, w, http.StatusConflict, "market_not_resolved")

	w = doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/resolve", "oracle", api.ResolveRequest{Outcome: model.OutcomeNo})
	expectStatus(t, w, http.StatusOK, "")

	w = doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/resolve", "oracle", api.ResolveRequest{Outcome: model.OutcomeYes})
	expectStatus(t, w, http.StatusConflict, "market_already_resolved")

	w = doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/positions/settle", "alice", nil)
	expectStatus(t, w, http.StatusOK, "")
	if rcpt := decodeBody[ledger.Receipt](t, w); rcpt.Amount != 200 || rcpt.Vault.Balance != 200 {
		t.Errorf("payout %d balance %d", rcpt.Amount, rcpt.Vault.Balance)
	}

	w = doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/positions/settle", "alice", nil)
	expectStatus(t, w, http.StatusConflict, "already_settled")
}

func TestWithdraw_ReturnsFeeSplit(t *testing.T) {
	r := newTestEnv(t)
	seedMarket(t, r)
	seedVault(t, r, "alice", 1000)

	w := doRequest(t, r, "POST", "/api/v1/vaults/withdraw", "alice", api.AmountRequest{Amount: 1000})
	expectStatus(t, w, http.StatusOK, "")
	res := decodeBody[ledger.Withdrawal](t, w)
	if res.Fee != 25 || res.Net != 975 || res.Vault.Balance != 0 {
		t.Errorf("fee %d net %d balance %d", res.Fee, res.Net, res.Vault.Balance)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	r := newTestEnv(t)
	seedMarket(t, r)
	seedVault(t, r, "alice", 100)

	tests := []struct {
		name   string
		method string
		path   string
		caller model.Identity
		body   any
		status int
		code   string
	}{
		{"anonymous mutation", "POST", "/api/v1/vaults", "", nil, http.StatusUnauthorized, "unauthenticated"},
		{"non-admin oracle", "POST", "/api/v1/oracles", "alice", api.OracleRequest{Oracle: "x"}, http.StatusForbidden, "unauthorized"},
		{"non-oracle price", "POST", "/api/v1/markets/" + testMarket + "/price", "alice", api.PriceRequest{YesPrice: 1, NoPrice: 1}, http.StatusForbidden, "unauthorized"},
		{"missing vault", "GET", "/api/v1/vaults/bob", "", nil, http.StatusNotFound, "vault_not_found"},
		{"missing market", "GET", "/api/v1/markets/nope", "", nil, http.StatusNotFound, "market_not_found"},
		{"missing position", "GET", "/api/v1/markets/" + testMarket + "/positions/alice", "", nil, http.StatusNotFound, "position_not_found"},
		{"duplicate vault", "POST", "/api/v1/vaults", "alice", nil, http.StatusConflict, "already_exists"},
		{"second initialize", "POST", "/api/v1/protocol", "admin", api.InitializeRequest{}, http.StatusConflict, "already_initialized"},
		{"over balance", "POST", "/api/v1/vaults/withdraw", "alice", api.AmountRequest{Amount: 101}, http.StatusUnprocessableEntity, "insufficient_balance"},
		{"custody short", "POST", "/api/v1/vaults/deposit", "alice", api.AmountRequest{Amount: 1}, http.StatusUnprocessableEntity, "transfer_failed"},
		{"zero amount", "POST", "/api/v1/vaults/deposit", "alice", api.AmountRequest{}, http.StatusBadRequest, "invalid_amount"},
		{"bad price", "POST", "/api/v1/markets/" + testMarket + "/price", "oracle", api.PriceRequest{YesPrice: 10001}, http.StatusBadRequest, "invalid_price"},
		{"bad side", "POST", "/api/v1/markets/" + testMarket + "/positions", "alice", api.OpenPositionRequest{Side: "up", Amount: 1}, http.StatusBadRequest, "invalid_side"},
		{"bad platform", "POST", "/api/v1/markets", "admin", ledger.MarketParams{MarketID: "X", Platform: "betfair", Oracle: "oracle"}, http.StatusBadRequest, "invalid_platform"},
		{"unknown field", "POST", "/api/v1/vaults/deposit", "alice", map[string]any{"amount": 1, "memo": "hi"}, http.StatusBadRequest, "invalid_request"},
		{"negative amount", "POST", "/api/v1/vaults/deposit", "alice", map[string]any{"amount": -1}, http.StatusBadRequest, "invalid_request"},
		{"bad limit", "GET", "/api/v1/markets/" + testMarket + "/history?limit=x", "", nil, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, r, tt.method, tt.path, tt.caller, tt.body)
			expectStatus(t, w, tt.status, tt.code)
		})
	}
}

func TestMarketHistory(t *testing.T) {
	r := newTestEnv(t)
	seedMarket(t, r)
	doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/price", "oracle", api.PriceRequest{YesPrice: 6000, NoPrice: 4000})
	doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/price", "oracle", api.PriceRequest{YesPrice: 7000, NoPrice: 3000})

	w := doRequest(t, r, "GET", "/api/v1/markets/"+testMarket+"/history", "", nil)
	expectStatus(t, w, http.StatusOK, "")
	evts := decodeBody[[]events.Envelope](t, w)
	if len(evts) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evts))
	}
	if evts[0].Type != events.TypeMarketRegistered || evts[2].Type != events.TypePriceUpdated {
		t.Errorf("unexpected order: %s ... %s", evts[0].Type, evts[2].Type)
	}

	w = doRequest(t, r, "GET", "/api/v1/markets/"+testMarket+"/history?limit=1", "", nil)
	if evts := decodeBody[[]events.Envelope](t, w); len(evts) != 1 {
		t.Errorf("limit=1 returned %d events", len(evts))
	}
}

func TestListMarkets_Filters(t *testing.T) {
	r := newTestEnv(t)
	seedMarket(t, r)
	w := doRequest(t, r, "POST", "/api/v1/markets", "admin",
		ledger.MarketParams{MarketID: "POLY-1", Platform: model.PlatformPolymarket, Oracle: "oracle"})
	expectStatus(t, w, http.StatusCreated, "")
	doRequest(t, r, "POST", "/api/v1/markets/POLY-1/resolve", "oracle", api.ResolveRequest{Outcome: model.OutcomeInvalid})

	w = doRequest(t, r, "GET", "/api/v1/markets", "", nil)
	if ms := decodeBody[[]model.Market](t, w); len(ms) != 2 {
		t.Errorf("expected 2 markets, got %d", len(ms))
	}
	w = doRequest(t, r, "GET", "/api/v1/markets?platform=kalshi", "", nil)
	if ms := decodeBody[[]model.Market](t, w); len(ms) != 1 || ms[0].MarketID != testMarket {
		t.Errorf("platform filter: %+v", ms)
	}
	w = doRequest(t, r, "GET", "/api/v1/markets?resolved=true", "", nil)
	if ms := decodeBody[[]model.Market](t, w); len(ms) != 1 || ms[0].MarketID != "POLY-1" {
		t.Errorf("resolved filter: %+v", ms)
	}
}

func TestPortfolioEndpoint(t *testing.T) {
	r := newTestEnv(t)
	seedMarket(t, r)
	seedVault(t, r, "alice", 1000)
	doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/positions", "alice",
		api.OpenPositionRequest{Side: model.SideYes, Amount: 500})
	doRequest(t, r, "POST", "/api/v1/markets/"+testMarket+"/price", "oracle", api.PriceRequest{YesPrice: 8000, NoPrice: 2000})

	w := doRequest(t, r, "GET", "/api/v1/vaults/alice/portfolio", "", nil)
	expectStatus(t, w, http.StatusOK, "")
	p := decodeBody[portfolio.Portfolio](t, w)
	if p.MarkValue != 800 || p.UnrealizedPnL != 300 || p.OpenExposure != 500 {
		t.Errorf("mark %d pnl %d exposure %d", p.MarkValue, p.UnrealizedPnL, p.OpenExposure)
	}
	if p.ExposureByPlatform[model.PlatformKalshi] != 500 {
		t.Errorf("unexpected platform exposure: %v", p.ExposureByPlatform)
	}
}

func TestOracleStatus(t *testing.T) {
	r := newTestEnv(t)
	seedMarket(t, r)

	w := doRequest(t, r, "PUT", "/api/v1/oracles/oracle/status", "admin", api.OracleStatusRequest{Active: false})
	expectStatus(t, w, http.StatusOK, "")

	w = doRequest(t, r, "GET", "/api/v1/oracles/oracle", "", nil)
	if reg := decodeBody[model.OracleRegistration](t, w); reg.Active {
		t.Error("oracle should be inactive")
	}

	w = doRequest(t, r, "POST", "/api/v1/markets", "admin",
		ledger.MarketParams{MarketID: "M2", Platform: model.PlatformManifold, Oracle: "oracle"})
	expectStatus(t, w, http.StatusConflict, "oracle_inactive")
}

func TestFaucetDisabled(t *testing.T) {
	eng := ledger.New(store.NewMemoryStore())
	svc := api.NewService(eng, zerolog.Nop())
	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	w := doRequest(t, r, "POST", "/api/v1/dev/faucet", "alice", api.FaucetRequest{Amount: 10})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestAccessLog_RecordsCaller(t *testing.T) {
	var buf bytes.Buffer
	r := chi.NewRouter()
	r.Use(api.NewAuthenticator("", "").Middleware)
	r.Use(api.AccessLog(zerolog.New(&buf)))
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })

	w := doRequest(t, r, "GET", "/ping", "alice", nil)
	if w.Code != http.StatusTeapot {
		t.Fatalf("expected 418, got %d", w.Code)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if line["caller"] != "alice" || line["status"] != float64(http.StatusTeapot) || line["path"] != "/ping" {
		t.Errorf("unexpected log line: %v", line)
	}
}
