package lending_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/host"
	"github.com/atmx/lending-engine/internal/irm"
	"github.com/atmx/lending-engine/internal/journal"
	"github.com/atmx/lending-engine/internal/lending"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/token"
)

var (
	owner      = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	loanAddr   = common.HexToAddress("0x0000000000000000000000000000000000001001")
	collAddr   = common.HexToAddress("0x0000000000000000000000000000000000001002")
	oracleAddr = common.HexToAddress("0x0000000000000000000000000000000000002001")
	irmAddr    = common.HexToAddress("0x0000000000000000000000000000000000003001")

	lender     = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	borrower   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	liquidator = common.HexToAddress("0x000000000000000000000000000000000000ca01")
)

// failingStore fails commits while fail is set.
type failingStore struct {
	store.Store
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *failingStore) Commit(ctx context.Context, c *engine.Changeset, entries []model.LedgerEntry) error {
	s.mu.Lock()
	fail := s.fail
	s.mu.Unlock()
	if fail {
		return errors.New("database unavailable")
	}
	return s.Store.Commit(ctx, c, entries)
}

type recordingPublisher struct {
	mu      sync.Mutex
	entries []model.LedgerEntry
}

func (p *recordingPublisher) Publish(_ context.Context, entry *model.LedgerEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, *entry)
	return nil
}

func (p *recordingPublisher) kinds() []model.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.EventKind, len(p.entries))
	for i := range p.entries {
		out[i] = p.entries[i].Event.Kind
	}
	return out
}

type testEnv struct {
	eng    *engine.Engine
	svc    *lending.Service
	mem    *store.MemoryStore
	st     *failingStore
	pub    *recordingPublisher
	router chi.Router
	j      *journal.Journal
	loan   *token.Ledger
	coll   *token.Ledger
	oracle *oracle.Static
}

// newTestEnv wires a service over an in-memory store with a 1:1 oracle, a
// zero-rate model and two 0-decimal tokens.
func newTestEnv(t *testing.T, policy engine.BadDebtPolicy) *testEnv {
	t.Helper()
	return newTestEnvOwnedBy(t, policy, owner)
}

func newTestEnvOwnedBy(t *testing.T, policy engine.BadDebtPolicy, admin common.Address) *testEnv {
	t.Helper()
	te := &testEnv{
		mem:    store.NewMemoryStore(),
		pub:    &recordingPublisher{},
		j:      journal.New(),
		oracle: oracle.NewStatic(oracle.PriceScale),
	}
	te.st = &failingStore{Store: te.mem}
	dir := host.NewDirectory()
	te.loan = token.NewLedger("LOAN", 0, te.j)
	te.coll = token.NewLedger("COLL", 0, te.j)
	dir.Bind(loanAddr, te.loan)
	dir.Bind(collAddr, te.coll)
	dir.Bind(oracleAddr, te.oracle)
	dir.Bind(irmAddr, irm.NewFixed(fixedpoint.Zero()))

	eng := engine.New(engine.Config{
		Address:       engineAddr,
		ChainID:       1,
		Owner:         admin,
		FeeRecipient:  admin,
		BadDebtPolicy: policy,
	}, dir, host.NewManualClock(1_700_000_000), te.j)

	te.eng = eng
	te.svc = lending.NewService(eng, te.st, nil, te.pub)
	require.NoError(t, te.svc.Restore(context.Background()))

	r := chi.NewRouter()
	te.svc.Routes(r, nil)
	te.router = r
	return te
}

func (te *testEnv) fund(l *token.Ledger, account common.Address, amount uint64) {
	l.Mint(account, uint256.NewInt(amount))
	l.Approve(account, engineAddr, fixedpoint.Max())
	te.j.Commit()
}

func do(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), dst), w.Body.String())
}

// createMarket enables a 0.8 threshold and the rate model, then creates the
// market over HTTP.
func (te *testEnv) createMarket(t *testing.T) model.MarketID {
	t.Helper()
	w := do(t, te.router, http.MethodPost, "/admin/thresholds", map[string]any{
		"sender": owner.Hex(), "threshold": "0.8",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = do(t, te.router, http.MethodPost, "/admin/rate-models", map[string]any{
		"sender": owner.Hex(), "rate_model": irmAddr.Hex(),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, te.router, http.MethodPost, "/markets", map[string]any{
		"sender":                owner.Hex(),
		"loan_token":            loanAddr.Hex(),
		"collateral_token":      collAddr.Hex(),
		"oracle":                oracleAddr.Hex(),
		"rate_model":            irmAddr.Hex(),
		"liquidation_threshold": "0.8",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp lending.CreateMarketResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, model.EventCreateMarket, resp.Events[0].Event.Kind)
	return resp.ID
}

func (te *testEnv) action(t *testing.T, id model.MarketID, name string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, te.router, http.MethodPost, "/markets/"+id.String()+"/"+name, body)
}

// openBorrow has the lender supply 1000 and the borrower borrow 500 against
// 1000 collateral.
func (te *testEnv) openBorrow(t *testing.T, id model.MarketID) {
	t.Helper()
	te.fund(te.loan, lender, 1_000)
	te.fund(te.coll, borrower, 1_000)

	w := te.action(t, id, "supply", map[string]any{"sender": lender.Hex(), "assets": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = te.action(t, id, "supply-collateral", map[string]any{"sender": borrower.Hex(), "assets": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = te.action(t, id, "borrow", map[string]any{"sender": borrower.Hex(), "assets": "500"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

// --- Flow tests ---

func TestSupplyBorrowRepayWithdraw(t *testing.T) {
	te := newTestEnv(t, engine.SocializeBadDebt)
	id := te.createMarket(t)
	te.openBorrow(t, id)

	assert.Equal(t, uint64(500), te.loan.BalanceOf(borrower).Uint64())

	w := do(t, te.router, http.MethodGet, "/markets/"+id.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var market map[string]any
	decodeBody(t, w, &market)
	assert.Equal(t, "0.5", market["utilization"])
	state := market["state"].(map[string]any)
	assert.Equal(t, "1000", state["total_supply_assets"])
	assert.Equal(t, "500", state["total_borrow_assets"])

	w = do(t, te.router, http.MethodGet, "/markets/"+id.String()+"/positions/"+borrower.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pos map[string]any
	decodeBody(t, w, &pos)
	assert.Equal(t, "500", pos["borrow_assets"])
	assert.Equal(t, true, pos["healthy"])
	assert.Equal(t, "1.6", pos["health_factor"])

	// Repay everything by shares, then take collateral and supply back out.
	p := borrowerPosition(t, te, id)
	w = te.action(t, id, "repay", map[string]any{"sender": borrower.Hex(), "shares": p.BorrowShares.Dec()})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = te.action(t, id, "withdraw-collateral", map[string]any{"sender": borrower.Hex(), "assets": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = te.action(t, id, "withdraw", map[string]any{"sender": lender.Hex(), "assets": "1000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, uint64(1_000), te.loan.BalanceOf(lender).Uint64())
	assert.Equal(t, uint64(1_000), te.coll.BalanceOf(borrower).Uint64())

	// Zero positions are gone from the store.
	w = do(t, te.router, http.MethodGet, "/accounts/"+borrower.Hex()+"/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = do(t, te.router, http.MethodGet, "/markets/"+id.String()+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []model.LedgerEntry
	decodeBody(t, w, &history)
	kinds := make([]model.EventKind, len(history))
	for i := range history {
		kinds[i] = history[i].Event.Kind
	}
	assert.Equal(t, []model.EventKind{
		model.EventCreateMarket,
		model.EventSupply,
		model.EventSupplyCollateral,
		model.EventBorrow,
		model.EventRepay,
		model.EventWithdrawCollateral,
		model.EventWithdraw,
	}, kinds)
	assert.Equal(t, append([]model.EventKind{model.EventEnableThreshold, model.EventEnableRateModel}, kinds...), te.pub.kinds())
}

func borrowerPosition(t *testing.T, te *testEnv, id model.MarketID) model.Position {
	t.Helper()
	w := do(t, te.router, http.MethodGet, "/markets/"+id.String()+"/positions/"+borrower.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view lending.PositionView
	decodeBody(t, w, &view)
	return view.Position
}

func TestLiquidate_RealizesBadDebt(t *testing.T) {
	te := newTestEnv(t, engine.SocializeBadDebt)
	id := te.createMarket(t)
	te.openBorrow(t, id)
	te.fund(te.loan, liquidator, 1_000)

	// Healthy positions cannot be liquidated.
	w := te.action(t, id, "liquidate", map[string]any{
		"sender": liquidator.Hex(), "borrower": borrower.Hex(), "assets": "1000",
	})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = do(t, te.router, http.MethodPost, "/oracles/"+oracleAddr.Hex()+"/price", map[string]any{
		"sender": owner.Hex(), "price": "0.5",
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	before := testutil.ToFloat64(metrics.BadDebtRealizations.WithLabelValues(id.String()))
	w = te.action(t, id, "liquidate", map[string]any{
		"sender": liquidator.Hex(), "borrower": borrower.Hex(), "assets": "1000",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res map[string]any
	decodeBody(t, w, &res)
	liq := res["liquidation"].(map[string]any)
	assert.Equal(t, "1000", liq["seized_assets"])
	assert.NotEqual(t, "0", liq["bad_debt_assets"])
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BadDebtRealizations.WithLabelValues(id.String()))-before)
	assert.Equal(t, uint64(1_000), te.coll.BalanceOf(liquidator).Uint64())

	p := borrowerPosition(t, te, id)
	assert.True(t, p.IsZero())

	// Socialized: suppliers absorb the loss.
	view, err := te.svc.Market(id)
	require.NoError(t, err)
	assert.True(t, view.State.TotalSupplyAssets.Lt(uint256.NewInt(1_000)))
	assert.True(t, view.State.BadDebt.IsZero())
}

func TestCoverBadDebt_DeferredPolicy(t *testing.T) {
	te := newTestEnv(t, engine.DeferBadDebt)
	id := te.createMarket(t)
	te.openBorrow(t, id)
	te.fund(te.loan, liquidator, 1_000)
	te.oracle.SetPrice(new(uint256.Int).Div(oracle.PriceScale, uint256.NewInt(2)))

	w := te.action(t, id, "liquidate", map[string]any{
		"sender": liquidator.Hex(), "borrower": borrower.Hex(), "assets": "1000",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	view, err := te.svc.Market(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), view.State.TotalSupplyAssets.Uint64())
	owed := view.State.BadDebt.Dec()
	require.NotEqual(t, "0", owed)

	w = te.action(t, id, "cover-bad-debt", map[string]any{"sender": liquidator.Hex(), "assets": owed})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	view, err = te.svc.Market(id)
	require.NoError(t, err)
	assert.True(t, view.State.BadDebt.IsZero())
}

// --- Error mapping ---

func TestErrorStatuses(t *testing.T) {
	te := newTestEnv(t, engine.SocializeBadDebt)
	id := te.createMarket(t)
	te.openBorrow(t, id)
	unknown := model.MarketID{0x01}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad market id", http.MethodGet, "/markets/0x1234", nil, http.StatusBadRequest},
		{"unknown market", http.MethodGet, "/markets/" + unknown.String(), nil, http.StatusNotFound},
		{"bad address", http.MethodGet, "/accounts/nope/history", nil, http.StatusBadRequest},
		{"non-owner threshold", http.MethodPost, "/admin/thresholds",
			map[string]any{"sender": lender.Hex(), "threshold": "0.5"}, http.StatusForbidden},
		{"fractional assets", http.MethodPost, "/markets/" + id.String() + "/supply",
			map[string]any{"sender": lender.Hex(), "assets": "1.5"}, http.StatusBadRequest},
		{"both amounts", http.MethodPost, "/markets/" + id.String() + "/supply",
			map[string]any{"sender": lender.Hex(), "assets": "1", "shares": "1"}, http.StatusBadRequest},
		{"undercollateralized", http.MethodPost, "/markets/" + id.String() + "/borrow",
			map[string]any{"sender": borrower.Hex(), "assets": "400"}, http.StatusConflict},
		{"unauthorized operator", http.MethodPost, "/markets/" + id.String() + "/withdraw",
			map[string]any{"sender": liquidator.Hex(), "on_behalf": lender.Hex(), "assets": "1"}, http.StatusForbidden},
		{"callback not bound", http.MethodPost, "/markets/" + id.String() + "/repay",
			map[string]any{"sender": borrower.Hex(), "assets": "1", "data": "0x01"}, http.StatusBadGateway},
		{"unknown token", http.MethodGet, "/tokens/" + oracleAddr.Hex() + "/balances/" + lender.Hex(), nil, http.StatusNotFound},
		{"non-owner mint", http.MethodPost, "/tokens/" + loanAddr.Hex() + "/mint",
			map[string]any{"sender": lender.Hex(), "to": lender.Hex(), "amount": "1"}, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, te.router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestMissingSenderRejected(t *testing.T) {
	// An engine whose owner was never configured must not hand the role to
	// requests that omit the sender.
	te := newTestEnvOwnedBy(t, engine.SocializeBadDebt, common.Address{})
	zero := common.Address{}.Hex()
	market := "/markets/" + model.MarketID{0x01}.String()

	tests := []struct {
		name string
		path string
		body map[string]any
	}{
		{"threshold", "/admin/thresholds", map[string]any{"threshold": "0.5"}},
		{"explicit zero sender", "/admin/thresholds", map[string]any{"sender": zero, "threshold": "0.5"}},
		{"rate model", "/admin/rate-models", map[string]any{"rate_model": irmAddr.Hex()}},
		{"owner", "/admin/owner", map[string]any{"owner": lender.Hex()}},
		{"fee", market + "/fee", map[string]any{"fee": "0.1"}},
		{"supply", market + "/supply", map[string]any{"assets": "1"}},
		{"authorization", "/authorizations", map[string]any{"operator": lender.Hex(), "authorized": true}},
		{"price", "/oracles/" + oracleAddr.Hex() + "/price", map[string]any{"price": "2"}},
		{"mint", "/tokens/" + loanAddr.Hex() + "/mint", map[string]any{"to": lender.Hex(), "amount": "1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, te.router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "sender is required")
		})
	}

	assert.Empty(t, te.pub.kinds())
	assert.Empty(t, te.eng.Thresholds())
	assert.Equal(t, common.Address{}, te.eng.Owner())
	assert.True(t, te.loan.BalanceOf(lender).IsZero())
	price, err := te.oracle.Price()
	require.NoError(t, err)
	assert.Equal(t, oracle.PriceScale, price)
}

func TestAuthorizedOperator(t *testing.T) {
	te := newTestEnv(t, engine.SocializeBadDebt)
	id := te.createMarket(t)
	te.openBorrow(t, id)

	w := do(t, te.router, http.MethodPost, "/authorizations", map[string]any{
		"sender": lender.Hex(), "operator": liquidator.Hex(), "authorized": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = te.action(t, id, "withdraw", map[string]any{
		"sender": liquidator.Hex(), "on_behalf": lender.Hex(), "receiver": liquidator.Hex(), "assets": "100",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint64(100), te.loan.BalanceOf(liquidator).Uint64())

	w = do(t, te.router, http.MethodGet, "/accounts/"+liquidator.Hex()+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []model.LedgerEntry
	decodeBody(t, w, &history)
	require.Len(t, history, 2)
	assert.Equal(t, model.EventSetAuthorization, history[0].Event.Kind)
	assert.Equal(t, model.EventWithdraw, history[1].Event.Kind)
}

func TestSignedAuthorization(t *testing.T) {
	te := newTestEnv(t, engine.SocializeBadDebt)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	a := model.Authorization{
		Authorizer:   signer,
		Authorized:   liquidator,
		IsAuthorized: true,
		Nonce:        0,
		Deadline:     1_700_000_000 + 3600,
	}
	sig, err := te.eng.SignAuthorization(a, key)
	require.NoError(t, err)
	body := map[string]any{"sender": liquidator.Hex(), "authorization": a, "signature": hexutil.Encode(sig)}

	w := do(t, te.router, http.MethodPost, "/authorizations", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp lending.EventsResponse
	decodeBody(t, w, &resp)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, model.EventIncrementNonce, resp.Events[0].Event.Kind)
	assert.Equal(t, model.EventSetAuthorization, resp.Events[1].Event.Kind)

	w = do(t, te.router, http.MethodGet, "/accounts/"+signer.Hex()+"/nonce", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var nonce lending.NonceResponse
	decodeBody(t, w, &nonce)
	assert.Equal(t, uint64(1), nonce.Nonce)

	// Replaying the same signature fails on the consumed nonce.
	w = do(t, te.router, http.MethodPost, "/authorizations", body)
	assert.Equal(t, http.StatusForbidden, w.Code, w.Body.String())
}

func TestTokenEndpoints(t *testing.T) {
	te := newTestEnv(t, engine.SocializeBadDebt)

	w := do(t, te.router, http.MethodPost, "/tokens/"+loanAddr.Hex()+"/mint", map[string]any{
		"sender": owner.Hex(), "to": lender.Hex(), "amount": "250",
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = do(t, te.router, http.MethodPost, "/tokens/"+loanAddr.Hex()+"/approve", map[string]any{
		"sender": lender.Hex(), "spender": engineAddr.Hex(), "amount": "250",
	})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = do(t, te.router, http.MethodGet, "/tokens/"+loanAddr.Hex()+"/balances/"+lender.Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var bal map[string]any
	decodeBody(t, w, &bal)
	assert.Equal(t, "250", bal["balance"])
	assert.Equal(t, uint64(250), te.loan.Allowance(lender, engineAddr).Uint64())
	assert.Zero(t, te.j.Len())
}

// --- Persistence ---

func TestPersistenceFailure_RequeuesChanges(t *testing.T) {
	te := newTestEnv(t, engine.SocializeBadDebt)
	id := te.createMarket(t)
	te.fund(te.loan, lender, 1_000)

	te.st.setFail(true)
	w := te.action(t, id, "supply", map[string]any{"sender": lender.Hex(), "assets": "600"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())

	te.st.setFail(false)
	w = te.action(t, id, "supply", map[string]any{"sender": lender.Hex(), "assets": "400"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res lending.Result
	decodeBody(t, w, &res)
	require.Len(t, res.Events, 2, "the failed commit's event is written with the next one")
	assert.Equal(t, "600", res.Events[0].Event.Assets.Dec())
	assert.Equal(t, "400", res.Events[1].Event.Assets.Dec())

	c, err := te.mem.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, c.Markets, 1)
	assert.Equal(t, uint64(1_000), c.Markets[0].State.TotalSupplyAssets.Uint64())
}

func TestRestore_ReloadsPersistedState(t *testing.T) {
	te := newTestEnv(t, engine.SocializeBadDebt)
	id := te.createMarket(t)
	te.openBorrow(t, id)

	// A second engine over the same store sees the same market and positions.
	dir := host.NewDirectory()
	dir.Bind(oracleAddr, te.oracle)
	j := journal.New()
	eng := engine.New(engine.Config{Address: engineAddr, ChainID: 1}, dir, host.NewManualClock(1_700_000_000), j)
	svc := lending.NewService(eng, te.mem, nil, nil)
	require.NoError(t, svc.Restore(context.Background()))

	assert.Equal(t, owner, eng.Owner())
	view, err := svc.Market(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), view.State.TotalBorrowAssets.Uint64())
	pos, err := svc.Position(id, borrower)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), pos.BorrowAssets.Uint64())
	assert.True(t, pos.Healthy)
}
