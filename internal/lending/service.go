// Package lending serves the lending engine over HTTP. It serializes engine
// calls, persists every committed changeset with its ledger entries, and fans
// committed events out to WebSocket clients and the message bus.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/host"
	"github.com/atmx/lending-engine/internal/irm"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/token"
)

var (
	// ErrPersistence is returned when an engine call succeeded but its
	// changeset could not be stored. The changes stay queued and are written
	// with the next successful commit.
	ErrPersistence = errors.New("lending: persistence failed")

	// ErrUnknownToken is returned for addresses without a development token.
	ErrUnknownToken = errors.New("lending: no token at address")

	// ErrUnknownOracle is returned for addresses without a settable oracle.
	ErrUnknownOracle = errors.New("lending: no settable oracle at address")
)

const defaultPersistTimeout = 5 * time.Second

// Publisher hands committed ledger entries to a message bus.
type Publisher interface {
	Publish(ctx context.Context, entry *model.LedgerEntry) error
}

// Service owns the engine. The engine is single-threaded, so every call,
// reads included, runs under mu. For horizontal scaling, replace with a
// single writer fed by a queue.
type Service struct {
	eng            *engine.Engine
	store          store.Store
	wsHub          *WSHub    // optional
	events         Publisher // optional
	persistTimeout time.Duration
	mu             sync.Mutex
}

// NewService creates a lending service around eng. Pass nil for hub or pub
// if WebSocket broadcasting or bus publishing is not needed.
func NewService(eng *engine.Engine, st store.Store, hub *WSHub, pub Publisher) *Service {
	return &Service{
		eng:            eng,
		store:          st,
		wsHub:          hub,
		events:         pub,
		persistTimeout: defaultPersistTimeout,
	}
}

// Restore loads persisted state into the engine and writes back the settings
// the engine was configured with when nothing was persisted yet. It must run
// before the service handles requests.
func (s *Service) Restore(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load engine state: %w", err)
	}
	s.eng.Restore(*c)
	if _, err := s.persist(ctx); err != nil {
		return err
	}

	ids := s.eng.Markets()
	metrics.Markets.Set(float64(len(ids)))
	for _, id := range ids {
		s.recordUtilization(id)
	}
	slog.Info("engine state restored",
		"markets", len(c.Markets),
		"positions", len(c.Positions),
		"owner", s.eng.Owner().Hex(),
	)
	return nil
}

// execute runs fn as one engine call, persists what it changed and
// publishes its events. Errors from fn are returned unchanged.
func (s *Service) execute(ctx context.Context, op string, fn func() error) ([]model.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	if err := fn(); err != nil {
		class := engine.Classify(err)
		metrics.OperationsTotal.WithLabelValues(op, class.String()).Inc()
		slog.Debug("operation rejected", "op", op, "class", class.String(), "err", err)
		return nil, err
	}

	entries, err := s.persist(ctx)
	if err != nil {
		metrics.OperationsTotal.WithLabelValues(op, "persistence").Inc()
		return nil, err
	}
	metrics.OperationsTotal.WithLabelValues(op, "ok").Inc()
	s.observe(context.WithoutCancel(ctx), op, entries)
	return entries, nil
}

// persist drains the engine and commits the changeset. On failure the
// changeset is put back so nothing committed in memory is lost.
func (s *Service) persist(ctx context.Context) ([]model.LedgerEntry, error) {
	c := s.eng.Drain()
	if c.IsEmpty() {
		return nil, nil
	}

	now := time.Now().UTC()
	entries := make([]model.LedgerEntry, len(c.Events))
	for i, ev := range c.Events {
		entries[i] = model.LedgerEntry{ID: uuid.New().String(), Event: ev, Timestamp: now}
	}

	// The engine already committed; a client disconnect must not abort the write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.persistTimeout)
	defer cancel()
	if err := s.store.Commit(ctx, &c, entries); err != nil {
		s.eng.Requeue(c)
		slog.Error("persist changeset failed", "err", err, "events", len(entries))
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return entries, nil
}

// observe updates gauges and fans committed events out.
func (s *Service) observe(ctx context.Context, op string, entries []model.LedgerEntry) {
	metrics.Markets.Set(float64(len(s.eng.Markets())))

	utilization := make(map[model.MarketID]string)
	for i := range entries {
		ev := &entries[i].Event
		if ev.Market.IsZero() {
			continue
		}
		if _, ok := utilization[ev.Market]; !ok {
			utilization[ev.Market] = s.recordUtilization(ev.Market)
		}
		if ev.Kind == model.EventLiquidate {
			metrics.Liquidations.WithLabelValues(ev.Market.String()).Inc()
			if v := ev.Details["bad_debt_assets"]; v != "" && v != "0" {
				metrics.BadDebtRealizations.WithLabelValues(ev.Market.String()).Inc()
				slog.Warn("bad debt realized",
					"market", ev.Market.String(),
					"borrower", ev.OnBehalf.Hex(),
					"assets", v,
					"policy", ev.Details["bad_debt_policy"],
				)
			}
		}
	}

	for i := range entries {
		entry := &entries[i]
		ev := &entry.Event
		slog.Info("operation executed",
			"op", op,
			"event_id", entry.ID,
			"kind", string(ev.Kind),
			"market", marketLabel(ev.Market),
			"caller", ev.Caller.Hex(),
			"on_behalf", ev.OnBehalf.Hex(),
			"assets", ev.Assets.Dec(),
			"shares", ev.Shares.Dec(),
		)
		if s.wsHub != nil {
			s.wsHub.Broadcast(newWSMessage(entry, utilization[ev.Market]))
		}
		if s.events != nil {
			if err := s.events.Publish(ctx, entry); err != nil {
				metrics.EventsPublished.WithLabelValues("error").Inc()
				slog.Warn("publish event failed", "event_id", entry.ID, "err", err)
				continue
			}
			metrics.EventsPublished.WithLabelValues("ok").Inc()
		}
	}
}

// recordUtilization refreshes the market's utilization gauge and returns the
// value as a decimal string.
func (s *Service) recordUtilization(id model.MarketID) string {
	m, ok := s.eng.Market(id)
	if !ok {
		return ""
	}
	u := fixedpoint.ToDecimal(irm.Utilization(m.State), -18)
	metrics.Utilization.WithLabelValues(id.String()).Set(u.InexactFloat64())
	return u.String()
}

func marketLabel(id model.MarketID) string {
	if id.IsZero() {
		return ""
	}
	return id.String()
}

func newWSMessage(entry *model.LedgerEntry, utilization string) WSMessage {
	ev := &entry.Event
	msg := WSMessage{
		Type:        string(ev.Kind),
		MarketID:    marketLabel(ev.Market),
		Caller:      ev.Caller.Hex(),
		Assets:      ev.Assets.Dec(),
		Shares:      ev.Shares.Dec(),
		Utilization: utilization,
		Details:     ev.Details,
	}
	if ev.OnBehalf != (common.Address{}) {
		msg.OnBehalf = ev.OnBehalf.Hex()
	}
	if ev.Receiver != (common.Address{}) {
		msg.Receiver = ev.Receiver.Hex()
	}
	return msg
}

// --- Administration ---

// EnableLiquidationThreshold makes a threshold available to new markets.
func (s *Service) EnableLiquidationThreshold(ctx context.Context, sender common.Address, threshold *uint256.Int) ([]model.LedgerEntry, error) {
	return s.execute(ctx, "enable_threshold", func() error {
		return s.eng.EnableLiquidationThreshold(sender, threshold)
	})
}

// EnableRateModel makes a rate model available to new markets.
func (s *Service) EnableRateModel(ctx context.Context, sender, addr common.Address) ([]model.LedgerEntry, error) {
	return s.execute(ctx, "enable_rate_model", func() error {
		return s.eng.EnableRateModel(sender, addr)
	})
}

// CreateMarket creates a market and returns its id.
func (s *Service) CreateMarket(ctx context.Context, sender common.Address, params model.MarketParams) (model.MarketID, []model.LedgerEntry, error) {
	var id model.MarketID
	entries, err := s.execute(ctx, "create_market", func() error {
		var err error
		id, err = s.eng.CreateMarket(sender, params)
		return err
	})
	return id, entries, err
}

// SetOwner transfers ownership.
func (s *Service) SetOwner(ctx context.Context, sender, newOwner common.Address) ([]model.LedgerEntry, error) {
	return s.execute(ctx, "set_owner", func() error {
		return s.eng.SetOwner(sender, newOwner)
	})
}

// SetFeeRecipient changes who receives fee shares.
func (s *Service) SetFeeRecipient(ctx context.Context, sender, recipient common.Address) ([]model.LedgerEntry, error) {
	return s.execute(ctx, "set_fee_recipient", func() error {
		return s.eng.SetFeeRecipient(sender, recipient)
	})
}

// SetFee sets a market's fee.
func (s *Service) SetFee(ctx context.Context, sender common.Address, id model.MarketID, fee *uint256.Int) ([]model.LedgerEntry, error) {
	return s.execute(ctx, "set_fee", func() error {
		params, err := s.params(id)
		if err != nil {
			return err
		}
		return s.eng.SetFee(sender, params, fee)
	})
}

// SetAuthorization lets operator manage the sender's positions, or revokes it.
func (s *Service) SetAuthorization(ctx context.Context, sender, operator common.Address, authorized bool) ([]model.LedgerEntry, error) {
	return s.execute(ctx, "set_authorization", func() error {
		return s.eng.SetAuthorization(sender, operator, authorized)
	})
}

// SetAuthorizationWithSig applies a signed authorization.
func (s *Service) SetAuthorizationWithSig(ctx context.Context, a model.Authorization, sig []byte) ([]model.LedgerEntry, error) {
	return s.execute(ctx, "set_authorization_with_sig", func() error {
		return s.eng.SetAuthorizationWithSig(a, sig)
	})
}

// --- Positions ---

// Action carries the arguments of a position operation. OnBehalf and
// Receiver default to the sender.
type Action struct {
	Sender   common.Address
	Market   model.MarketID
	Assets   *uint256.Int
	Shares   *uint256.Int
	OnBehalf common.Address
	Receiver common.Address
	Borrower common.Address
	Data     []byte
}

func (a *Action) normalize() {
	if a.Assets == nil {
		a.Assets = new(uint256.Int)
	}
	if a.Shares == nil {
		a.Shares = new(uint256.Int)
	}
	if a.OnBehalf == (common.Address{}) {
		a.OnBehalf = a.Sender
	}
	if a.Receiver == (common.Address{}) {
		a.Receiver = a.Sender
	}
}

// Result is the outcome of a position operation.
type Result struct {
	Assets      *uint256.Int        `json:"assets,omitempty"`
	Shares      *uint256.Int        `json:"shares,omitempty"`
	Liquidation *engine.Liquidation `json:"liquidation,omitempty"`
	Events      []model.LedgerEntry `json:"events"`
}

func (s *Service) params(id model.MarketID) (model.MarketParams, error) {
	params, ok := s.eng.MarketParams(id)
	if !ok {
		return params, fmt.Errorf("%w: %s", engine.ErrMarketNotCreated, id)
	}
	return params, nil
}

// onMarket resolves the action's market and runs fn on its parameters.
func (s *Service) onMarket(ctx context.Context, op string, a Action, fn func(model.MarketParams, *Action, *Result) error) (*Result, error) {
	a.normalize()
	res := &Result{}
	entries, err := s.execute(ctx, op, func() error {
		params, err := s.params(a.Market)
		if err != nil {
			return err
		}
		return fn(params, &a, res)
	})
	if err != nil {
		return nil, err
	}
	res.Events = entries
	return res, nil
}

// Supply lends assets to a market for a.OnBehalf.
func (s *Service) Supply(ctx context.Context, a Action) (*Result, error) {
	return s.onMarket(ctx, "supply", a, func(p model.MarketParams, a *Action, res *Result) (err error) {
		res.Assets, res.Shares, err = s.eng.Supply(a.Sender, p, a.Assets, a.Shares, a.OnBehalf, a.Data)
		return err
	})
}

// Withdraw redeems a.OnBehalf's supply to a.Receiver.
func (s *Service) Withdraw(ctx context.Context, a Action) (*Result, error) {
	return s.onMarket(ctx, "withdraw", a, func(p model.MarketParams, a *Action, res *Result) (err error) {
		res.Assets, res.Shares, err = s.eng.Withdraw(a.Sender, p, a.Assets, a.Shares, a.OnBehalf, a.Receiver)
		return err
	})
}

// Borrow borrows against a.OnBehalf's collateral and sends to a.Receiver.
func (s *Service) Borrow(ctx context.Context, a Action) (*Result, error) {
	return s.onMarket(ctx, "borrow", a, func(p model.MarketParams, a *Action, res *Result) (err error) {
		res.Assets, res.Shares, err = s.eng.Borrow(a.Sender, p, a.Assets, a.Shares, a.OnBehalf, a.Receiver)
		return err
	})
}

// Repay repays a.OnBehalf's debt from the sender.
func (s *Service) Repay(ctx context.Context, a Action) (*Result, error) {
	return s.onMarket(ctx, "repay", a, func(p model.MarketParams, a *Action, res *Result) (err error) {
		res.Assets, res.Shares, err = s.eng.Repay(a.Sender, p, a.Assets, a.Shares, a.OnBehalf, a.Data)
		return err
	})
}

// SupplyCollateral deposits collateral for a.OnBehalf.
func (s *Service) SupplyCollateral(ctx context.Context, a Action) (*Result, error) {
	return s.onMarket(ctx, "supply_collateral", a, func(p model.MarketParams, a *Action, res *Result) error {
		res.Assets = a.Assets
		return s.eng.SupplyCollateral(a.Sender, p, a.Assets, a.OnBehalf, a.Data)
	})
}

// WithdrawCollateral releases a.OnBehalf's collateral to a.Receiver.
func (s *Service) WithdrawCollateral(ctx context.Context, a Action) (*Result, error) {
	return s.onMarket(ctx, "withdraw_collateral", a, func(p model.MarketParams, a *Action, res *Result) error {
		res.Assets = a.Assets
		return s.eng.WithdrawCollateral(a.Sender, p, a.Assets, a.OnBehalf, a.Receiver)
	})
}

// Liquidate seizes a.Assets of a.Borrower's collateral, or repays a.Shares
// of its debt.
func (s *Service) Liquidate(ctx context.Context, a Action) (*Result, error) {
	return s.onMarket(ctx, "liquidate", a, func(p model.MarketParams, a *Action, res *Result) error {
		liq, err := s.eng.Liquidate(a.Sender, p, a.Borrower, a.Assets, a.Shares, a.Data)
		if err != nil {
			return err
		}
		res.Liquidation = liq
		res.Assets, res.Shares = liq.RepaidAssets, liq.RepaidShares
		return nil
	})
}

// AccrueInterest brings a market up to date.
func (s *Service) AccrueInterest(ctx context.Context, id model.MarketID) (*Result, error) {
	return s.onMarket(ctx, "accrue_interest", Action{Market: id}, func(p model.MarketParams, _ *Action, _ *Result) error {
		return s.eng.AccrueInterest(p)
	})
}

// CoverBadDebt offsets a market's deferred bad debt with the sender's tokens.
func (s *Service) CoverBadDebt(ctx context.Context, a Action) (*Result, error) {
	return s.onMarket(ctx, "cover_bad_debt", a, func(p model.MarketParams, a *Action, res *Result) error {
		res.Assets = a.Assets
		return s.eng.CoverBadDebt(a.Sender, p, a.Assets)
	})
}

// --- Reads ---

// MarketView is a market with its accrued projection.
type MarketView struct {
	ID                   model.MarketID     `json:"id"`
	Params               model.MarketParams `json:"params"`
	State                model.MarketState  `json:"state"`
	Expected             model.MarketState  `json:"expected"`
	Utilization          decimal.Decimal    `json:"utilization"`
	LiquidationIncentive decimal.Decimal    `json:"liquidation_incentive_factor"`
	CreatedAt            time.Time          `json:"created_at"`
}

func (s *Service) marketView(id model.MarketID) (*MarketView, error) {
	m, ok := s.eng.Market(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrMarketNotCreated, id)
	}
	expected, err := s.eng.ExpectedMarket(id)
	if err != nil {
		return nil, err
	}
	return &MarketView{
		ID:                   m.ID,
		Params:               m.Params,
		State:                m.State,
		Expected:             expected,
		Utilization:          fixedpoint.ToDecimal(irm.Utilization(expected), -18),
		LiquidationIncentive: fixedpoint.ToDecimal(engine.LiquidationIncentiveFactor(&m.Params.LiquidationThreshold), -18),
		CreatedAt:            m.CreatedAt,
	}, nil
}

// Market returns one market.
func (s *Service) Market(id model.MarketID) (*MarketView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marketView(id)
}

// Markets returns every market in creation order.
func (s *Service) Markets() ([]MarketView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.eng.Markets()
	out := make([]MarketView, 0, len(ids))
	for _, id := range ids {
		v, err := s.marketView(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// PositionView is one account's position valued now.
type PositionView struct {
	MarketID     model.MarketID   `json:"market_id"`
	Account      common.Address   `json:"account"`
	Position     model.Position   `json:"position"`
	SupplyAssets *uint256.Int     `json:"supply_assets"`
	BorrowAssets *uint256.Int     `json:"borrow_assets"`
	HealthFactor *decimal.Decimal `json:"health_factor,omitempty"` // absent without debt
	Healthy      bool             `json:"healthy"`
}

// Position values an account's position in a market.
func (s *Service) Position(id model.MarketID, account common.Address) (*PositionView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	params, err := s.params(id)
	if err != nil {
		return nil, err
	}
	view := &PositionView{MarketID: id, Account: account, Position: s.eng.Position(id, account)}
	if view.SupplyAssets, err = s.eng.SupplyAssets(id, account); err != nil {
		return nil, err
	}
	if view.BorrowAssets, err = s.eng.BorrowAssets(id, account); err != nil {
		return nil, err
	}
	if view.Healthy, err = s.eng.IsHealthy(params, account); err != nil {
		return nil, err
	}
	if !view.BorrowAssets.IsZero() {
		hf, err := s.eng.HealthFactor(params, account)
		if err != nil {
			return nil, err
		}
		d := fixedpoint.ToDecimal(hf, -18)
		view.HealthFactor = &d
	}
	return view, nil
}

// AccountPositions returns the account's persisted positions.
func (s *Service) AccountPositions(ctx context.Context, account common.Address) ([]engine.PositionRecord, error) {
	return s.store.GetAccountPositions(ctx, account)
}

// MarketHistory returns the ledger of one market.
func (s *Service) MarketHistory(ctx context.Context, id model.MarketID) ([]model.LedgerEntry, error) {
	return s.store.GetLedgerEntriesByMarket(ctx, id)
}

// AccountHistory returns the ledger entries an account took part in.
func (s *Service) AccountHistory(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	return s.store.GetLedgerEntriesByAccount(ctx, account)
}

// Nonce returns the next signature nonce of an account.
func (s *Service) Nonce(account common.Address) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng.Nonce(account)
}

// --- Development collaborators ---

func (s *Service) ledger(addr common.Address) (*token.Ledger, error) {
	l, err := host.Resolve[*token.Ledger](s.eng.Directory(), addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownToken, err)
	}
	return l, nil
}

// Approve sets the allowance of spender on owner's tokens.
func (s *Service) Approve(tokenAddr, owner, spender common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(tokenAddr)
	if err != nil {
		return err
	}
	l.Approve(owner, spender, amount)
	s.eng.Journal().Commit()
	return nil
}

// Mint credits new tokens. Only the engine owner may mint.
func (s *Service) Mint(sender, tokenAddr, to common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eng.IsOwner(sender) {
		return engine.ErrUnauthorized
	}
	l, err := s.ledger(tokenAddr)
	if err != nil {
		return err
	}
	l.Mint(to, amount)
	s.eng.Journal().Commit()
	slog.Info("tokens minted", "token", tokenAddr.Hex(), "to", to.Hex(), "amount", amount.Dec())
	return nil
}

// Balance returns an account's token balance.
func (s *Service) Balance(tokenAddr, account common.Address) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := s.ledger(tokenAddr)
	if err != nil {
		return nil, err
	}
	return l.BalanceOf(account), nil
}

// SetPrice pushes a new price to a settable oracle. Only the engine owner may
// set prices.
func (s *Service) SetPrice(sender, oracleAddr common.Address, price *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eng.IsOwner(sender) {
		return engine.ErrUnauthorized
	}
	o, err := host.Resolve[*oracle.Static](s.eng.Directory(), oracleAddr)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnknownOracle, err)
	}
	o.SetPrice(price)
	slog.Info("oracle price set", "oracle", oracleAddr.Hex(), "price", oracle.Unscale(price).String())
	return nil
}
