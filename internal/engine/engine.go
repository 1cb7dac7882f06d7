// Package engine implements an isolated-market lending engine: a registry of
// markets keyed by their parameters, share-based supply and borrow accounting
// with interest accrual, collateral health checks, liquidations with bad debt
// realization, flash loans and delegated position management.
//
// The engine is a single-threaded state machine. Every public mutating call
// is all-or-nothing: it checkpoints the shared journal and reverts engine
// state, journaled token balances and emitted events on any failure.
// Callbacks may re-enter the engine; nested calls checkpoint on their own and
// only the outermost call commits.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/host"
	"github.com/atmx/lending-engine/internal/journal"
	"github.com/atmx/lending-engine/internal/model"
)

// BadDebtPolicy decides who absorbs debt left behind by a fully seized
// position.
type BadDebtPolicy int

const (
	// SocializeBadDebt writes the loss off against totalSupplyAssets, so
	// every supplier loses pro-rata.
	SocializeBadDebt BadDebtPolicy = iota
	// DeferBadDebt records the loss in the market's BadDebt buffer and
	// leaves supply totals untouched until someone covers it.
	DeferBadDebt
)

// ParseBadDebtPolicy accepts "socialize" or "defer".
func ParseBadDebtPolicy(s string) (BadDebtPolicy, error) {
	switch s {
	case "", "socialize":
		return SocializeBadDebt, nil
	case "defer":
		return DeferBadDebt, nil
	}
	return 0, fmt.Errorf("engine: unknown bad debt policy %q", s)
}

func (p BadDebtPolicy) String() string {
	if p == DeferBadDebt {
		return "defer"
	}
	return "socialize"
}

var (
	// MaxFee caps the share of interest taken as protocol fee.
	MaxFee = uint256.NewInt(0.25e18)

	// DefaultMinLiquidationThreshold is the lowest threshold the owner may
	// enable unless configured otherwise.
	DefaultMinLiquidationThreshold = uint256.NewInt(0.01e18)
)

// Config holds the engine's fixed settings.
type Config struct {
	// Address is the engine's own account on every token.
	Address common.Address
	// ChainID separates authorization signatures between deployments.
	ChainID uint64

	Owner        common.Address
	FeeRecipient common.Address

	MinLiquidationThreshold *uint256.Int
	BadDebtPolicy           BadDebtPolicy
}

// Engine is the lending engine. It is not safe for concurrent use.
type Engine struct {
	cfg   Config
	dir   *host.Directory
	clock host.Clock
	j     *journal.Journal
	st    *state
	depth int
}

// New creates an engine. Tokens bound in dir that should roll back with
// failed calls must record into the same journal.
func New(cfg Config, dir *host.Directory, clock host.Clock, j *journal.Journal) *Engine {
	if cfg.MinLiquidationThreshold == nil {
		cfg.MinLiquidationThreshold = DefaultMinLiquidationThreshold
	}
	st := newState(j)
	st.owner = cfg.Owner
	st.feeRecipient = cfg.FeeRecipient
	st.dirtySettings = true
	return &Engine{cfg: cfg, dir: dir, clock: clock, j: j, st: st}
}

// Address returns the engine's token account.
func (e *Engine) Address() common.Address { return e.cfg.Address }

// Directory returns the capability directory the engine resolves through.
func (e *Engine) Directory() *host.Directory { return e.dir }

// Journal returns the shared undo log.
func (e *Engine) Journal() *journal.Journal { return e.j }

// BadDebtPolicy returns the configured policy.
func (e *Engine) BadDebtPolicy() BadDebtPolicy { return e.cfg.BadDebtPolicy }

// atomic runs fn as one all-or-nothing call. Arithmetic faults raised with
// panic by the fixedpoint package become errors; any other panic is re-raised
// after the revert.
func (e *Engine) atomic(fn func() error) (err error) {
	snap := e.j.Snapshot()
	e.depth++
	defer func() {
		e.depth--
		if r := recover(); r != nil {
			e.j.RevertTo(snap)
			var fe *fixedpoint.Error
			if perr, ok := r.(error); ok && errors.As(perr, &fe) {
				err = fe
				return
			}
			panic(r)
		}
		if err != nil {
			e.j.RevertTo(snap)
			return
		}
		if e.depth == 0 {
			e.j.Commit()
		}
	}()
	return fn()
}

// catch converts arithmetic faults in read-only paths into errors.
func catch(err *error) {
	if r := recover(); r != nil {
		var fe *fixedpoint.Error
		if perr, ok := r.(error); ok && errors.As(perr, &fe) {
			*err = fe
			return
		}
		panic(r)
	}
}

func (e *Engine) now() uint64 { return e.clock.Now() }

func (e *Engine) requireOwner(sender common.Address) error {
	if !e.IsOwner(sender) {
		return ErrUnauthorized
	}
	return nil
}

// IsOwner reports whether sender holds the administrative role. The zero
// address never does, so a renounced or unset owner locks the registry.
func (e *Engine) IsOwner(sender common.Address) bool {
	return sender != (common.Address{}) && sender == e.st.owner
}

func (e *Engine) requireMarket(params model.MarketParams) (model.MarketID, error) {
	id := params.ID()
	if _, ok := e.st.market(id); !ok {
		return id, fmt.Errorf("%w: %s", ErrMarketNotCreated, id)
	}
	return id, nil
}

func (e *Engine) emit(ev model.Event) { e.st.emit(ev) }

func exactlyOneZero(a, b *uint256.Int) bool {
	return a.IsZero() != b.IsZero()
}

// Owner returns the current owner.
func (e *Engine) Owner() common.Address { return e.st.owner }

// FeeRecipient returns the account credited with fee shares.
func (e *Engine) FeeRecipient() common.Address { return e.st.feeRecipient }

// Market returns a market by id.
func (e *Engine) Market(id model.MarketID) (model.Market, bool) {
	return e.st.market(id)
}

// MarketParams returns the parameters a market was created with.
func (e *Engine) MarketParams(id model.MarketID) (model.MarketParams, bool) {
	m, ok := e.st.market(id)
	return m.Params, ok
}

// Markets returns market ids in creation order.
func (e *Engine) Markets() []model.MarketID {
	out := make([]model.MarketID, len(e.st.order))
	copy(out, e.st.order)
	return out
}

// Position returns an account's position. Absent positions are zero.
func (e *Engine) Position(id model.MarketID, account common.Address) model.Position {
	return e.st.position(id, account)
}

// IsThresholdEnabled reports whether markets may use the threshold.
func (e *Engine) IsThresholdEnabled(v *uint256.Int) bool { return e.st.thresholds.Has(*v) }

// IsRateModelEnabled reports whether markets may use the rate model.
func (e *Engine) IsRateModelEnabled(addr common.Address) bool { return e.st.rateModels.Has(addr) }

// Thresholds returns the enabled thresholds in the order they were enabled.
func (e *Engine) Thresholds() []uint256.Int { return e.st.thresholds.Members() }

// RateModels returns the enabled rate models in the order they were enabled.
func (e *Engine) RateModels() []common.Address { return e.st.rateModels.Members() }

// IsAuthorized reports whether operator may manage owner's positions.
func (e *Engine) IsAuthorized(owner, operator common.Address) bool {
	return e.st.authorized[authKey{owner, operator}]
}

// Nonce returns the next signature nonce of an account.
func (e *Engine) Nonce(account common.Address) uint64 { return e.st.nonces[account] }

func (e *Engine) unixNow() time.Time { return time.Unix(int64(e.now()), 0).UTC() }
