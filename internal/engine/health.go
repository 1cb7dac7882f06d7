package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fp "github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/host"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

var (
	maxLiquidationIncentive = uint256.NewInt(1.15e18)
	liquidationCursor       = uint256.NewInt(0.3e18)
)

// LiquidationIncentiveFactor returns the WAD multiplier applied to repaid
// debt to get seized collateral value:
// min(1.15, 1 / (1 - 0.3 * (1 - threshold))).
func LiquidationIncentiveFactor(threshold *uint256.Int) *uint256.Int {
	lif := fp.WDivDown(fp.WAD, fp.Sub(fp.WAD, fp.WMulDown(liquidationCursor, fp.Sub(fp.WAD, threshold))))
	return fp.Min(maxLiquidationIncentive, lif)
}

func (e *Engine) price(params model.MarketParams) (*uint256.Int, error) {
	o, err := host.Resolve[oracle.Oracle](e.dir, params.Oracle)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracle, err)
	}
	p, err := o.Price()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracle, err)
	}
	return p, nil
}

// maxBorrow is the debt a position's collateral supports at price.
func maxBorrow(params *model.MarketParams, pos *model.Position, price *uint256.Int) *uint256.Int {
	value := fp.MulDivDown(&pos.Collateral, price, oracle.PriceScale)
	return fp.WMulDown(value, &params.LiquidationThreshold)
}

func debt(st *model.MarketState, pos *model.Position) *uint256.Int {
	return fp.ToAssetsUp(&pos.BorrowShares, &st.TotalBorrowAssets, &st.TotalBorrowShares)
}

func healthyAt(params *model.MarketParams, st *model.MarketState, pos *model.Position, price *uint256.Int) bool {
	return !debt(st, pos).Gt(maxBorrow(params, pos, price))
}

// healthy re-reads the market and position and checks them against a fresh
// oracle price. Positions without debt are healthy without a price.
func (e *Engine) healthy(params model.MarketParams, id model.MarketID, account common.Address) (bool, error) {
	pos := e.st.position(id, account)
	if pos.BorrowShares.IsZero() {
		return true, nil
	}
	price, err := e.price(params)
	if err != nil {
		return false, err
	}
	m, _ := e.st.market(id)
	return healthyAt(&params, &m.State, &pos, price), nil
}

// IsHealthy reports whether an account's position would pass the health
// check after accruing interest now.
func (e *Engine) IsHealthy(params model.MarketParams, account common.Address) (ok bool, err error) {
	defer catch(&err)
	id := params.ID()
	st, err := e.ExpectedMarket(id)
	if err != nil {
		return false, err
	}
	pos := e.st.position(id, account)
	if pos.BorrowShares.IsZero() {
		return true, nil
	}
	price, err := e.price(params)
	if err != nil {
		return false, err
	}
	return healthyAt(&params, &st, &pos, price), nil
}

// HealthFactor returns maxBorrow / debt as a WAD. Values below 1e18 are
// liquidatable. A position without debt reports the maximum value.
func (e *Engine) HealthFactor(params model.MarketParams, account common.Address) (hf *uint256.Int, err error) {
	defer catch(&err)
	id := params.ID()
	st, err := e.ExpectedMarket(id)
	if err != nil {
		return nil, err
	}
	pos := e.st.position(id, account)
	owed := debt(&st, &pos)
	if owed.IsZero() {
		return fp.Max(), nil
	}
	price, err := e.price(params)
	if err != nil {
		return nil, err
	}
	return fp.WDivDown(maxBorrow(&params, &pos, price), owed), nil
}
