package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fp "github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/oracle"
)

// Liquidation is the outcome of a Liquidate call.
type Liquidation struct {
	SeizedAssets  *uint256.Int `json:"seized_assets"`
	RepaidAssets  *uint256.Int `json:"repaid_assets"`
	RepaidShares  *uint256.Int `json:"repaid_shares"`
	BadDebtAssets *uint256.Int `json:"bad_debt_assets"`
	BadDebtShares *uint256.Int `json:"bad_debt_shares"`
}

// Liquidate repays part of an unhealthy borrower's debt and seizes
// collateral worth the repaid amount times the liquidation incentive factor.
// Exactly one of seizedAssets and repaidShares must be non-zero. The seizure
// is capped at the borrower's collateral and the repayment at its borrow
// shares; the counterpart is recomputed after a cap. If the borrower is left
// with no collateral, its remaining debt is realized as bad debt under the
// engine's BadDebtPolicy.
//
// The seized collateral is sent to the sender before the optional
// LiquidateCallback runs; the repaid loan tokens are pulled last.
func (e *Engine) Liquidate(sender common.Address, params model.MarketParams, borrower common.Address, seizedAssets, repaidShares *uint256.Int, data []byte) (*Liquidation, error) {
	seized, shares := fp.Clone(seizedAssets), fp.Clone(repaidShares)
	var out *Liquidation
	err := e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		if !exactlyOneZero(seized, shares) {
			return ErrInconsistentInput
		}
		if err := e.accrue(id); err != nil {
			return err
		}

		price, err := e.price(params)
		if err != nil {
			return err
		}
		m, _ := e.st.market(id)
		st := m.State
		pos := e.st.position(id, borrower)
		if pos.BorrowShares.IsZero() || healthyAt(&params, &st, &pos, price) {
			return ErrHealthyPosition
		}
		if price.IsZero() {
			return fmt.Errorf("%w: zero price", ErrOracle)
		}

		lif := LiquidationIncentiveFactor(&params.LiquidationThreshold)
		sharesFor := func(collateral *uint256.Int) *uint256.Int {
			quoted := fp.MulDivUp(collateral, price, oracle.PriceScale)
			return fp.ToSharesUp(fp.WDivUp(quoted, lif), &st.TotalBorrowAssets, &st.TotalBorrowShares)
		}
		collateralFor := func(borrowShares *uint256.Int) *uint256.Int {
			repaid := fp.ToAssetsDown(borrowShares, &st.TotalBorrowAssets, &st.TotalBorrowShares)
			return fp.MulDivDown(fp.WMulDown(repaid, lif), oracle.PriceScale, price)
		}

		if !seized.IsZero() {
			seized = fp.Min(seized, &pos.Collateral)
			shares = sharesFor(seized)
			if shares.Gt(&pos.BorrowShares) {
				shares = fp.Clone(&pos.BorrowShares)
				seized = fp.Min(collateralFor(shares), &pos.Collateral)
			}
		} else {
			shares = fp.Min(shares, &pos.BorrowShares)
			seized = collateralFor(shares)
			if seized.Gt(&pos.Collateral) {
				seized = fp.Clone(&pos.Collateral)
				shares = fp.Min(sharesFor(seized), &pos.BorrowShares)
			}
		}
		repaid := fp.ToAssetsUp(shares, &st.TotalBorrowAssets, &st.TotalBorrowShares)

		pos.BorrowShares = *fp.Sub(&pos.BorrowShares, shares)
		pos.Collateral = *fp.Sub(&pos.Collateral, seized)
		st.TotalBorrowShares = *fp.Sub(&st.TotalBorrowShares, shares)
		st.TotalBorrowAssets = *fp.ZeroFloorSub(&st.TotalBorrowAssets, repaid)

		badAssets, badShares := fp.Zero(), fp.Zero()
		if pos.Collateral.IsZero() && !pos.BorrowShares.IsZero() {
			badShares = fp.Clone(&pos.BorrowShares)
			badAssets = fp.Min(&st.TotalBorrowAssets,
				fp.ToAssetsUp(badShares, &st.TotalBorrowAssets, &st.TotalBorrowShares))
			st.TotalBorrowAssets = *fp.Sub(&st.TotalBorrowAssets, badAssets)
			st.TotalBorrowShares = *fp.Sub(&st.TotalBorrowShares, badShares)
			switch e.cfg.BadDebtPolicy {
			case DeferBadDebt:
				st.BadDebt = *fp.Add(&st.BadDebt, badAssets)
			default:
				st.TotalSupplyAssets = *fp.Sub(&st.TotalSupplyAssets, badAssets)
			}
			pos.BorrowShares.Clear()
		}
		e.st.setPosition(id, borrower, pos)
		e.st.setMarketState(id, st)

		out = &Liquidation{
			SeizedAssets:  seized,
			RepaidAssets:  repaid,
			RepaidShares:  shares,
			BadDebtAssets: badAssets,
			BadDebtShares: badShares,
		}
		e.emit(model.Event{
			Kind: model.EventLiquidate, Market: id, Caller: sender, OnBehalf: borrower,
			Assets: *repaid, Shares: *shares,
			Details: map[string]string{
				"seized_assets":   seized.Dec(),
				"bad_debt_assets": badAssets.Dec(),
				"bad_debt_shares": badShares.Dec(),
				"bad_debt_policy": e.cfg.BadDebtPolicy.String(),
			},
		})

		if err := e.push(params.CollateralToken, sender, seized); err != nil {
			return err
		}
		if len(data) > 0 {
			err := callback(e, sender, func(cb LiquidateCallback) error {
				return cb.OnLiquidate(fp.Clone(repaid), data)
			})
			if err != nil {
				return err
			}
		}
		return e.pull(params.LoanToken, sender, repaid)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CoverBadDebt pulls loan tokens from the sender to offset a market's
// deferred bad debt. Amounts above the outstanding buffer are rejected.
func (e *Engine) CoverBadDebt(sender common.Address, params model.MarketParams, assets *uint256.Int) error {
	assets = fp.Clone(assets)
	return e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		if assets.IsZero() {
			return ErrZeroAssets
		}
		if err := e.accrue(id); err != nil {
			return err
		}
		m, _ := e.st.market(id)
		st := m.State
		st.BadDebt = *fp.Sub(&st.BadDebt, assets)
		e.st.setMarketState(id, st)
		e.emit(model.Event{
			Kind: model.EventCoverBadDebt, Market: id, Caller: sender, Assets: *assets,
			Details: map[string]string{"remaining": st.BadDebt.Dec()},
		})
		return e.pull(params.LoanToken, sender, assets)
	})
}
