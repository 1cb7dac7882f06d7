package engine

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/host"
	"github.com/atmx/lending-engine/internal/irm"
	"github.com/atmx/lending-engine/internal/model"
)

type accrual struct {
	state     model.MarketState
	elapsed   uint64
	rate      *uint256.Int
	interest  *uint256.Int
	feeShares *uint256.Int
}

// project computes the market state after accruing interest up to now.
// It reads the rate model but mutates nothing.
func (e *Engine) project(m model.Market) (accrual, error) {
	a := accrual{state: m.State, interest: fixedpoint.Zero(), feeShares: fixedpoint.Zero()}
	now := e.now()
	if now <= m.State.LastUpdate {
		return a, nil
	}
	a.elapsed = now - m.State.LastUpdate
	a.state.LastUpdate = now
	if m.State.TotalBorrowAssets.IsZero() {
		return a, nil
	}

	rm, err := host.Resolve[irm.RateModel](e.dir, m.Params.RateModel)
	if err != nil {
		return a, fmt.Errorf("%w: %w", ErrRateModel, err)
	}
	rate, err := rm.BorrowRate(m.Params, m.State)
	if err != nil {
		return a, fmt.Errorf("%w: %w", ErrRateModel, err)
	}
	a.rate = rate

	st := &a.state
	a.interest = fixedpoint.WMulDown(&st.TotalBorrowAssets, fixedpoint.WTaylorCompounded(rate, a.elapsed))
	st.TotalBorrowAssets = *fixedpoint.Add(&st.TotalBorrowAssets, a.interest)
	st.TotalSupplyAssets = *fixedpoint.Add(&st.TotalSupplyAssets, a.interest)

	if !st.Fee.IsZero() {
		feeAmount := fixedpoint.WMulDown(a.interest, &st.Fee)
		// Fee shares are priced with the fee left out of supply, so after
		// minting they redeem for feeAmount.
		a.feeShares = fixedpoint.ToSharesDown(feeAmount,
			fixedpoint.Sub(&st.TotalSupplyAssets, feeAmount), &st.TotalSupplyShares)
		st.TotalSupplyShares = *fixedpoint.Add(&st.TotalSupplyShares, a.feeShares)
		st.FeeShares = *fixedpoint.Add(&st.FeeShares, a.feeShares)
	}
	return a, nil
}

// accrue brings a market's totals up to now. It must run before any
// mutation of the market within a call.
func (e *Engine) accrue(id model.MarketID) error {
	m, ok := e.st.market(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotCreated, id)
	}
	a, err := e.project(m)
	if err != nil {
		return err
	}
	if a.elapsed == 0 {
		return nil
	}
	e.st.setMarketState(id, a.state)
	if !a.feeShares.IsZero() {
		recipient := e.st.feeRecipient
		pos := e.st.position(id, recipient)
		pos.SupplyShares = *fixedpoint.Add(&pos.SupplyShares, a.feeShares)
		e.st.setPosition(id, recipient, pos)
	}
	if a.rate != nil {
		e.emit(model.Event{
			Kind:     model.EventAccrueInterest,
			Market:   id,
			Receiver: e.st.feeRecipient,
			Assets:   *a.interest,
			Shares:   *a.feeShares,
			Details: map[string]string{
				"rate":    a.rate.Dec(),
				"elapsed": strconv.FormatUint(a.elapsed, 10),
			},
		})
	}
	return nil
}

// AccrueInterest brings a market up to date without any other change.
func (e *Engine) AccrueInterest(params model.MarketParams) error {
	return e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		return e.accrue(id)
	})
}

// ExpectedMarket returns a market's state as it would be after accruing
// interest now, without changing anything.
func (e *Engine) ExpectedMarket(id model.MarketID) (st model.MarketState, err error) {
	defer catch(&err)
	m, ok := e.st.market(id)
	if !ok {
		return st, fmt.Errorf("%w: %s", ErrMarketNotCreated, id)
	}
	a, err := e.project(m)
	if err != nil {
		return st, err
	}
	return a.state, nil
}

// SupplyAssets returns what an account's supply shares are worth now,
// rounded down.
func (e *Engine) SupplyAssets(id model.MarketID, account common.Address) (_ *uint256.Int, err error) {
	defer catch(&err)
	st, err := e.ExpectedMarket(id)
	if err != nil {
		return nil, err
	}
	pos := e.st.position(id, account)
	return fixedpoint.ToAssetsDown(&pos.SupplyShares, &st.TotalSupplyAssets, &st.TotalSupplyShares), nil
}

// BorrowAssets returns an account's debt now, rounded up.
func (e *Engine) BorrowAssets(id model.MarketID, account common.Address) (_ *uint256.Int, err error) {
	defer catch(&err)
	st, err := e.ExpectedMarket(id)
	if err != nil {
		return nil, err
	}
	pos := e.st.position(id, account)
	return fixedpoint.ToAssetsUp(&pos.BorrowShares, &st.TotalBorrowAssets, &st.TotalBorrowShares), nil
}
