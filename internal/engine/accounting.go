package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fp "github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
)

// liquid reports whether the market's loan tokens cover its borrows and any
// deferred bad debt.
func liquid(st *model.MarketState) bool {
	owed := fp.Add(&st.TotalBorrowAssets, &st.BadDebt)
	return !owed.Gt(&st.TotalSupplyAssets)
}

func (e *Engine) authorizedFor(sender, onBehalf common.Address) bool {
	return sender == onBehalf || e.st.authorized[authKey{onBehalf, sender}]
}

// Supply credits onBehalf with supply shares for loan tokens pulled from the
// sender. Exactly one of assets and shares must be non-zero; the other is
// derived rounding against the supplier. If data is non-empty the sender's
// SupplyCallback runs before the tokens are pulled.
func (e *Engine) Supply(sender common.Address, params model.MarketParams, assets, shares *uint256.Int, onBehalf common.Address, data []byte) (suppliedAssets, suppliedShares *uint256.Int, err error) {
	assets, shares = fp.Clone(assets), fp.Clone(shares)
	err = e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		if !exactlyOneZero(assets, shares) {
			return ErrInconsistentInput
		}
		if onBehalf == (common.Address{}) {
			return ErrZeroAddress
		}
		if err := e.accrue(id); err != nil {
			return err
		}

		m, _ := e.st.market(id)
		st := m.State
		if !assets.IsZero() {
			shares = fp.ToSharesDown(assets, &st.TotalSupplyAssets, &st.TotalSupplyShares)
		} else {
			assets = fp.ToAssetsUp(shares, &st.TotalSupplyAssets, &st.TotalSupplyShares)
		}
		if assets.IsZero() || shares.IsZero() {
			return ErrZeroAssets
		}

		pos := e.st.position(id, onBehalf)
		pos.SupplyShares = *fp.Add(&pos.SupplyShares, shares)
		e.st.setPosition(id, onBehalf, pos)
		st.TotalSupplyShares = *fp.Add(&st.TotalSupplyShares, shares)
		st.TotalSupplyAssets = *fp.Add(&st.TotalSupplyAssets, assets)
		e.st.setMarketState(id, st)

		e.emit(model.Event{
			Kind: model.EventSupply, Market: id, Caller: sender, OnBehalf: onBehalf,
			Assets: *assets, Shares: *shares,
		})

		if len(data) > 0 {
			err := callback(e, sender, func(cb SupplyCallback) error {
				return cb.OnSupply(fp.Clone(assets), data)
			})
			if err != nil {
				return err
			}
		}
		return e.pull(params.LoanToken, sender, assets)
	})
	if err != nil {
		return nil, nil, err
	}
	return assets, shares, nil
}

// Withdraw burns onBehalf's supply shares and sends the loan tokens to
// receiver. Shares are rounded up and assets down.
func (e *Engine) Withdraw(sender common.Address, params model.MarketParams, assets, shares *uint256.Int, onBehalf, receiver common.Address) (withdrawnAssets, withdrawnShares *uint256.Int, err error) {
	assets, shares = fp.Clone(assets), fp.Clone(shares)
	err = e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		if !exactlyOneZero(assets, shares) {
			return ErrInconsistentInput
		}
		if receiver == (common.Address{}) {
			return ErrZeroAddress
		}
		if !e.authorizedFor(sender, onBehalf) {
			return ErrUnauthorized
		}
		if err := e.accrue(id); err != nil {
			return err
		}

		m, _ := e.st.market(id)
		st := m.State
		if !assets.IsZero() {
			shares = fp.ToSharesUp(assets, &st.TotalSupplyAssets, &st.TotalSupplyShares)
		} else {
			assets = fp.ToAssetsDown(shares, &st.TotalSupplyAssets, &st.TotalSupplyShares)
		}

		pos := e.st.position(id, onBehalf)
		pos.SupplyShares = *fp.Sub(&pos.SupplyShares, shares)
		e.st.setPosition(id, onBehalf, pos)
		if assets.Gt(&st.TotalSupplyAssets) {
			return ErrInsufficientLiquidity
		}
		st.TotalSupplyShares = *fp.Sub(&st.TotalSupplyShares, shares)
		st.TotalSupplyAssets = *fp.Sub(&st.TotalSupplyAssets, assets)
		if !liquid(&st) {
			return ErrInsufficientLiquidity
		}
		e.st.setMarketState(id, st)

		e.emit(model.Event{
			Kind: model.EventWithdraw, Market: id, Caller: sender, OnBehalf: onBehalf, Receiver: receiver,
			Assets: *assets, Shares: *shares,
		})
		return e.push(params.LoanToken, receiver, assets)
	})
	if err != nil {
		return nil, nil, err
	}
	return assets, shares, nil
}

// Borrow adds debt to onBehalf and sends the loan tokens to receiver. Shares
// are rounded up and assets down. The position must stay healthy and the
// market liquid.
func (e *Engine) Borrow(sender common.Address, params model.MarketParams, assets, shares *uint256.Int, onBehalf, receiver common.Address) (borrowedAssets, borrowedShares *uint256.Int, err error) {
	assets, shares = fp.Clone(assets), fp.Clone(shares)
	err = e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		if !exactlyOneZero(assets, shares) {
			return ErrInconsistentInput
		}
		if receiver == (common.Address{}) {
			return ErrZeroAddress
		}
		if !e.authorizedFor(sender, onBehalf) {
			return ErrUnauthorized
		}
		if err := e.accrue(id); err != nil {
			return err
		}

		m, _ := e.st.market(id)
		st := m.State
		if !assets.IsZero() {
			shares = fp.ToSharesUp(assets, &st.TotalBorrowAssets, &st.TotalBorrowShares)
		} else {
			assets = fp.ToAssetsDown(shares, &st.TotalBorrowAssets, &st.TotalBorrowShares)
		}

		pos := e.st.position(id, onBehalf)
		pos.BorrowShares = *fp.Add(&pos.BorrowShares, shares)
		e.st.setPosition(id, onBehalf, pos)
		st.TotalBorrowShares = *fp.Add(&st.TotalBorrowShares, shares)
		st.TotalBorrowAssets = *fp.Add(&st.TotalBorrowAssets, assets)
		e.st.setMarketState(id, st)

		ok, err := e.healthy(params, id, onBehalf)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientCollateral
		}
		if !liquid(&st) {
			return ErrInsufficientLiquidity
		}

		e.emit(model.Event{
			Kind: model.EventBorrow, Market: id, Caller: sender, OnBehalf: onBehalf, Receiver: receiver,
			Assets: *assets, Shares: *shares,
		})
		return e.push(params.LoanToken, receiver, assets)
	})
	if err != nil {
		return nil, nil, err
	}
	return assets, shares, nil
}

// Repay burns onBehalf's borrow shares for loan tokens pulled from the
// sender. Shares are rounded down and assets up, so the repayer never pays
// less than the debt it clears. Repaying more shares than the position
// holds fails with ErrUnderflow.
func (e *Engine) Repay(sender common.Address, params model.MarketParams, assets, shares *uint256.Int, onBehalf common.Address, data []byte) (repaidAssets, repaidShares *uint256.Int, err error) {
	assets, shares = fp.Clone(assets), fp.Clone(shares)
	err = e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		if !exactlyOneZero(assets, shares) {
			return ErrInconsistentInput
		}
		if onBehalf == (common.Address{}) {
			return ErrZeroAddress
		}
		if err := e.accrue(id); err != nil {
			return err
		}

		m, _ := e.st.market(id)
		st := m.State
		if !assets.IsZero() {
			shares = fp.ToSharesDown(assets, &st.TotalBorrowAssets, &st.TotalBorrowShares)
		} else {
			assets = fp.ToAssetsUp(shares, &st.TotalBorrowAssets, &st.TotalBorrowShares)
		}

		pos := e.st.position(id, onBehalf)
		pos.BorrowShares = *fp.Sub(&pos.BorrowShares, shares)
		e.st.setPosition(id, onBehalf, pos)
		st.TotalBorrowShares = *fp.Sub(&st.TotalBorrowShares, shares)
		st.TotalBorrowAssets = *fp.ZeroFloorSub(&st.TotalBorrowAssets, assets)
		e.st.setMarketState(id, st)

		e.emit(model.Event{
			Kind: model.EventRepay, Market: id, Caller: sender, OnBehalf: onBehalf,
			Assets: *assets, Shares: *shares,
		})

		if len(data) > 0 {
			err := callback(e, sender, func(cb RepayCallback) error {
				return cb.OnRepay(fp.Clone(assets), data)
			})
			if err != nil {
				return err
			}
		}
		return e.pull(params.LoanToken, sender, assets)
	})
	if err != nil {
		return nil, nil, err
	}
	return assets, shares, nil
}

// SupplyCollateral credits onBehalf with collateral pulled from the sender.
func (e *Engine) SupplyCollateral(sender common.Address, params model.MarketParams, assets *uint256.Int, onBehalf common.Address, data []byte) error {
	assets = fp.Clone(assets)
	return e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		if assets.IsZero() {
			return ErrZeroAssets
		}
		if onBehalf == (common.Address{}) {
			return ErrZeroAddress
		}
		if err := e.accrue(id); err != nil {
			return err
		}

		pos := e.st.position(id, onBehalf)
		pos.Collateral = *fp.Add(&pos.Collateral, assets)
		e.st.setPosition(id, onBehalf, pos)

		e.emit(model.Event{
			Kind: model.EventSupplyCollateral, Market: id, Caller: sender, OnBehalf: onBehalf,
			Assets: *assets,
		})

		if len(data) > 0 {
			err := callback(e, sender, func(cb SupplyCollateralCallback) error {
				return cb.OnSupplyCollateral(fp.Clone(assets), data)
			})
			if err != nil {
				return err
			}
		}
		return e.pull(params.CollateralToken, sender, assets)
	})
}

// WithdrawCollateral sends onBehalf's collateral to receiver. The position
// must stay healthy.
func (e *Engine) WithdrawCollateral(sender common.Address, params model.MarketParams, assets *uint256.Int, onBehalf, receiver common.Address) error {
	assets = fp.Clone(assets)
	return e.atomic(func() error {
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		if assets.IsZero() {
			return ErrZeroAssets
		}
		if receiver == (common.Address{}) {
			return ErrZeroAddress
		}
		if !e.authorizedFor(sender, onBehalf) {
			return ErrUnauthorized
		}
		if err := e.accrue(id); err != nil {
			return err
		}

		pos := e.st.position(id, onBehalf)
		pos.Collateral = *fp.Sub(&pos.Collateral, assets)
		e.st.setPosition(id, onBehalf, pos)

		ok, err := e.healthy(params, id, onBehalf)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientCollateral
		}

		e.emit(model.Event{
			Kind: model.EventWithdrawCollateral, Market: id, Caller: sender, OnBehalf: onBehalf, Receiver: receiver,
			Assets: *assets,
		})
		return e.push(params.CollateralToken, receiver, assets)
	})
}
