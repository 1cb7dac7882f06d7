package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
)

func (e *Engine) validThreshold(v *uint256.Int) bool {
	return v.Lt(fixedpoint.WAD) && !v.Lt(e.cfg.MinLiquidationThreshold)
}

// EnableLiquidationThreshold permanently allows markets to use v.
func (e *Engine) EnableLiquidationThreshold(sender common.Address, v *uint256.Int) error {
	return e.atomic(func() error {
		if err := e.requireOwner(sender); err != nil {
			return err
		}
		if !e.validThreshold(v) {
			return fmt.Errorf("%w: %s", ErrInvalidThreshold, v.Dec())
		}
		if !e.st.enableThreshold(*v) {
			return ErrAlreadySet
		}
		e.emit(model.Event{
			Kind:    model.EventEnableThreshold,
			Caller:  sender,
			Details: map[string]string{"threshold": v.Dec()},
		})
		return nil
	})
}

// EnableRateModel permanently allows markets to use the rate model at addr.
func (e *Engine) EnableRateModel(sender, addr common.Address) error {
	return e.atomic(func() error {
		if err := e.requireOwner(sender); err != nil {
			return err
		}
		if addr == (common.Address{}) {
			return ErrZeroAddress
		}
		if !e.st.enableRateModel(addr) {
			return ErrAlreadySet
		}
		e.emit(model.Event{
			Kind:    model.EventEnableRateModel,
			Caller:  sender,
			Details: map[string]string{"rate_model": addr.Hex()},
		})
		return nil
	})
}

// CreateMarket registers a market for params. Anyone may create a market
// once its threshold and rate model are enabled.
func (e *Engine) CreateMarket(sender common.Address, params model.MarketParams) (model.MarketID, error) {
	id := params.ID()
	err := e.atomic(func() error {
		if !e.st.thresholds.Has(params.LiquidationThreshold) {
			return fmt.Errorf("%w: threshold %s", ErrNotEnabled, params.LiquidationThreshold.Dec())
		}
		if !e.st.rateModels.Has(params.RateModel) {
			return fmt.Errorf("%w: rate model %s", ErrNotEnabled, params.RateModel.Hex())
		}
		if !e.validThreshold(&params.LiquidationThreshold) {
			return ErrInvalidThreshold
		}
		if _, ok := e.st.market(id); ok {
			return fmt.Errorf("%w: %s", ErrMarketExists, id)
		}
		e.st.createMarket(model.Market{
			ID:        id,
			Params:    params,
			State:     model.MarketState{LastUpdate: e.now()},
			CreatedAt: e.unixNow(),
		})
		e.emit(model.Event{
			Kind:   model.EventCreateMarket,
			Market: id,
			Caller: sender,
			Details: map[string]string{
				"loan_token":            params.LoanToken.Hex(),
				"collateral_token":      params.CollateralToken.Hex(),
				"oracle":                params.Oracle.Hex(),
				"rate_model":            params.RateModel.Hex(),
				"liquidation_threshold": params.LiquidationThreshold.Dec(),
			},
		})
		return nil
	})
	return id, err
}

// SetOwner hands ownership to newOwner.
func (e *Engine) SetOwner(sender, newOwner common.Address) error {
	return e.atomic(func() error {
		if err := e.requireOwner(sender); err != nil {
			return err
		}
		if newOwner == e.st.owner {
			return ErrAlreadySet
		}
		e.st.setOwner(newOwner)
		e.emit(model.Event{Kind: model.EventSetOwner, Caller: sender, OnBehalf: newOwner})
		return nil
	})
}

// SetFeeRecipient changes the account credited with fee shares. Fees accrued
// before the change but not yet realized by an accrual go to the new
// recipient.
func (e *Engine) SetFeeRecipient(sender, recipient common.Address) error {
	return e.atomic(func() error {
		if err := e.requireOwner(sender); err != nil {
			return err
		}
		if recipient == e.st.feeRecipient {
			return ErrAlreadySet
		}
		e.st.setFeeRecipient(recipient)
		e.emit(model.Event{Kind: model.EventSetFeeRecipient, Caller: sender, Receiver: recipient})
		return nil
	})
}

// SetFee sets the share of future interest taken as protocol fee. Interest
// up to now is accrued at the old fee first.
func (e *Engine) SetFee(sender common.Address, params model.MarketParams, fee *uint256.Int) error {
	return e.atomic(func() error {
		if err := e.requireOwner(sender); err != nil {
			return err
		}
		id, err := e.requireMarket(params)
		if err != nil {
			return err
		}
		m, _ := e.st.market(id)
		if m.State.Fee.Eq(fee) {
			return ErrAlreadySet
		}
		if fee.Gt(MaxFee) {
			return fmt.Errorf("%w: %s", ErrMaxFeeExceeded, fee.Dec())
		}
		if err := e.accrue(id); err != nil {
			return err
		}
		m, _ = e.st.market(id)
		m.State.Fee = *fee
		e.st.setMarketState(id, m.State)
		e.emit(model.Event{
			Kind:    model.EventSetFee,
			Market:  id,
			Caller:  sender,
			Details: map[string]string{"fee": fee.Dec()},
		})
		return nil
	})
}
