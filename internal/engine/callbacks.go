package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/host"
	"github.com/atmx/lending-engine/internal/token"
)

// SupplyCallback is invoked on the supplier, after its position is credited
// and before its tokens are pulled, when Supply is given data.
type SupplyCallback interface {
	OnSupply(assets *uint256.Int, data []byte) error
}

// SupplyCollateralCallback is the SupplyCollateral counterpart of
// SupplyCallback.
type SupplyCollateralCallback interface {
	OnSupplyCollateral(assets *uint256.Int, data []byte) error
}

// RepayCallback is invoked on the repayer before its tokens are pulled.
type RepayCallback interface {
	OnRepay(assets *uint256.Int, data []byte) error
}

// LiquidateCallback is invoked on the liquidator after it received the
// seized collateral and before the repaid assets are pulled.
type LiquidateCallback interface {
	OnLiquidate(repaidAssets *uint256.Int, data []byte) error
}

// FlashLoanCallback receives a flash loan and must approve the engine to
// pull the same amount back before returning.
type FlashLoanCallback interface {
	OnFlashLoan(assets *uint256.Int, data []byte) error
}

// callback resolves the T bound at the sender's address and runs fn on it.
func callback[T any](e *Engine, sender common.Address, fn func(T) error) error {
	cb, err := host.Resolve[T](e.dir, sender)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCallback, err)
	}
	if err := fn(cb); err != nil {
		return fmt.Errorf("%w: %w", ErrCallback, err)
	}
	return nil
}

func (e *Engine) token(addr common.Address) (token.Token, error) {
	t, err := host.Resolve[token.Token](e.dir, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return t, nil
}

// pull moves amount of a token from an account into the engine and checks
// that the engine's balance grew by at least that much.
func (e *Engine) pull(tokenAddr, from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	t, err := e.token(tokenAddr)
	if err != nil {
		return err
	}
	self := e.cfg.Address
	before := t.BalanceOf(self)
	if err := t.TransferFrom(self, from, self, amount); err != nil {
		return fmt.Errorf("%w: pull %s from %s: %w", ErrTransferFailed, amount.Dec(), from.Hex(), err)
	}
	after := t.BalanceOf(self)
	received, underflow := new(uint256.Int).SubOverflow(after, before)
	if underflow || received.Lt(amount) {
		return fmt.Errorf("%w: pull %s from %s: balance moved by %s", ErrTransferFailed, amount.Dec(), from.Hex(), received.Dec())
	}
	return nil
}

// push sends amount of a token from the engine and checks that the engine's
// balance fell by exactly that much.
func (e *Engine) push(tokenAddr, to common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	t, err := e.token(tokenAddr)
	if err != nil {
		return err
	}
	self := e.cfg.Address
	before := t.BalanceOf(self)
	if err := t.Transfer(self, to, amount); err != nil {
		return fmt.Errorf("%w: send %s to %s: %w", ErrTransferFailed, amount.Dec(), to.Hex(), err)
	}
	after := t.BalanceOf(self)
	sent, underflow := new(uint256.Int).SubOverflow(before, after)
	if underflow || !sent.Eq(amount) {
		return fmt.Errorf("%w: send %s to %s: balance moved by %s", ErrTransferFailed, amount.Dec(), to.Hex(), sent.Dec())
	}
	return nil
}
