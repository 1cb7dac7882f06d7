package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	fp "github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
)

// FlashLoan lends assets of any token the engine holds to the sender for
// the duration of its FlashLoanCallback. The callback must leave the engine
// approved to pull the same amount back; otherwise the call fails and the
// loan is reverted with everything else. No fee is charged.
func (e *Engine) FlashLoan(sender, tokenAddr common.Address, assets *uint256.Int, data []byte) error {
	assets = fp.Clone(assets)
	return e.atomic(func() error {
		if assets.IsZero() {
			return ErrZeroAssets
		}
		e.emit(model.Event{
			Kind: model.EventFlashLoan, Caller: sender, Receiver: sender, Assets: *assets,
			Details: map[string]string{"token": tokenAddr.Hex()},
		})
		if err := e.push(tokenAddr, sender, assets); err != nil {
			return err
		}
		err := callback(e, sender, func(cb FlashLoanCallback) error {
			return cb.OnFlashLoan(fp.Clone(assets), data)
		})
		if err != nil {
			return err
		}
		return e.pull(tokenAddr, sender, assets)
	})
}
