package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// EventKind names a state change emitted by the engine.
type EventKind string

const (
	EventEnableThreshold    EventKind = "enable_threshold"
	EventEnableRateModel    EventKind = "enable_rate_model"
	EventCreateMarket       EventKind = "create_market"
	EventSetOwner           EventKind = "set_owner"
	EventSetFee             EventKind = "set_fee"
	EventSetFeeRecipient    EventKind = "set_fee_recipient"
	EventSetAuthorization   EventKind = "set_authorization"
	EventIncrementNonce     EventKind = "increment_nonce"
	EventAccrueInterest     EventKind = "accrue_interest"
	EventSupply             EventKind = "supply"
	EventWithdraw           EventKind = "withdraw"
	EventBorrow             EventKind = "borrow"
	EventRepay              EventKind = "repay"
	EventSupplyCollateral   EventKind = "supply_collateral"
	EventWithdrawCollateral EventKind = "withdraw_collateral"
	EventLiquidate          EventKind = "liquidate"
	EventFlashLoan          EventKind = "flash_loan"
	EventCoverBadDebt       EventKind = "cover_bad_debt"
)

// Event records one state change. Assets and Shares carry the primary
// amounts; anything else specific to the kind goes in Details.
type Event struct {
	Kind     EventKind         `json:"kind"`
	Market   MarketID          `json:"market_id"`
	Caller   common.Address    `json:"caller"`
	OnBehalf common.Address    `json:"on_behalf"`
	Receiver common.Address    `json:"receiver"`
	Assets   uint256.Int       `json:"assets"`
	Shares   uint256.Int       `json:"shares"`
	Details  map[string]string `json:"details,omitempty"`
}

// LedgerEntry is an immutable, persisted record of an event.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string    `json:"id"`
	Event     Event     `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}
