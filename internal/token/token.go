// Package token defines the token capability consumed by the lending engine
// and a journaled in-memory token used for development and tests.
package token

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/journal"
)

var (
	// ErrInsufficientBalance is returned when a sender lacks the funds.
	ErrInsufficientBalance = errors.New("token: insufficient balance")

	// ErrInsufficientAllowance is returned when a spender was not approved
	// for the amount.
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
)

// Token is the transfer capability the engine calls. The engine never trusts
// a nil error alone: it checks the balance delta after every transfer.
type Token interface {
	BalanceOf(account common.Address) *uint256.Int
	Transfer(sender, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

type allowanceKey struct {
	owner, spender common.Address
}

// Ledger is an in-memory fungible token. Mutations are recorded in the shared
// journal so a reverted engine call also reverts the transfers it made.
type Ledger struct {
	Symbol   string
	Decimals uint8

	// FeeBps burns a share of every transfer, imitating fee-on-transfer
	// tokens. Zero for a standard token.
	FeeBps uint64

	journal    *journal.Journal
	balances   map[common.Address]uint256.Int
	allowances map[allowanceKey]uint256.Int
	supply     uint256.Int
}

// NewLedger creates an empty token recording into j.
func NewLedger(symbol string, decimals uint8, j *journal.Journal) *Ledger {
	return &Ledger{
		Symbol:     symbol,
		Decimals:   decimals,
		journal:    j,
		balances:   make(map[common.Address]uint256.Int),
		allowances: make(map[allowanceKey]uint256.Int),
	}
}

// BalanceOf returns a copy of the account balance.
func (l *Ledger) BalanceOf(account common.Address) *uint256.Int {
	bal := l.balances[account]
	return &bal
}

// TotalSupply returns the amount minted minus the amount burned.
func (l *Ledger) TotalSupply() *uint256.Int {
	s := l.supply
	return &s
}

// Allowance returns how much spender may move out of owner's balance.
func (l *Ledger) Allowance(owner, spender common.Address) *uint256.Int {
	a := l.allowances[allowanceKey{owner, spender}]
	return &a
}

// Approve sets spender's allowance over owner's balance. The maximum value
// is treated as unlimited.
func (l *Ledger) Approve(owner, spender common.Address, amount *uint256.Int) {
	l.setAllowance(allowanceKey{owner, spender}, amount)
}

// Mint credits new tokens to an account.
func (l *Ledger) Mint(to common.Address, amount *uint256.Int) {
	bal := l.balances[to]
	l.setBalance(to, new(uint256.Int).Add(&bal, amount))
	l.setSupply(new(uint256.Int).Add(&l.supply, amount))
}

// Transfer moves amount from sender to to.
func (l *Ledger) Transfer(sender, to common.Address, amount *uint256.Int) error {
	return l.move(sender, to, amount)
}

// TransferFrom moves amount from from to to on behalf of spender.
func (l *Ledger) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if spender != from {
		key := allowanceKey{from, spender}
		allowed := l.allowances[key]
		if allowed.Lt(amount) {
			return ErrInsufficientAllowance
		}
		if !allowed.Eq(new(uint256.Int).SetAllOne()) {
			l.setAllowance(key, new(uint256.Int).Sub(&allowed, amount))
		}
	}
	return l.move(from, to, amount)
}

func (l *Ledger) move(from, to common.Address, amount *uint256.Int) error {
	fromBal := l.balances[from]
	if fromBal.Lt(amount) {
		return ErrInsufficientBalance
	}
	fee := new(uint256.Int)
	if l.FeeBps > 0 {
		fee.Mul(amount, uint256.NewInt(l.FeeBps))
		fee.Div(fee, uint256.NewInt(10_000))
	}
	l.setBalance(from, new(uint256.Int).Sub(&fromBal, amount))
	toBal := l.balances[to]
	received := new(uint256.Int).Sub(amount, fee)
	l.setBalance(to, new(uint256.Int).Add(&toBal, received))
	if !fee.IsZero() {
		l.setSupply(new(uint256.Int).Sub(&l.supply, fee))
	}
	return nil
}

func (l *Ledger) setBalance(account common.Address, v *uint256.Int) {
	prev, existed := l.balances[account]
	l.balances[account] = *v
	l.record(func() {
		if existed {
			l.balances[account] = prev
		} else {
			delete(l.balances, account)
		}
	})
}

func (l *Ledger) setAllowance(key allowanceKey, v *uint256.Int) {
	prev, existed := l.allowances[key]
	l.allowances[key] = *v
	l.record(func() {
		if existed {
			l.allowances[key] = prev
		} else {
			delete(l.allowances, key)
		}
	})
}

func (l *Ledger) setSupply(v *uint256.Int) {
	prev := l.supply
	l.supply = *v
	l.record(func() { l.supply = prev })
}

func (l *Ledger) record(undo func()) {
	if l.journal != nil {
		l.journal.Record(undo)
	}
}
