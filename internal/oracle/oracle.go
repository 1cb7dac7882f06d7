// Package oracle defines the price capability consumed by the lending engine.
package oracle

import (
	"errors"
	"sync"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/fixedpoint"
)

// ErrNoPrice is returned by an oracle that has not been given a price.
var ErrNoPrice = errors.New("oracle: price not set")

// PriceScale is the fixed exponent of oracle prices: the amount of loan token
// base units one collateral base unit is worth, times 1e36. Token decimal
// differences are absorbed in the price itself.
var PriceScale = new(uint256.Int).Mul(uint256.NewInt(1e18), uint256.NewInt(1e18))

// Oracle quotes the collateral token in loan token units, scaled by
// PriceScale. The engine calls it on every health check and never caches the
// result.
type Oracle interface {
	Price() (*uint256.Int, error)
}

// Static is an oracle whose price is pushed by an operator.
type Static struct {
	mu    sync.RWMutex
	price *uint256.Int
}

// NewStatic returns an oracle quoting price (already scaled by PriceScale).
func NewStatic(price *uint256.Int) *Static {
	s := &Static{}
	if price != nil {
		s.price = fixedpoint.Clone(price)
	}
	return s
}

// Price implements Oracle.
func (s *Static) Price() (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.price == nil {
		return nil, ErrNoPrice
	}
	return fixedpoint.Clone(s.price), nil
}

// SetPrice replaces the quoted price.
func (s *Static) SetPrice(price *uint256.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = fixedpoint.Clone(price)
}

// Scale converts a human price such as "0.1" into its PriceScale form.
func Scale(price decimal.Decimal) (*uint256.Int, error) {
	return fixedpoint.FromDecimal(price.Shift(36).Truncate(0))
}

// Unscale renders a scaled price back into a decimal.
func Unscale(price *uint256.Int) decimal.Decimal {
	return fixedpoint.ToDecimal(price, -36)
}
