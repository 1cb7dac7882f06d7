// Package irm defines the interest-rate-model capability consumed by the
// lending engine and two models: a fixed rate and a kinked utilisation curve.
package irm

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
)

// SecondsPerYear converts annual rates to per-second rates.
const SecondsPerYear = 365 * 24 * 60 * 60

// ErrInvalidKink is returned when the kink is not a fraction of one.
var ErrInvalidKink = errors.New("irm: kink must be at most 1")

// RateModel returns the per-second, WAD-scaled borrow rate for a market. It
// must be a pure function of the parameters and state it is handed.
type RateModel interface {
	BorrowRate(params model.MarketParams, state model.MarketState) (*uint256.Int, error)
}

// Utilization returns totalBorrow / totalSupply as a WAD fraction. An empty
// market has zero utilisation.
func Utilization(state model.MarketState) *uint256.Int {
	if state.TotalSupplyAssets.IsZero() {
		return fixedpoint.Zero()
	}
	return fixedpoint.WDivDown(&state.TotalBorrowAssets, &state.TotalSupplyAssets)
}

// Fixed charges the same per-second rate regardless of utilisation.
type Fixed struct {
	rate uint256.Int
}

// NewFixed returns a model charging ratePerSecond (WAD).
func NewFixed(ratePerSecond *uint256.Int) *Fixed {
	return &Fixed{rate: *ratePerSecond}
}

// NewFixedAPR returns a model charging apr (WAD) spread evenly over a year.
func NewFixedAPR(apr *uint256.Int) *Fixed {
	return NewFixed(new(uint256.Int).Div(apr, uint256.NewInt(SecondsPerYear)))
}

// BorrowRate implements RateModel.
func (f *Fixed) BorrowRate(model.MarketParams, model.MarketState) (*uint256.Int, error) {
	return fixedpoint.Clone(&f.rate), nil
}

// Kinked is the two-slope utilisation curve. Below Kink the APR grows by
// Slope1 per unit of utilisation; above it, by Slope2. All fields are WAD.
type Kinked struct {
	BaseRate uint256.Int
	Slope1   uint256.Int
	Slope2   uint256.Int
	Kink     uint256.Int
}

// NewKinked parses the curve from decimal strings such as "0.02".
func NewKinked(baseRate, slope1, slope2, kink string) (*Kinked, error) {
	var k Kinked
	for _, f := range []struct {
		dst *uint256.Int
		src string
	}{
		{&k.BaseRate, baseRate},
		{&k.Slope1, slope1},
		{&k.Slope2, slope2},
		{&k.Kink, kink},
	} {
		v, err := fixedpoint.ParseWad(f.src)
		if err != nil {
			return nil, fmt.Errorf("irm: parse %q: %w", f.src, err)
		}
		f.dst.Set(v)
	}
	if k.Kink.Gt(fixedpoint.WAD) {
		return nil, ErrInvalidKink
	}
	return &k, nil
}

// BorrowAPR returns the annual borrow rate at the given utilisation.
func (k *Kinked) BorrowAPR(utilization *uint256.Int) *uint256.Int {
	rate := fixedpoint.Clone(&k.BaseRate)
	if utilization.IsZero() {
		return rate
	}
	if !utilization.Gt(&k.Kink) {
		return fixedpoint.Add(rate, fixedpoint.WMulDown(&k.Slope1, utilization))
	}
	rate = fixedpoint.Add(rate, fixedpoint.WMulDown(&k.Slope1, &k.Kink))
	excess := fixedpoint.Sub(utilization, &k.Kink)
	return fixedpoint.Add(rate, fixedpoint.WMulDown(&k.Slope2, excess))
}

// BorrowRate implements RateModel.
func (k *Kinked) BorrowRate(_ model.MarketParams, state model.MarketState) (rate *uint256.Int, err error) {
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(*fixedpoint.Error)
			if !ok {
				panic(r)
			}
			rate, err = nil, fe
		}
	}()
	apr := k.BorrowAPR(Utilization(state))
	return new(uint256.Int).Div(apr, uint256.NewInt(SecondsPerYear)), nil
}
