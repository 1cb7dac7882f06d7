package engine

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fp "github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
)

func TestLiquidationIncentiveFactor(t *testing.T) {
	tests := []struct {
		threshold string
		want      *uint256.Int
	}{
		{"0.51", wad("1.15")},
		{"0.5", wad("1.15")},
		{"0.8", uint256.MustFromDecimal("1063829787234042553")},
		{"0.9", uint256.MustFromDecimal("1030927835051546391")},
		{"0.98", uint256.MustFromDecimal("1006036217303822937")},
	}
	for _, tt := range tests {
		t.Run(tt.threshold, func(t *testing.T) {
			got := LiquidationIncentiveFactor(wad(tt.threshold))
			assert.Equal(t, tt.want.Dec(), got.Dec())
		})
	}
}

func TestLiquidate_HealthyPositionRejected(t *testing.T) {
	te := newTestEnv(t)
	te.seedBorrow(t)
	te.fund(te.loan, carol, units(1000))

	_, err := te.eng.Liquidate(carol, te.params, bob, nil, uint256.NewInt(1), nil)
	assert.ErrorIs(t, err, ErrHealthyPosition)
	_, err = te.eng.Liquidate(carol, te.params, alice, units(1), nil, nil)
	assert.ErrorIs(t, err, ErrHealthyPosition)
	_, err = te.eng.Liquidate(carol, te.params, bob, units(1), uint256.NewInt(1), nil)
	assert.ErrorIs(t, err, ErrInconsistentInput)
}

func TestLiquidate_Partial(t *testing.T) {
	te := newTestEnv(t)
	te.seedBorrow(t)
	te.fund(te.loan, carol, units(1000))
	// 2000 * 0.4 * 0.51 = 408 < 500.
	te.setPrice("0.4")

	ok, err := te.eng.IsHealthy(te.params, bob)
	require.NoError(t, err)
	require.False(t, ok)

	fifth := new(uint256.Int).Div(&ref(te.eng.Position(te.id, bob)).BorrowShares, uint256.NewInt(5))
	liq, err := te.eng.Liquidate(carol, te.params, bob, nil, fifth, nil)
	require.NoError(t, err)

	// 100 repaid * 1.15 / 0.4 = 287.5 collateral.
	assert.Equal(t, units(100).Dec(), liq.RepaidAssets.Dec())
	assert.Equal(t, "287500000000000000000", liq.SeizedAssets.Dec())
	assert.True(t, liq.BadDebtAssets.IsZero())

	pos := te.eng.Position(te.id, bob)
	assert.Equal(t, "1712500000000000000000", pos.Collateral.Dec())
	assert.True(t, pos.BorrowShares.Eq(new(uint256.Int).Mul(fifth, uint256.NewInt(4))))
	assert.True(t, ref(te.market(t)).State.TotalBorrowAssets.Eq(units(400)))
	assert.Equal(t, "287500000000000000000", te.coll.BalanceOf(carol).Dec())
	assert.True(t, te.loan.BalanceOf(carol).Eq(units(900)))

	events := te.eng.Drain().Events
	last := events[len(events)-1]
	assert.Equal(t, model.EventLiquidate, last.Kind)
	assert.Equal(t, "287500000000000000000", last.Details["seized_assets"])
}

func TestLiquidate_BySeizedAssets(t *testing.T) {
	te := newTestEnv(t)
	te.seedBorrow(t)
	te.fund(te.loan, carol, units(1000))
	te.setPrice("0.4")

	liq, err := te.eng.Liquidate(carol, te.params, bob, wad("287.5"), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "287500000000000000000", liq.SeizedAssets.Dec())
	// Rounded up against the liquidator.
	assert.False(t, liq.RepaidAssets.Lt(units(100)))
	assert.True(t, liq.RepaidAssets.Lt(fp.Add(units(100), uint256.NewInt(3))))
}

// The worked example: threshold 0.51, alice supplies 1000, bob borrows 500
// against 2000 collateral, the price drops to 0.1 and carol repays 250.
func TestLiquidate_ThresholdScenario(t *testing.T) {
	te := newTestEnv(t)
	te.seedBorrow(t)
	te.fund(te.loan, carol, units(1000))

	ok, err := te.eng.IsHealthy(te.params, bob)
	require.NoError(t, err)
	require.True(t, ok, "500 <= 2000 * 1 * 0.51")

	te.setPrice("0.1")
	ok, err = te.eng.IsHealthy(te.params, bob)
	require.NoError(t, err)
	require.False(t, ok, "500 > 2000 * 0.1 * 0.51")

	half := new(uint256.Int).Div(&ref(te.eng.Position(te.id, bob)).BorrowShares, uint256.NewInt(2))
	liq, err := te.eng.Liquidate(carol, te.params, bob, nil, half, nil)
	require.NoError(t, err)

	// 250 * 1.15 / 0.1 = 2875 is capped at the 2000 bob holds, and the
	// repayment shrinks to what 2000 collateral pays for: 200 / 1.15.
	assert.True(t, liq.SeizedAssets.Eq(units(2000)))
	assert.False(t, liq.RepaidAssets.Lt(uint256.MustFromDecimal("173913043478260869565")))
	assert.True(t, liq.RepaidAssets.Lt(uint256.MustFromDecimal("173913043478260869570")))
	assert.True(t, liq.RepaidShares.Lt(half))

	// Nothing backs the rest of bob's debt: it is written off.
	pos := te.eng.Position(te.id, bob)
	assert.True(t, pos.IsZero())
	wantBad := fp.Sub(units(500), liq.RepaidAssets)
	assert.Equal(t, wantBad.Dec(), liq.BadDebtAssets.Dec())

	st := te.market(t).State
	assert.True(t, st.TotalBorrowAssets.IsZero())
	assert.True(t, st.TotalBorrowShares.IsZero())
	assert.True(t, st.TotalSupplyAssets.Eq(fp.Sub(units(1000), wantBad)))
	assert.True(t, te.coll.BalanceOf(carol).Eq(units(2000)))

	// Alice bears the loss and can still exit with what is left.
	held := te.eng.Position(te.id, alice).SupplyShares
	out, _, err := te.eng.Withdraw(alice, te.params, nil, &held, alice, alice)
	require.NoError(t, err)
	assert.False(t, out.Gt(&st.TotalSupplyAssets))
	assert.False(t, te.loan.BalanceOf(engineAddr).Lt(fp.Sub(&st.TotalSupplyAssets, out)))
}

func TestLiquidate_DeferredBadDebt(t *testing.T) {
	te := newTestEnv(t, withBadDebtPolicy(DeferBadDebt))
	te.seedBorrow(t)
	te.fund(te.loan, carol, units(1000))
	te.setPrice("0.1")

	liq, err := te.eng.Liquidate(carol, te.params, bob, units(2000), nil, nil)
	require.NoError(t, err)
	require.False(t, liq.BadDebtAssets.IsZero())

	st := te.market(t).State
	assert.True(t, st.TotalSupplyAssets.Eq(units(1000)))
	assert.True(t, st.BadDebt.Eq(liq.BadDebtAssets))

	// The buffer is owed, so alice cannot take it out.
	_, _, err = te.eng.Withdraw(alice, te.params, units(700), nil, alice, alice)
	assert.ErrorIs(t, err, ErrInsufficientLiquidity)

	assert.ErrorIs(t, te.eng.CoverBadDebt(carol, te.params, fp.Add(liq.BadDebtAssets, uint256.NewInt(1))), ErrUnderflow)
	require.NoError(t, te.eng.CoverBadDebt(carol, te.params, liq.BadDebtAssets))
	assert.True(t, ref(te.market(t)).State.BadDebt.IsZero())

	_, _, err = te.eng.Withdraw(alice, te.params, units(1000), nil, alice, alice)
	require.NoError(t, err)
}

type liquidator struct {
	te     *testEnv
	sawCol *uint256.Int
}

func (l *liquidator) OnLiquidate(repaid *uint256.Int, data []byte) error {
	l.sawCol = l.te.coll.BalanceOf(carol)
	l.te.fund(l.te.loan, carol, repaid)
	return nil
}

func TestLiquidate_CallbackSeesCollateralFirst(t *testing.T) {
	te := newTestEnv(t)
	te.seedBorrow(t)
	te.setPrice("0.4")
	cb := &liquidator{te: te}
	te.dir.Bind(carol, cb)

	liq, err := te.eng.Liquidate(carol, te.params, bob, wad("100"), nil, []byte("swap"))
	require.NoError(t, err)
	assert.True(t, cb.sawCol.Eq(liq.SeizedAssets))
	assert.True(t, te.loan.BalanceOf(carol).IsZero())
}

func TestLiquidate_UnpaidRevertsSeizure(t *testing.T) {
	te := newTestEnv(t)
	te.seedBorrow(t)
	te.setPrice("0.4")
	before := te.eng.Position(te.id, bob)

	_, err := te.eng.Liquidate(carol, te.params, bob, wad("100"), nil, nil)
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, before, te.eng.Position(te.id, bob))
	assert.True(t, te.coll.BalanceOf(carol).IsZero())
}
