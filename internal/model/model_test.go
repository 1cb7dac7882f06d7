package model

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() MarketParams {
	return MarketParams{
		LoanToken:            common.HexToAddress("0x01"),
		CollateralToken:      common.HexToAddress("0x02"),
		Oracle:               common.HexToAddress("0x03"),
		RateModel:            common.HexToAddress("0x04"),
		LiquidationThreshold: *uint256.NewInt(51e16),
	}
}

func TestMarketParams_Encode(t *testing.T) {
	p := testParams()
	enc := p.Encode()
	require.Len(t, enc, 160)
	assert.Equal(t, byte(0x01), enc[31])
	assert.Equal(t, byte(0x04), enc[127])
	var threshold uint256.Int
	threshold.SetBytes(enc[128:])
	assert.Equal(t, uint64(51e16), threshold.Uint64())
}

func TestMarketParams_IDIsContentHash(t *testing.T) {
	a, b := testParams(), testParams()
	assert.Equal(t, a.ID(), b.ID())

	b.LiquidationThreshold = *uint256.NewInt(52e16)
	assert.NotEqual(t, a.ID(), b.ID())

	c := testParams()
	c.LoanToken, c.CollateralToken = c.CollateralToken, c.LoanToken
	assert.NotEqual(t, a.ID(), c.ID())
}

func TestMarketID_TextRoundTrip(t *testing.T) {
	p := testParams()
	id := p.ID()

	text, err := id.MarshalText()
	require.NoError(t, err)

	var parsed MarketID
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, id, parsed)

	_, err = ParseMarketID("0x1234")
	assert.ErrorIs(t, err, ErrInvalidMarketID)
	_, err = ParseMarketID("zz")
	assert.ErrorIs(t, err, ErrInvalidMarketID)
}

func TestEnableSet(t *testing.T) {
	s := NewEnableSet[common.Address]()
	a, b := common.HexToAddress("0xa"), common.HexToAddress("0xb")

	assert.True(t, s.Add(a))
	assert.False(t, s.Add(a))
	mark := s.Len()
	assert.True(t, s.Add(b))
	assert.Equal(t, []common.Address{a, b}, s.Members())

	s.Truncate(mark)
	assert.True(t, s.Has(a))
	assert.False(t, s.Has(b))
	assert.Equal(t, 1, s.Len())
}

func TestPosition_IsZero(t *testing.T) {
	var p Position
	assert.True(t, p.IsZero())
	p.Collateral.SetUint64(1)
	assert.False(t, p.IsZero())
}
