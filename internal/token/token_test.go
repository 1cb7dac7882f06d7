package token

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/journal"
)

var (
	alice = common.HexToAddress("0xa11ce")
	bob   = common.HexToAddress("0xb0b")
)

func u(v uint64) *uint256.Int { return uint256.NewInt(v) }

func TestLedger_Transfer(t *testing.T) {
	l := NewLedger("DAI", 18, journal.New())
	l.Mint(alice, u(100))

	require.NoError(t, l.Transfer(alice, bob, u(40)))
	assert.Equal(t, uint64(60), l.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(40), l.BalanceOf(bob).Uint64())

	assert.ErrorIs(t, l.Transfer(alice, bob, u(61)), ErrInsufficientBalance)
}

func TestLedger_TransferFromNeedsAllowance(t *testing.T) {
	l := NewLedger("DAI", 18, journal.New())
	l.Mint(alice, u(100))

	assert.ErrorIs(t, l.TransferFrom(bob, alice, bob, u(1)), ErrInsufficientAllowance)

	l.Approve(alice, bob, u(30))
	require.NoError(t, l.TransferFrom(bob, alice, bob, u(20)))
	assert.Equal(t, uint64(10), l.Allowance(alice, bob).Uint64())

	l.Approve(alice, bob, new(uint256.Int).SetAllOne())
	require.NoError(t, l.TransferFrom(bob, alice, bob, u(50)))
	assert.True(t, l.Allowance(alice, bob).Eq(new(uint256.Int).SetAllOne()))
}

func TestLedger_RevertRestoresBalances(t *testing.T) {
	j := journal.New()
	l := NewLedger("DAI", 18, j)
	l.Mint(alice, u(100))
	j.Commit()

	snap := j.Snapshot()
	require.NoError(t, l.Transfer(alice, bob, u(70)))
	l.Mint(bob, u(5))
	j.RevertTo(snap)

	assert.Equal(t, uint64(100), l.BalanceOf(alice).Uint64())
	assert.True(t, l.BalanceOf(bob).IsZero())
	assert.Equal(t, uint64(100), l.TotalSupply().Uint64())
}

func TestLedger_FeeOnTransfer(t *testing.T) {
	l := NewLedger("FOT", 18, journal.New())
	l.FeeBps = 100
	l.Mint(alice, u(10_000))

	require.NoError(t, l.Transfer(alice, bob, u(1_000)))
	assert.Equal(t, uint64(990), l.BalanceOf(bob).Uint64())
	assert.Equal(t, uint64(9_990), l.TotalSupply().Uint64())
}
