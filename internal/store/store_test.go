package store

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/model"
)

var (
	owner = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	alice = common.HexToAddress("0x0000000000000000000000000000000000000a02")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000a03")
	irm   = common.HexToAddress("0x0000000000000000000000000000000000000b01")
)

func seedMarket() model.Market {
	params := model.MarketParams{
		LoanToken:            common.HexToAddress("0x01"),
		CollateralToken:      common.HexToAddress("0x02"),
		Oracle:               common.HexToAddress("0x03"),
		RateModel:            irm,
		LiquidationThreshold: *uint256.NewInt(8e17),
	}
	m := model.Market{ID: params.ID(), Params: params, CreatedAt: time.Unix(1_700_000_000, 0).UTC()}
	m.State.TotalSupplyAssets = *uint256.NewInt(1_000)
	m.State.LastUpdate = 1_700_000_000
	return m
}

func entry(id string, ev model.Event) model.LedgerEntry {
	return model.LedgerEntry{ID: id, Event: ev, Timestamp: time.Unix(1_700_000_000, 0).UTC()}
}

func TestMemoryStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := seedMarket()
	key := model.PositionKey{Market: m.ID, Account: alice}

	first := &engine.Changeset{
		Settings:   &engine.Settings{Owner: owner, FeeRecipient: owner},
		Thresholds: []uint256.Int{*uint256.NewInt(8e17)},
		RateModels: []common.Address{irm},
		Markets:    []model.Market{m},
		Positions: []engine.PositionRecord{
			{Key: key, Position: model.Position{SupplyShares: *uint256.NewInt(1_000_000)}},
		},
		Authorizations: []engine.AuthorizationRecord{{Owner: alice, Operator: bob, Authorized: true}},
		Nonces:         []engine.NonceRecord{{Account: alice, Nonce: 3}},
	}
	require.NoError(t, s.Commit(ctx, first, []model.LedgerEntry{
		entry("e1", model.Event{Kind: model.EventCreateMarket, Market: m.ID, Caller: owner}),
		entry("e2", model.Event{Kind: model.EventSupply, Market: m.ID, Caller: bob, OnBehalf: alice}),
	}))

	// A later commit re-sends an enabled threshold and updates the market.
	m.State.TotalSupplyAssets = *uint256.NewInt(2_000)
	second := &engine.Changeset{
		Thresholds:     []uint256.Int{*uint256.NewInt(8e17)},
		Markets:        []model.Market{m},
		Authorizations: []engine.AuthorizationRecord{{Owner: alice, Operator: bob}},
	}
	require.NoError(t, s.Commit(ctx, second, nil))

	c, err := s.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, c.Settings)
	assert.Equal(t, owner, c.Settings.Owner)
	assert.Len(t, c.Thresholds, 1)
	assert.Equal(t, []common.Address{irm}, c.RateModels)
	require.Len(t, c.Markets, 1)
	assert.Equal(t, uint64(2_000), c.Markets[0].State.TotalSupplyAssets.Uint64())
	require.Len(t, c.Positions, 1)
	assert.Equal(t, key, c.Positions[0].Key)
	assert.Empty(t, c.Authorizations, "revoked authorization is removed")
	assert.Equal(t, []engine.NonceRecord{{Account: alice, Nonce: 3}}, c.Nonces)
}

func TestMemoryStore_ZeroPositionIsRemoved(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := seedMarket()
	key := model.PositionKey{Market: m.ID, Account: alice}

	require.NoError(t, s.Commit(ctx, &engine.Changeset{
		Markets:   []model.Market{m},
		Positions: []engine.PositionRecord{{Key: key, Position: model.Position{Collateral: *uint256.NewInt(5)}}},
	}, nil))
	positions, err := s.GetAccountPositions(ctx, alice)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	require.NoError(t, s.Commit(ctx, &engine.Changeset{
		Positions: []engine.PositionRecord{{Key: key}},
	}, nil))
	positions, err = s.GetAccountPositions(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestMemoryStore_LedgerQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	m := seedMarket()

	require.NoError(t, s.Commit(ctx, &engine.Changeset{Markets: []model.Market{m}}, []model.LedgerEntry{
		entry("e1", model.Event{Kind: model.EventSupply, Market: m.ID, Caller: alice, OnBehalf: alice}),
		entry("e2", model.Event{Kind: model.EventBorrow, Market: m.ID, Caller: bob, OnBehalf: bob, Receiver: alice}),
		entry("e3", model.Event{Kind: model.EventSetOwner, Caller: owner, OnBehalf: bob}),
	}))

	byMarket, err := s.GetLedgerEntriesByMarket(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, byMarket, 2)

	byAlice, err := s.GetLedgerEntriesByAccount(ctx, alice)
	require.NoError(t, err)
	require.Len(t, byAlice, 2)
	assert.Equal(t, "e1", byAlice[0].ID)
	assert.Equal(t, "e2", byAlice[1].ID)

	byBob, err := s.GetLedgerEntriesByAccount(ctx, bob)
	require.NoError(t, err)
	assert.Len(t, byBob, 2)
}

func TestInvalidatedKeys(t *testing.T) {
	m := seedMarket()
	c := &engine.Changeset{
		Positions: []engine.PositionRecord{
			{Key: model.PositionKey{Market: m.ID, Account: alice}},
			{Key: model.PositionKey{Market: m.ID, Account: alice}},
		},
	}
	entries := []model.LedgerEntry{
		entry("e1", model.Event{Kind: model.EventSupply, Market: m.ID, Caller: bob, OnBehalf: alice}),
	}

	keys := invalidatedKeys(c, entries)
	assert.ElementsMatch(t, []string{
		positionsKey(alice),
		marketHistoryKey(m.ID),
		accountHistoryKey(bob),
		accountHistoryKey(alice),
	}, keys)
}

func TestNumeric(t *testing.T) {
	top := new(uint256.Int).SetAllOne()

	v, err := numeric(top.Dec())
	require.NoError(t, err)
	assert.True(t, v.Eq(top))

	v, err = numeric("0")
	require.NoError(t, err)
	assert.True(t, v.IsZero())

	for _, bad := range []string{"", "-1", "1.5", "abc", "115792089237316195423570985008687907853269984665640564039457584007913129639936"} {
		_, err := numeric(bad)
		assert.ErrorIs(t, err, ErrCorrupt, bad)
	}
}
