package engine

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/journal"
	"github.com/atmx/lending-engine/internal/model"
)

type authKey struct {
	owner, operator common.Address
}

// state holds everything the engine owns. Every setter records its inverse
// in the journal and marks the touched record dirty. Dirty sets may contain
// records a reverted call touched; draining re-reads current values, so a
// superset is harmless.
type state struct {
	j *journal.Journal

	owner        common.Address
	feeRecipient common.Address

	thresholds *model.EnableSet[uint256.Int]
	rateModels *model.EnableSet[common.Address]

	markets   map[model.MarketID]model.Market
	order     []model.MarketID
	positions map[model.PositionKey]model.Position

	authorized map[authKey]bool
	nonces     map[common.Address]uint64

	events []model.Event

	dirtySettings   bool
	dirtyThresholds map[uint256.Int]struct{}
	dirtyRateModels map[common.Address]struct{}
	dirtyMarkets    map[model.MarketID]struct{}
	dirtyPositions  map[model.PositionKey]struct{}
	dirtyAuth       map[authKey]struct{}
	dirtyNonces     map[common.Address]struct{}
}

func newState(j *journal.Journal) *state {
	s := &state{
		j:          j,
		thresholds: model.NewEnableSet[uint256.Int](),
		rateModels: model.NewEnableSet[common.Address](),
		markets:    make(map[model.MarketID]model.Market),
		positions:  make(map[model.PositionKey]model.Position),
		authorized: make(map[authKey]bool),
		nonces:     make(map[common.Address]uint64),
	}
	s.resetDirty()
	return s
}

func (s *state) resetDirty() {
	s.dirtySettings = false
	s.dirtyThresholds = make(map[uint256.Int]struct{})
	s.dirtyRateModels = make(map[common.Address]struct{})
	s.dirtyMarkets = make(map[model.MarketID]struct{})
	s.dirtyPositions = make(map[model.PositionKey]struct{})
	s.dirtyAuth = make(map[authKey]struct{})
	s.dirtyNonces = make(map[common.Address]struct{})
}

func (s *state) market(id model.MarketID) (model.Market, bool) {
	m, ok := s.markets[id]
	return m, ok
}

func (s *state) position(id model.MarketID, account common.Address) model.Position {
	return s.positions[model.PositionKey{Market: id, Account: account}]
}

func (s *state) setOwner(owner common.Address) {
	prev := s.owner
	s.owner = owner
	s.dirtySettings = true
	s.j.Record(func() { s.owner = prev })
}

func (s *state) setFeeRecipient(r common.Address) {
	prev := s.feeRecipient
	s.feeRecipient = r
	s.dirtySettings = true
	s.j.Record(func() { s.feeRecipient = prev })
}

func (s *state) enableThreshold(v uint256.Int) bool {
	n := s.thresholds.Len()
	if !s.thresholds.Add(v) {
		return false
	}
	s.dirtyThresholds[v] = struct{}{}
	s.j.Record(func() { s.thresholds.Truncate(n) })
	return true
}

func (s *state) enableRateModel(addr common.Address) bool {
	n := s.rateModels.Len()
	if !s.rateModels.Add(addr) {
		return false
	}
	s.dirtyRateModels[addr] = struct{}{}
	s.j.Record(func() { s.rateModels.Truncate(n) })
	return true
}

// createMarket stores a brand-new market and appends it to the creation order.
func (s *state) createMarket(m model.Market) {
	n := len(s.order)
	s.order = append(s.order, m.ID)
	s.j.Record(func() { s.order = s.order[:n] })
	s.setMarket(m)
}

func (s *state) setMarket(m model.Market) {
	prev, existed := s.markets[m.ID]
	s.markets[m.ID] = m
	s.dirtyMarkets[m.ID] = struct{}{}
	s.j.Record(func() {
		if existed {
			s.markets[m.ID] = prev
		} else {
			delete(s.markets, m.ID)
		}
	})
}

func (s *state) setMarketState(id model.MarketID, st model.MarketState) {
	m := s.markets[id]
	m.State = st
	s.setMarket(m)
}

func (s *state) setPosition(id model.MarketID, account common.Address, p model.Position) {
	key := model.PositionKey{Market: id, Account: account}
	prev, existed := s.positions[key]
	if p.IsZero() {
		delete(s.positions, key)
	} else {
		s.positions[key] = p
	}
	s.dirtyPositions[key] = struct{}{}
	s.j.Record(func() {
		if existed {
			s.positions[key] = prev
		} else {
			delete(s.positions, key)
		}
	})
}

func (s *state) setAuthorized(owner, operator common.Address, v bool) {
	key := authKey{owner, operator}
	prev, existed := s.authorized[key]
	if v {
		s.authorized[key] = true
	} else {
		delete(s.authorized, key)
	}
	s.dirtyAuth[key] = struct{}{}
	s.j.Record(func() {
		if existed {
			s.authorized[key] = prev
		} else {
			delete(s.authorized, key)
		}
	})
}

func (s *state) setNonce(account common.Address, n uint64) {
	prev := s.nonces[account]
	s.nonces[account] = n
	s.dirtyNonces[account] = struct{}{}
	s.j.Record(func() { s.nonces[account] = prev })
}

func (s *state) emit(ev model.Event) {
	n := len(s.events)
	s.events = append(s.events, ev)
	s.j.Record(func() { s.events = s.events[:n] })
}
