package store

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu         sync.RWMutex
	settings   *engine.Settings
	thresholds []uint256.Int
	rateModels []common.Address
	markets    map[model.MarketID]model.Market
	order      []model.MarketID
	positions  map[model.PositionKey]model.Position
	auth       map[[2]common.Address]bool
	nonces     map[common.Address]uint64
	ledger     []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[model.MarketID]model.Market),
		positions: make(map[model.PositionKey]model.Position),
		auth:      make(map[[2]common.Address]bool),
		nonces:    make(map[common.Address]uint64),
	}
}

func (s *MemoryStore) Load(_ context.Context) (*engine.Changeset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &engine.Changeset{
		Thresholds: append([]uint256.Int(nil), s.thresholds...),
		RateModels: append([]common.Address(nil), s.rateModels...),
	}
	if s.settings != nil {
		settings := *s.settings
		c.Settings = &settings
	}
	for _, id := range s.order {
		c.Markets = append(c.Markets, s.markets[id])
	}
	for key, p := range s.positions {
		c.Positions = append(c.Positions, engine.PositionRecord{Key: key, Position: p})
	}
	sortPositions(c.Positions)
	for key := range s.auth {
		c.Authorizations = append(c.Authorizations, engine.AuthorizationRecord{
			Owner: key[0], Operator: key[1], Authorized: true,
		})
	}
	for account, n := range s.nonces {
		c.Nonces = append(c.Nonces, engine.NonceRecord{Account: account, Nonce: n})
	}
	return c, nil
}

func (s *MemoryStore) Commit(_ context.Context, c *engine.Changeset, entries []model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Settings != nil {
		settings := *c.Settings
		s.settings = &settings
	}
	for _, v := range c.Thresholds {
		if !containsThreshold(s.thresholds, &v) {
			s.thresholds = append(s.thresholds, v)
		}
	}
	for _, a := range c.RateModels {
		if !containsAddress(s.rateModels, a) {
			s.rateModels = append(s.rateModels, a)
		}
	}
	for _, m := range c.Markets {
		if _, ok := s.markets[m.ID]; !ok {
			s.order = append(s.order, m.ID)
		}
		s.markets[m.ID] = m
	}
	for _, p := range c.Positions {
		if p.Position.IsZero() {
			delete(s.positions, p.Key)
			continue
		}
		s.positions[p.Key] = p.Position
	}
	for _, a := range c.Authorizations {
		key := [2]common.Address{a.Owner, a.Operator}
		if a.Authorized {
			s.auth[key] = true
		} else {
			delete(s.auth, key)
		}
	}
	for _, n := range c.Nonces {
		s.nonces[n.Account] = n.Nonce
	}
	s.ledger = append(s.ledger, entries...)
	return nil
}

func (s *MemoryStore) GetAccountPositions(_ context.Context, account common.Address) ([]engine.PositionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []engine.PositionRecord
	for key, p := range s.positions {
		if key.Account == account {
			result = append(result, engine.PositionRecord{Key: key, Position: p})
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByMarket(_ context.Context, id model.MarketID) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.Event.Market == id {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, account common.Address) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if involves(&e.Event, account) {
			result = append(result, e)
		}
	}
	return result, nil
}

func sortPositions(ps []engine.PositionRecord) {
	sort.Slice(ps, func(i, j int) bool {
		a, b := ps[i].Key, ps[j].Key
		if a.Market != b.Market {
			return bytes.Compare(a.Market[:], b.Market[:]) < 0
		}
		return bytes.Compare(a.Account[:], b.Account[:]) < 0
	})
}

func containsThreshold(vs []uint256.Int, v *uint256.Int) bool {
	for i := range vs {
		if vs[i].Eq(v) {
			return true
		}
	}
	return false
}

func containsAddress(as []common.Address, a common.Address) bool {
	for _, x := range as {
		if x == a {
			return true
		}
	}
	return false
}
