package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, c *engine.Changeset, entries []model.LedgerEntry) error {
	if err := s.primary.Commit(ctx, c, entries); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	if keys := invalidatedKeys(c, entries); len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccountPositions(ctx context.Context, account common.Address) ([]engine.PositionRecord, error) {
	var positions []engine.PositionRecord
	if s.cached(ctx, positionsKey(account), &positions) {
		return positions, nil
	}

	positions, err := s.primary.GetAccountPositions(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(account), positions)
	return positions, nil
}

func (s *CachedStore) GetLedgerEntriesByMarket(ctx context.Context, id model.MarketID) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	if s.cached(ctx, marketHistoryKey(id), &entries) {
		return entries, nil
	}

	entries, err := s.primary.GetLedgerEntriesByMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketHistoryKey(id), entries)
	return entries, nil
}

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	if s.cached(ctx, accountHistoryKey(account), &entries) {
		return entries, nil
	}

	entries, err := s.primary.GetLedgerEntriesByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, accountHistoryKey(account), entries)
	return entries, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Load(ctx context.Context) (*engine.Changeset, error) {
	return s.primary.Load(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// invalidatedKeys lists every cache key a commit can make stale.
func invalidatedKeys(c *engine.Changeset, entries []model.LedgerEntry) []string {
	seen := make(map[string]struct{})
	var keys []string
	add := func(k string) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for _, p := range c.Positions {
		add(positionsKey(p.Key.Account))
	}
	for i := range entries {
		ev := &entries[i].Event
		if !ev.Market.IsZero() {
			add(marketHistoryKey(ev.Market))
		}
		for _, a := range []common.Address{ev.Caller, ev.OnBehalf, ev.Receiver} {
			if a != (common.Address{}) {
				add(accountHistoryKey(a))
			}
		}
	}
	return keys
}

func positionsKey(a common.Address) string      { return fmt.Sprintf("positions:%s", a.Hex()) }
func marketHistoryKey(id model.MarketID) string { return fmt.Sprintf("history:market:%s", id) }
func accountHistoryKey(a common.Address) string { return fmt.Sprintf("history:account:%s", a.Hex()) }
