// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/model"
)

// ErrCorrupt is returned when a persisted value cannot be decoded.
var ErrCorrupt = errors.New("store: corrupt record")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Engine state ---

	// Load returns every persisted record as one changeset, ready for
	// engine.Restore. Thresholds, rate models and markets come back in the
	// order they were first committed.
	Load(ctx context.Context) (*engine.Changeset, error)

	// Commit persists a drained changeset and the ledger entries for its
	// events, all or nothing. Zero positions and revoked authorizations are
	// removed.
	Commit(ctx context.Context, c *engine.Changeset, entries []model.LedgerEntry) error

	// --- Queries ---

	// GetAccountPositions returns the account's non-empty positions across
	// all markets.
	GetAccountPositions(ctx context.Context, account common.Address) ([]engine.PositionRecord, error)

	// --- Immutable ledger ---

	// GetLedgerEntriesByMarket returns all events recorded for a market.
	GetLedgerEntriesByMarket(ctx context.Context, id model.MarketID) ([]model.LedgerEntry, error)

	// GetLedgerEntriesByAccount returns all events where the account was the
	// caller, the owner acted for, or the receiver.
	GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error)
}

// involves reports whether the account took part in the event.
func involves(e *model.Event, account common.Address) bool {
	return e.Caller == account || e.OnBehalf == account || e.Receiver == account
}
