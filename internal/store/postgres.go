package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC(78, 0) so every uint256 fits exactly.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates any missing tables and indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) (*engine.Changeset, error) {
	c := &engine.Changeset{}

	var owner, feeRecipient string
	err := s.pool.QueryRow(ctx,
		`SELECT owner, fee_recipient FROM engine_settings WHERE id = 1`).
		Scan(&owner, &feeRecipient)
	switch {
	case err == nil:
		c.Settings = &engine.Settings{
			Owner:        common.HexToAddress(owner),
			FeeRecipient: common.HexToAddress(feeRecipient),
		}
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("load settings: %w", err)
	}

	if err := s.loadThresholds(ctx, c); err != nil {
		return nil, err
	}
	if err := s.loadRateModels(ctx, c); err != nil {
		return nil, err
	}
	if err := s.loadMarkets(ctx, c); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT market_id, account, supply_shares::TEXT, borrow_shares::TEXT, collateral::TEXT
		 FROM positions ORDER BY market_id, account`)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}
	defer rows.Close()
	if c.Positions, err = scanPositions(rows); err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	if err := s.loadAuthorizations(ctx, c); err != nil {
		return nil, err
	}
	if err := s.loadNonces(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) loadThresholds(ctx context.Context, c *engine.Changeset) error {
	rows, err := s.pool.Query(ctx, `SELECT value::TEXT FROM enabled_thresholds ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("load thresholds: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		v, err := numeric(raw)
		if err != nil {
			return err
		}
		c.Thresholds = append(c.Thresholds, v)
	}
	return rows.Err()
}

func (s *PostgresStore) loadRateModels(ctx context.Context, c *engine.Changeset) error {
	rows, err := s.pool.Query(ctx, `SELECT address FROM enabled_rate_models ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("load rate models: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return err
		}
		c.RateModels = append(c.RateModels, common.HexToAddress(addr))
	}
	return rows.Err()
}

func (s *PostgresStore) loadMarkets(ctx context.Context, c *engine.Changeset) error {
	rows, err := s.pool.Query(ctx,
		`SELECT id, loan_token, collateral_token, oracle, rate_model,
		        liquidation_threshold::TEXT,
		        total_supply_assets::TEXT, total_supply_shares::TEXT,
		        total_borrow_assets::TEXT, total_borrow_shares::TEXT,
		        last_update, fee::TEXT, fee_shares::TEXT, bad_debt::TEXT,
		        created_at
		 FROM markets ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.Market
		var id, loan, coll, oracle, rm string
		var threshold, supplyAssets, supplyShares, borrowAssets, borrowShares, fee, feeShares, badDebt string
		var lastUpdate int64
		if err := rows.Scan(&id, &loan, &coll, &oracle, &rm,
			&threshold,
			&supplyAssets, &supplyShares,
			&borrowAssets, &borrowShares,
			&lastUpdate, &fee, &feeShares, &badDebt,
			&m.CreatedAt); err != nil {
			return err
		}

		if m.ID, err = model.ParseMarketID(id); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		m.Params.LoanToken = common.HexToAddress(loan)
		m.Params.CollateralToken = common.HexToAddress(coll)
		m.Params.Oracle = common.HexToAddress(oracle)
		m.Params.RateModel = common.HexToAddress(rm)
		m.State.LastUpdate = uint64(lastUpdate)

		var d numerics
		d.into(&m.Params.LiquidationThreshold, threshold)
		d.into(&m.State.TotalSupplyAssets, supplyAssets)
		d.into(&m.State.TotalSupplyShares, supplyShares)
		d.into(&m.State.TotalBorrowAssets, borrowAssets)
		d.into(&m.State.TotalBorrowShares, borrowShares)
		d.into(&m.State.Fee, fee)
		d.into(&m.State.FeeShares, feeShares)
		d.into(&m.State.BadDebt, badDebt)
		if d.err != nil {
			return d.err
		}
		c.Markets = append(c.Markets, m)
	}
	return rows.Err()
}

func (s *PostgresStore) loadAuthorizations(ctx context.Context, c *engine.Changeset) error {
	rows, err := s.pool.Query(ctx, `SELECT owner, operator FROM authorizations`)
	if err != nil {
		return fmt.Errorf("load authorizations: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var owner, operator string
		if err := rows.Scan(&owner, &operator); err != nil {
			return err
		}
		c.Authorizations = append(c.Authorizations, engine.AuthorizationRecord{
			Owner:      common.HexToAddress(owner),
			Operator:   common.HexToAddress(operator),
			Authorized: true,
		})
	}
	return rows.Err()
}

func (s *PostgresStore) loadNonces(ctx context.Context, c *engine.Changeset) error {
	rows, err := s.pool.Query(ctx, `SELECT account, nonce FROM nonces`)
	if err != nil {
		return fmt.Errorf("load nonces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var account string
		var nonce int64
		if err := rows.Scan(&account, &nonce); err != nil {
			return err
		}
		c.Nonces = append(c.Nonces, engine.NonceRecord{Account: common.HexToAddress(account), Nonce: uint64(nonce)})
	}
	return rows.Err()
}

func (s *PostgresStore) Commit(ctx context.Context, c *engine.Changeset, entries []model.LedgerEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if c.Settings != nil {
		if _, err := tx.Exec(ctx,
			`INSERT INTO engine_settings (id, owner, fee_recipient) VALUES (1, $1, $2)
			 ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner, fee_recipient = EXCLUDED.fee_recipient`,
			c.Settings.Owner.Hex(), c.Settings.FeeRecipient.Hex()); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	for _, v := range c.Thresholds {
		if _, err := tx.Exec(ctx,
			`INSERT INTO enabled_thresholds (value) VALUES ($1::NUMERIC) ON CONFLICT DO NOTHING`,
			v.Dec()); err != nil {
			return fmt.Errorf("save threshold: %w", err)
		}
	}
	for _, a := range c.RateModels {
		if _, err := tx.Exec(ctx,
			`INSERT INTO enabled_rate_models (address) VALUES ($1) ON CONFLICT DO NOTHING`,
			a.Hex()); err != nil {
			return fmt.Errorf("save rate model: %w", err)
		}
	}
	for i := range c.Markets {
		if err := saveMarket(ctx, tx, &c.Markets[i]); err != nil {
			return err
		}
	}
	for i := range c.Positions {
		if err := savePosition(ctx, tx, &c.Positions[i]); err != nil {
			return err
		}
	}
	for _, a := range c.Authorizations {
		q := `DELETE FROM authorizations WHERE owner = $1 AND operator = $2`
		if a.Authorized {
			q = `INSERT INTO authorizations (owner, operator) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		}
		if _, err := tx.Exec(ctx, q, a.Owner.Hex(), a.Operator.Hex()); err != nil {
			return fmt.Errorf("save authorization: %w", err)
		}
	}
	for _, n := range c.Nonces {
		if _, err := tx.Exec(ctx,
			`INSERT INTO nonces (account, nonce) VALUES ($1, $2)
			 ON CONFLICT (account) DO UPDATE SET nonce = EXCLUDED.nonce`,
			n.Account.Hex(), int64(n.Nonce)); err != nil {
			return fmt.Errorf("save nonce: %w", err)
		}
	}
	for i := range entries {
		if err := insertLedgerEntry(ctx, tx, &entries[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func saveMarket(ctx context.Context, tx pgx.Tx, m *model.Market) error {
	p, st := &m.Params, &m.State
	_, err := tx.Exec(ctx,
		`INSERT INTO markets (id, loan_token, collateral_token, oracle, rate_model, liquidation_threshold,
		                      total_supply_assets, total_supply_shares, total_borrow_assets, total_borrow_shares,
		                      last_update, fee, fee_shares, bad_debt, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		         $11, $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15)
		 ON CONFLICT (id) DO UPDATE
		 SET total_supply_assets = EXCLUDED.total_supply_assets,
		     total_supply_shares = EXCLUDED.total_supply_shares,
		     total_borrow_assets = EXCLUDED.total_borrow_assets,
		     total_borrow_shares = EXCLUDED.total_borrow_shares,
		     last_update = EXCLUDED.last_update,
		     fee = EXCLUDED.fee,
		     fee_shares = EXCLUDED.fee_shares,
		     bad_debt = EXCLUDED.bad_debt`,
		m.ID.String(), p.LoanToken.Hex(), p.CollateralToken.Hex(), p.Oracle.Hex(), p.RateModel.Hex(),
		p.LiquidationThreshold.Dec(),
		st.TotalSupplyAssets.Dec(), st.TotalSupplyShares.Dec(),
		st.TotalBorrowAssets.Dec(), st.TotalBorrowShares.Dec(),
		int64(st.LastUpdate), st.Fee.Dec(), st.FeeShares.Dec(), st.BadDebt.Dec(),
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save market %s: %w", m.ID, err)
	}
	return nil
}

func savePosition(ctx context.Context, tx pgx.Tx, r *engine.PositionRecord) error {
	var err error
	if r.Position.IsZero() {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE market_id = $1 AND account = $2`,
			r.Key.Market.String(), r.Key.Account.Hex())
	} else {
		p := &r.Position
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (market_id, account, supply_shares, borrow_shares, collateral)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
			 ON CONFLICT (market_id, account) DO UPDATE
			 SET supply_shares = EXCLUDED.supply_shares,
			     borrow_shares = EXCLUDED.borrow_shares,
			     collateral = EXCLUDED.collateral`,
			r.Key.Market.String(), r.Key.Account.Hex(),
			p.SupplyShares.Dec(), p.BorrowShares.Dec(), p.Collateral.Dec())
	}
	if err != nil {
		return fmt.Errorf("save position %s/%s: %w", r.Key.Market, r.Key.Account.Hex(), err)
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	var details *string
	if len(e.Event.Details) > 0 {
		raw, err := json.Marshal(e.Event.Details)
		if err != nil {
			return err
		}
		s := string(raw)
		details = &s
	}
	ev := &e.Event
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, kind, market_id, caller, on_behalf, receiver, assets, shares, details, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::JSONB, $10)`,
		e.ID, string(ev.Kind), ev.Market.String(),
		ev.Caller.Hex(), ev.OnBehalf.Hex(), ev.Receiver.Hex(),
		ev.Assets.Dec(), ev.Shares.Dec(), details,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAccountPositions(ctx context.Context, account common.Address) ([]engine.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT market_id, account, supply_shares::TEXT, borrow_shares::TEXT, collateral::TEXT
		 FROM positions WHERE account = $1 ORDER BY market_id`, account.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (s *PostgresStore) GetLedgerEntriesByMarket(ctx context.Context, id model.MarketID) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries WHERE market_id = $1 ORDER BY seq`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, account common.Address) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+ledgerColumns+`
		 FROM ledger_entries
		 WHERE caller = $1 OR on_behalf = $1 OR receiver = $1
		 ORDER BY seq`, account.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

const ledgerColumns = `id::TEXT, kind, market_id, caller, on_behalf, receiver,
		        assets::TEXT, shares::TEXT, COALESCE(details::TEXT, ''), timestamp`

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rows pgxRows) ([]engine.PositionRecord, error) {
	var result []engine.PositionRecord
	for rows.Next() {
		var r engine.PositionRecord
		var id, account, supply, borrow, coll string
		if err := rows.Scan(&id, &account, &supply, &borrow, &coll); err != nil {
			return nil, err
		}
		var err error
		if r.Key.Market, err = model.ParseMarketID(id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		r.Key.Account = common.HexToAddress(account)

		var d numerics
		d.into(&r.Position.SupplyShares, supply)
		d.into(&r.Position.BorrowShares, borrow)
		d.into(&r.Position.Collateral, coll)
		if d.err != nil {
			return nil, d.err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanLedgerEntries(rows pgxRows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var kind, market, caller, onBehalf, receiver, assets, shares, details string

		if err := rows.Scan(&e.ID, &kind, &market, &caller, &onBehalf, &receiver,
			&assets, &shares, &details, &e.Timestamp); err != nil {
			return nil, err
		}

		ev := &e.Event
		ev.Kind = model.EventKind(kind)
		if !isZeroMarket(market) {
			id, err := model.ParseMarketID(market)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			ev.Market = id
		}
		ev.Caller = common.HexToAddress(caller)
		ev.OnBehalf = common.HexToAddress(onBehalf)
		ev.Receiver = common.HexToAddress(receiver)

		var d numerics
		d.into(&ev.Assets, assets)
		d.into(&ev.Shares, shares)
		if d.err != nil {
			return nil, d.err
		}
		if details != "" {
			if err := json.Unmarshal([]byte(details), &ev.Details); err != nil {
				return nil, fmt.Errorf("%w: details: %v", ErrCorrupt, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isZeroMarket(s string) bool {
	return s == "" || s == (model.MarketID{}).String()
}

// numeric decodes a NUMERIC rendered as text into a uint256.
func numeric(s string) (uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: amount %q", ErrCorrupt, s)
	}
	v, err := fixedpoint.FromDecimal(d)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("%w: amount %q: %v", ErrCorrupt, s, err)
	}
	return *v, nil
}

// numerics decodes a run of amounts, keeping the first error.
type numerics struct{ err error }

func (n *numerics) into(dst *uint256.Int, s string) {
	if n.err != nil {
		return
	}
	*dst, n.err = numeric(s)
}
