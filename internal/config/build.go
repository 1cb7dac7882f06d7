package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/host"
	"github.com/atmx/lending-engine/internal/irm"
	"github.com/atmx/lending-engine/internal/journal"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/token"
)

// EngineSettings converts the engine section into engine.Config.
func (cfg *EngineConfig) EngineSettings() (engine.Config, error) {
	policy, err := engine.ParseBadDebtPolicy(cfg.BadDebtPolicy)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{
		Address:       common.HexToAddress(cfg.Address),
		ChainID:       cfg.ChainID,
		Owner:         hexOrZero(cfg.Owner),
		FeeRecipient:  hexOrZero(cfg.FeeRecipient),
		BadDebtPolicy: policy,
	}
	if cfg.MinLiquidationThreshold != "" {
		if out.MinLiquidationThreshold, err = fixedpoint.ParseWad(cfg.MinLiquidationThreshold); err != nil {
			return engine.Config{}, fmt.Errorf("min_liquidation_threshold: %w", err)
		}
	}
	return out, nil
}

// Capabilities is what Bind placed in the directory, by address.
type Capabilities struct {
	Tokens     map[common.Address]*token.Ledger
	Oracles    map[common.Address]*oracle.Static
	RateModels map[common.Address]irm.RateModel
}

// Bind creates every configured token, oracle and rate model, binds them in
// dir and mints the configured balances. Token mutations are recorded in j.
func (cfg *Config) Bind(dir *host.Directory, j *journal.Journal) (*Capabilities, error) {
	caps := &Capabilities{
		Tokens:     make(map[common.Address]*token.Ledger),
		Oracles:    make(map[common.Address]*oracle.Static),
		RateModels: make(map[common.Address]irm.RateModel),
	}

	for _, t := range cfg.Tokens {
		ledger := token.NewLedger(t.Symbol, t.Decimals, j)
		ledger.FeeBps = t.FeeBps
		for holder, raw := range t.Balances {
			amount, err := fixedpoint.ParseAmount(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("token %s: balance of %s: %w", t.Address, holder, err)
			}
			ledger.Mint(common.HexToAddress(holder), amount)
		}
		addr := common.HexToAddress(t.Address)
		dir.Bind(addr, ledger)
		caps.Tokens[addr] = ledger
	}

	for _, o := range cfg.Oracles {
		var price *uint256.Int
		if o.Price != "" {
			d, err := decimal.NewFromString(strings.TrimSpace(o.Price))
			if err != nil {
				return nil, fmt.Errorf("oracle %s: %w", o.Address, err)
			}
			if price, err = oracle.Scale(d); err != nil {
				return nil, fmt.Errorf("oracle %s: %w", o.Address, err)
			}
		}
		addr := common.HexToAddress(o.Address)
		static := oracle.NewStatic(price)
		dir.Bind(addr, static)
		caps.Oracles[addr] = static
	}

	for _, m := range cfg.RateModels {
		rm, err := m.build()
		if err != nil {
			return nil, fmt.Errorf("rate model %s: %w", m.Address, err)
		}
		addr := common.HexToAddress(m.Address)
		dir.Bind(addr, rm)
		caps.RateModels[addr] = rm
	}
	return caps, nil
}

func (m *RateModel) build() (irm.RateModel, error) {
	switch m.Kind {
	case "fixed":
		apr, err := fixedpoint.ParseWad(strings.TrimSpace(m.APR))
		if err != nil {
			return nil, err
		}
		return irm.NewFixedAPR(apr), nil
	case "kinked":
		return irm.NewKinked(m.BaseRate, m.Slope1, m.Slope2, m.Kink)
	default:
		return nil, fmt.Errorf("unknown kind %q", m.Kind)
	}
}

func hexOrZero(s string) common.Address {
	if s == "" {
		return common.Address{}
	}
	return common.HexToAddress(s)
}
