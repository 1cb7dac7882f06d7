// Package config loads the lending service configuration from YAML with
// environment overrides for deployment secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/lending-engine/internal/engine"
)

const (
	defaultPort       = "8080"
	defaultSubject    = "lending.events"
	defaultCacheTTL   = 30 * time.Second
	defaultRatePerMin = 600
	defaultBurst      = 50
)

// Config captures the runtime settings for the lending service.
type Config struct {
	Port        string          `yaml:"port"`
	Env         string          `yaml:"env"`
	DatabaseURL string          `yaml:"database_url"`
	RedisURL    string          `yaml:"redis_url"`
	CacheTTL    time.Duration   `yaml:"cache_ttl"`
	NATS        NATSConfig      `yaml:"nats"`
	Log         LogConfig       `yaml:"log"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
	Engine      EngineConfig    `yaml:"engine"`
	Tokens      []TokenConfig   `yaml:"tokens"`
	Oracles     []OracleConfig  `yaml:"oracles"`
	RateModels  []RateModel     `yaml:"rate_models"`
}

// NATSConfig enables event publishing when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LogConfig mirrors logging.Options.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RateLimitConfig bounds mutating requests per client. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// EngineConfig holds the engine identity and its administrative defaults.
type EngineConfig struct {
	Address                 string `yaml:"address"`
	ChainID                 uint64 `yaml:"chain_id"`
	Owner                   string `yaml:"owner"`
	FeeRecipient            string `yaml:"fee_recipient"`
	BadDebtPolicy           string `yaml:"bad_debt_policy"`
	MinLiquidationThreshold string `yaml:"min_liquidation_threshold"`
}

// TokenConfig binds an in-memory token at Address. Balances are base units.
type TokenConfig struct {
	Address  string            `yaml:"address"`
	Symbol   string            `yaml:"symbol"`
	Decimals uint8             `yaml:"decimals"`
	FeeBps   uint64            `yaml:"fee_bps"`
	Balances map[string]string `yaml:"balances"`
}

// OracleConfig binds a settable oracle. Price is the human quote of one
// collateral base unit in loan base units, e.g. "0.5".
type OracleConfig struct {
	Address string `yaml:"address"`
	Price   string `yaml:"price"`
}

// RateModel binds a rate model. Kind is "fixed" (APR) or "kinked"
// (BaseRate, Slope1, Slope2, Kink). All values are decimal fractions.
type RateModel struct {
	Address  string `yaml:"address"`
	Kind     string `yaml:"kind"`
	APR      string `yaml:"apr"`
	BaseRate string `yaml:"base_rate"`
	Slope1   string `yaml:"slope1"`
	Slope2   string `yaml:"slope2"`
	Kink     string `yaml:"kink"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Port:     defaultPort,
		Env:      "dev",
		CacheTTL: defaultCacheTTL,
		NATS:     NATSConfig{Subject: defaultSubject},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: defaultRatePerMin,
			Burst:             defaultBurst,
		},
		Engine: EngineConfig{
			Address: "0x0000000000000000000000000000000000001e4d",
			ChainID: 1,
		},
	}
}

// Load reads the YAML file at path (optional), applies environment overrides
// and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := yaml.NewDecoder(file)
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.applyEnv(os.Getenv)
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv(getenv func(string) string) {
	for key, dst := range map[string]*string{
		"PORT":         &cfg.Port,
		"DATABASE_URL": &cfg.DatabaseURL,
		"REDIS_URL":    &cfg.RedisURL,
		"NATS_URL":     &cfg.NATS.URL,
		"LOG_LEVEL":    &cfg.Log.Level,
		"ENGINE_OWNER": &cfg.Engine.Owner,
	} {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
}

func (cfg *Config) normalize() {
	cfg.Port = strings.TrimPrefix(strings.TrimSpace(cfg.Port), ":")
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	cfg.Env = strings.TrimSpace(cfg.Env)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisURL = strings.TrimSpace(cfg.RedisURL)
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	cfg.NATS.URL = strings.TrimSpace(cfg.NATS.URL)
	if cfg.NATS.Subject = strings.TrimSpace(cfg.NATS.Subject); cfg.NATS.Subject == "" {
		cfg.NATS.Subject = defaultSubject
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Engine.Owner = strings.TrimSpace(cfg.Engine.Owner)
	cfg.Engine.BadDebtPolicy = strings.ToLower(strings.TrimSpace(cfg.Engine.BadDebtPolicy))
	for i := range cfg.RateModels {
		cfg.RateModels[i].Kind = strings.ToLower(strings.TrimSpace(cfg.RateModels[i].Kind))
	}
}

func (cfg *Config) validate() error {
	if cfg.RedisURL != "" && cfg.DatabaseURL == "" {
		return fmt.Errorf("redis_url requires database_url")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if err := cfg.Engine.validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	seen := make(map[common.Address]string)
	claim := func(kind, raw string) error {
		if !common.IsHexAddress(raw) {
			return fmt.Errorf("%s: invalid address %q", kind, raw)
		}
		addr := common.HexToAddress(raw)
		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("%s: address %s already bound to a %s", kind, addr.Hex(), prev)
		}
		seen[addr] = kind
		return nil
	}
	for _, t := range cfg.Tokens {
		if err := claim("token", t.Address); err != nil {
			return err
		}
		for holder, amount := range t.Balances {
			if !common.IsHexAddress(holder) {
				return fmt.Errorf("token %s: invalid holder %q", t.Address, holder)
			}
			if err := wholeNumber(amount); err != nil {
				return fmt.Errorf("token %s: balance of %s: %w", t.Address, holder, err)
			}
		}
		if t.FeeBps >= 10_000 {
			return fmt.Errorf("token %s: fee_bps must be below 10000", t.Address)
		}
	}
	for _, o := range cfg.Oracles {
		if err := claim("oracle", o.Address); err != nil {
			return err
		}
		if o.Price != "" {
			if err := fraction(o.Price); err != nil {
				return fmt.Errorf("oracle %s: price: %w", o.Address, err)
			}
		}
	}
	for _, m := range cfg.RateModels {
		if err := claim("rate model", m.Address); err != nil {
			return err
		}
		if err := m.validate(); err != nil {
			return fmt.Errorf("rate model %s: %w", m.Address, err)
		}
	}
	return nil
}

func (cfg *EngineConfig) validate() error {
	if !common.IsHexAddress(cfg.Address) {
		return fmt.Errorf("invalid address %q", cfg.Address)
	}
	if cfg.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	if common.IsHexAddress(cfg.Owner) && common.HexToAddress(cfg.Owner) == (common.Address{}) {
		return fmt.Errorf("owner must not be the zero address")
	}
	for name, v := range map[string]string{"owner": cfg.Owner, "fee_recipient": cfg.FeeRecipient} {
		if v != "" && !common.IsHexAddress(v) {
			return fmt.Errorf("invalid %s %q", name, v)
		}
	}
	if _, err := engine.ParseBadDebtPolicy(cfg.BadDebtPolicy); err != nil {
		return err
	}
	if cfg.MinLiquidationThreshold != "" {
		if err := fraction(cfg.MinLiquidationThreshold); err != nil {
			return fmt.Errorf("min_liquidation_threshold: %w", err)
		}
	}
	return nil
}

func (m *RateModel) validate() error {
	switch m.Kind {
	case "fixed":
		return fraction(m.APR)
	case "kinked":
		for _, v := range []string{m.BaseRate, m.Slope1, m.Slope2, m.Kink} {
			if err := fraction(v); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
}

func fraction(s string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid decimal %q", s)
	}
	if d.IsNegative() {
		return fmt.Errorf("negative value %q", s)
	}
	return nil
}

func wholeNumber(s string) error {
	if err := fraction(s); err != nil {
		return err
	}
	if d, _ := decimal.NewFromString(strings.TrimSpace(s)); !d.IsInteger() {
		return fmt.Errorf("fractional amount %q", s)
	}
	return nil
}
