// Package config loads the streamdroplets configuration file (spec.md §6)
// and applies environment-variable overrides for secrets, following the
// blend of YAML structs (stellar-query-api/go/config.go) and
// getEnvOrDefault-style helpers (stellar-live-source/go/server/config.go)
// the teacher uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration object, one YAML file per deployment.
type Config struct {
	Chains             []ChainConfig      `yaml:"chains"`
	Assets             []AssetConfig      `yaml:"assets"`
	Integrations       []IntegrationConfig `yaml:"integrations"`
	ExcludedAddresses  []ExcludedAddress  `yaml:"excluded_addresses"`
	Tick               TickConfig         `yaml:"tick"`
	RPC                RPCConfig          `yaml:"rpc"`
	Storage            StorageConfig      `yaml:"storage"`
	API                APIConfig          `yaml:"api"`
}

// ChainConfig is one entry of spec.md §6 `chains[]`.
type ChainConfig struct {
	ID            uint64   `yaml:"id"`
	Name          string   `yaml:"name"`
	Endpoints     []string `yaml:"endpoints"`
	EarliestBlock uint64   `yaml:"earliest_block"`
	Confirmations uint64   `yaml:"confirmations"`
	BatchSize     uint64   `yaml:"batch_size"`
	ReorgDepth    uint64   `yaml:"reorg_depth"`
	BlockTimeSecs int64    `yaml:"block_time_seconds"`
}

// VaultBinding is one chain's vault deployment for an asset.
type VaultBinding struct {
	Chain           uint64 `yaml:"chain"`
	Address         string `yaml:"address"`
	DeploymentBlock uint64 `yaml:"deployment_block"`
	PPSScale        uint8  `yaml:"pps_scale"`
}

// AssetConfig is one entry of spec.md §6 `assets[]`.
type AssetConfig struct {
	Symbol        string         `yaml:"symbol"`
	Decimals      uint8          `yaml:"decimals"`
	OracleFeed    OracleFeedConfig `yaml:"oracle_feed"`
	VaultPerChain []VaultBinding `yaml:"vault_per_chain"`
}

// OracleFeedConfig names the on-chain price feed backing an asset.
type OracleFeedConfig struct {
	Chain   uint64 `yaml:"chain"`
	Address string `yaml:"address"`
	Scale   uint8  `yaml:"scale"`
}

// IntegrationConfig is one entry of spec.md §6 `integrations[]`.
type IntegrationConfig struct {
	ID              string            `yaml:"id"`
	Kind            string            `yaml:"kind"` // LP | vault4626 | lending
	Chain           uint64            `yaml:"chain"`
	ContractAddress string            `yaml:"contract_address"`
	UnderlyingAsset string            `yaml:"underlying_asset"`
	Metadata        map[string]string `yaml:"metadata"`
}

// ExcludedAddress is one seeded exclusion.
type ExcludedAddress struct {
	Address string `yaml:"address"`
	Reason  string `yaml:"reason"`
}

// UnstakeExclusionScope resolves spec.md §9 Open Question 3.
type UnstakeExclusionScope string

const (
	ScopePerAssetLeg   UnstakeExclusionScope = "per_asset_leg"
	ScopeWholeAddress  UnstakeExclusionScope = "whole_address"
)

// TickConfig is spec.md §6 `tick{}`.
type TickConfig struct {
	PeriodSeconds          int64                  `yaml:"period_seconds"`
	AnchorUTCHHMM          string                 `yaml:"anchor_utc_hhmm"`
	GraceSeconds           int64                  `yaml:"grace_seconds"`
	RatePerUSDPerTick      uint64                 `yaml:"rate_per_usd_per_tick"`
	USDScale               uint8                  `yaml:"usd_scale"`
	UnstakeExclusionScope  UnstakeExclusionScope  `yaml:"unstake_exclusion_scope"`
}

// RPCConfig is spec.md §6 `rpc{}`.
type RPCConfig struct {
	APIKeys            []string `yaml:"api_keys"`
	RetryCount         int      `yaml:"retry_count"`
	RetryDelayMS       int      `yaml:"retry_delay_ms"`
	BackoffMultiplier  float64  `yaml:"backoff_multiplier"`
	TimeoutMS          int      `yaml:"timeout_ms"`
	MaxConsecutiveErrors int    `yaml:"max_consecutive_errors"`
}

// RetryDelay returns RetryDelayMS as a time.Duration.
func (r RPCConfig) RetryDelay() time.Duration {
	return time.Duration(r.RetryDelayMS) * time.Millisecond
}

// Timeout returns TimeoutMS as a time.Duration.
func (r RPCConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// StorageConfig is spec.md §6 `storage{}`. A non-empty
// STREAMDROPLETS_DATABASE_URL environment variable replaces DSN at load
// time, matching the teacher's env-override-for-secrets convention.
type StorageConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int `yaml:"conn_max_lifetime_minutes"`
}

// APIConfig configures the Query Surface HTTP listener.
type APIConfig struct {
	Port                int `yaml:"port"`
	DefaultPageSize     int `yaml:"default_page_size"`
	MaxPageSize         int `yaml:"max_page_size"`
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds"`
}

// Load reads and parses the YAML config at path, then applies environment
// overrides for secrets (DB DSN, RPC API keys) so they never need to live
// in a checked-in file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STREAMDROPLETS_DATABASE_URL"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("STREAMDROPLETS_RPC_API_KEYS"); v != "" {
		cfg.RPC.APIKeys = splitNonEmpty(v, ',')
	}
	if v := os.Getenv("STREAMDROPLETS_API_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = n
		}
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func (c *Config) validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("config: at least one chain is required")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("config: storage.dsn (or STREAMDROPLETS_DATABASE_URL) is required")
	}
	if c.Tick.PeriodSeconds <= 0 {
		return fmt.Errorf("config: tick.period_seconds must be positive")
	}
	if c.Tick.USDScale == 0 {
		c.Tick.USDScale = 6
	}
	if c.Tick.RatePerUSDPerTick == 0 {
		c.Tick.RatePerUSDPerTick = 1
	}
	if c.Tick.UnstakeExclusionScope == "" {
		c.Tick.UnstakeExclusionScope = ScopePerAssetLeg
	}
	if c.RPC.RetryCount == 0 {
		c.RPC.RetryCount = 3
	}
	if c.RPC.BackoffMultiplier == 0 {
		c.RPC.BackoffMultiplier = 2.0
	}
	if c.API.DefaultPageSize == 0 {
		c.API.DefaultPageSize = 50
	}
	if c.API.MaxPageSize == 0 {
		c.API.MaxPageSize = 500
	}
	return nil
}
