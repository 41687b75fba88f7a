package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the harvester.
type Config struct {
	General   GeneralConfig   `yaml:"general"`
	Chain     ChainConfig     `yaml:"chain"`
	Directory DirectoryConfig `yaml:"directory"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Filters   FiltersConfig   `yaml:"filters"`
	Safety    SafetyConfig    `yaml:"safety"`
	Trading   TradingConfig   `yaml:"trading"`
	Exits     ExitsConfig     `yaml:"exits"`
	Blacklist BlacklistConfig `yaml:"blacklist"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Storage   StorageConfig   `yaml:"storage"`
}

type GeneralConfig struct {
	InstanceID     string `yaml:"instance_id"`
	TradingEnabled bool   `yaml:"trading_enabled"` // master kill switch; false = no real transactions
	DryRun         bool   `yaml:"dry_run"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"` // json|text
}

type ChainConfig struct {
	RPCEndpoint  string  `yaml:"rpc_endpoint"` // usually ${SOLANA_RPC_URL}
	TimeoutSec   int     `yaml:"timeout_sec"`
	MaxRetries   int     `yaml:"max_retries"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
}

type DirectoryConfig struct {
	BaseURL     string `yaml:"base_url"`
	PageSize    int    `yaml:"page_size"`
	MaxPages    int    `yaml:"max_pages"`
	CacheTTLSec int    `yaml:"cache_ttl_sec"`
}

type PricingConfig struct {
	PrimaryURL  string `yaml:"primary_url"`
	FallbackURL string `yaml:"fallback_url"`
	APIKey      string `yaml:"api_key"` // ${PRICE_API_KEY}, optional
	CacheTTLSec int    `yaml:"cache_ttl_sec"`
}

type FiltersConfig struct {
	MinLiquidityUSD   float64 `yaml:"min_liquidity_usd"`
	MinVolumeTVLRatio float64 `yaml:"min_volume_tvl_ratio"`
	MinAPR24h         float64 `yaml:"min_apr_24h"`
	MinBurnPct        float64 `yaml:"min_burn_pct"`
}

type SafetyConfig struct {
	// Token-safety service thresholds.
	RugcheckURL        string  `yaml:"rugcheck_url"`
	MaxScore           int     `yaml:"max_score"`
	MaxTop10HolderPct  float64 `yaml:"max_top10_holder_pct"`
	MaxSingleHolderPct float64 `yaml:"max_single_holder_pct"`
	MinTokenHolders    int     `yaml:"min_token_holders"`

	// On-chain LP-lock thresholds.
	MinSafeLPPct         float64 `yaml:"min_safe_lp_pct"`
	MaxSingleLPHolderPct float64 `yaml:"max_single_lp_holder_pct"`
}

type TradingConfig struct {
	MaxAbsolutePositionSOL float64 `yaml:"max_absolute_position_sol"`
	MinPositionSOL         float64 `yaml:"min_position_sol"`
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	ReserveSOL             float64 `yaml:"reserve_sol"` // always held back for fees
	SlippagePct            float64 `yaml:"slippage_pct"`
	TVLRefUSD              float64 `yaml:"tvl_ref_usd"` // pool factor saturates here
}

type ExitsConfig struct {
	StopLossPct   float64 `yaml:"stop_loss_pct"`   // negative
	TakeProfitPct float64 `yaml:"take_profit_pct"` // positive
	MaxHoldHours  float64 `yaml:"max_hold_hours"`
	MaxILPct      float64 `yaml:"max_il_pct"` // negative
}

type BlacklistConfig struct {
	CooldownTiersSec []int64 `yaml:"cooldown_tiers_sec"`
	PermanentStrikes int     `yaml:"permanent_strikes"`
}

type SchedulerConfig struct {
	PositionCheckSec  int `yaml:"position_check_sec"`
	DisplaySec        int `yaml:"display_sec"`
	PoolScanSec       int `yaml:"pool_scan_sec"`
	BackendTimeoutSec int `yaml:"backend_timeout_sec"`
	EntryBufferSize   int `yaml:"entry_buffer_size"`
}

type StorageConfig struct {
	StatePath  string `yaml:"state_path"`
	TradesPath string `yaml:"trades_path"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Apply defaults
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "harvester-1"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "text"
	}
	if cfg.Chain.RPCEndpoint == "" {
		cfg.Chain.RPCEndpoint = "https://api.mainnet-beta.solana.com"
	}
	if cfg.Chain.TimeoutSec == 0 {
		cfg.Chain.TimeoutSec = 10
	}
	if cfg.Chain.MaxRetries == 0 {
		cfg.Chain.MaxRetries = 3
	}
	if cfg.Chain.RateLimitRPS == 0 {
		cfg.Chain.RateLimitRPS = 10
	}
	if cfg.Directory.BaseURL == "" {
		cfg.Directory.BaseURL = "https://api-v3.raydium.io"
	}
	if cfg.Directory.PageSize == 0 {
		cfg.Directory.PageSize = 100
	}
	if cfg.Directory.MaxPages == 0 {
		cfg.Directory.MaxPages = 10
	}
	if cfg.Directory.CacheTTLSec == 0 {
		cfg.Directory.CacheTTLSec = 60
	}
	if cfg.Pricing.PrimaryURL == "" {
		cfg.Pricing.PrimaryURL = "https://lite-api.jup.ag/price/v2"
	}
	if cfg.Pricing.FallbackURL == "" {
		cfg.Pricing.FallbackURL = "https://api.coingecko.com/api/v3/simple/price"
	}
	if cfg.Pricing.CacheTTLSec == 0 {
		cfg.Pricing.CacheTTLSec = 60
	}
	if cfg.Filters.MinLiquidityUSD == 0 {
		cfg.Filters.MinLiquidityUSD = 5000
	}
	if cfg.Filters.MinVolumeTVLRatio == 0 {
		cfg.Filters.MinVolumeTVLRatio = 0.5
	}
	if cfg.Filters.MinAPR24h == 0 {
		cfg.Filters.MinAPR24h = 100
	}
	if cfg.Filters.MinBurnPct == 0 {
		cfg.Filters.MinBurnPct = 50
	}
	if cfg.Safety.RugcheckURL == "" {
		cfg.Safety.RugcheckURL = "https://api.rugcheck.xyz/v1"
	}
	if cfg.Safety.MaxScore == 0 {
		cfg.Safety.MaxScore = 60
	}
	if cfg.Safety.MaxTop10HolderPct == 0 {
		cfg.Safety.MaxTop10HolderPct = 50
	}
	if cfg.Safety.MaxSingleHolderPct == 0 {
		cfg.Safety.MaxSingleHolderPct = 20
	}
	if cfg.Safety.MinTokenHolders == 0 {
		cfg.Safety.MinTokenHolders = 100
	}
	if cfg.Safety.MinSafeLPPct == 0 {
		cfg.Safety.MinSafeLPPct = 50
	}
	if cfg.Safety.MaxSingleLPHolderPct == 0 {
		cfg.Safety.MaxSingleLPHolderPct = 25
	}
	if cfg.Trading.MaxAbsolutePositionSOL == 0 {
		cfg.Trading.MaxAbsolutePositionSOL = 5.0
	}
	if cfg.Trading.MinPositionSOL == 0 {
		cfg.Trading.MinPositionSOL = 0.05
	}
	if cfg.Trading.MaxConcurrentPositions == 0 {
		cfg.Trading.MaxConcurrentPositions = 3
	}
	if cfg.Trading.ReserveSOL == 0 {
		cfg.Trading.ReserveSOL = 0.05
	}
	if cfg.Trading.SlippagePct == 0 {
		cfg.Trading.SlippagePct = 5
	}
	if cfg.Trading.TVLRefUSD == 0 {
		cfg.Trading.TVLRefUSD = 100000
	}
	if cfg.Exits.StopLossPct == 0 {
		cfg.Exits.StopLossPct = -15
	}
	if cfg.Exits.TakeProfitPct == 0 {
		cfg.Exits.TakeProfitPct = 10
	}
	if cfg.Exits.MaxHoldHours == 0 {
		cfg.Exits.MaxHoldHours = 168
	}
	if cfg.Exits.MaxILPct == 0 {
		cfg.Exits.MaxILPct = -5
	}
	if len(cfg.Blacklist.CooldownTiersSec) == 0 {
		cfg.Blacklist.CooldownTiersSec = []int64{86400, 172800}
	}
	if cfg.Blacklist.PermanentStrikes == 0 {
		cfg.Blacklist.PermanentStrikes = 3
	}
	if cfg.Scheduler.PositionCheckSec == 0 {
		cfg.Scheduler.PositionCheckSec = 1
	}
	if cfg.Scheduler.DisplaySec == 0 {
		cfg.Scheduler.DisplaySec = 4
	}
	if cfg.Scheduler.PoolScanSec == 0 {
		cfg.Scheduler.PoolScanSec = 180
	}
	if cfg.Scheduler.BackendTimeoutSec == 0 {
		cfg.Scheduler.BackendTimeoutSec = 60
	}
	if cfg.Scheduler.EntryBufferSize == 0 {
		cfg.Scheduler.EntryBufferSize = 16
	}
	if cfg.Storage.StatePath == "" {
		cfg.Storage.StatePath = "data/state.json"
	}
	if cfg.Storage.TradesPath == "" {
		cfg.Storage.TradesPath = "data/trades.jsonl"
	}
}

// Validate rejects configurations that would be unsafe to trade with.
func (cfg *Config) Validate() error {
	if cfg.Trading.MinPositionSOL > cfg.Trading.MaxAbsolutePositionSOL {
		return fmt.Errorf("config: min_position_sol %.4f exceeds max_absolute_position_sol %.4f",
			cfg.Trading.MinPositionSOL, cfg.Trading.MaxAbsolutePositionSOL)
	}
	if cfg.Exits.StopLossPct >= 0 {
		return fmt.Errorf("config: stop_loss_pct must be negative, got %.2f", cfg.Exits.StopLossPct)
	}
	if cfg.Exits.TakeProfitPct <= 0 {
		return fmt.Errorf("config: take_profit_pct must be positive, got %.2f", cfg.Exits.TakeProfitPct)
	}
	if cfg.Exits.MaxILPct >= 0 {
		return fmt.Errorf("config: max_il_pct must be negative, got %.2f", cfg.Exits.MaxILPct)
	}
	if cfg.Trading.SlippagePct <= 0 || cfg.Trading.SlippagePct > 50 {
		return fmt.Errorf("config: slippage_pct %.2f out of range (0, 50]", cfg.Trading.SlippagePct)
	}
	for i, tier := range cfg.Blacklist.CooldownTiersSec {
		if tier <= 0 {
			return fmt.Errorf("config: cooldown_tiers_sec[%d] must be positive, got %d", i, tier)
		}
	}
	if cfg.Blacklist.PermanentStrikes < 1 {
		return fmt.Errorf("config: permanent_strikes must be >= 1, got %d", cfg.Blacklist.PermanentStrikes)
	}
	return nil
}
