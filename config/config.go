package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alejandrodnm/microvault/internal/application/batching"
	"github.com/alejandrodnm/microvault/internal/application/vault"
	"github.com/alejandrodnm/microvault/internal/domain"
	"github.com/alejandrodnm/microvault/internal/scheduler"
)

// Config is the whole operator configuration.
type Config struct {
	Vault    VaultConfig    `yaml:"vault"`
	Batch    BatchConfig    `yaml:"batch"`
	Storage  StorageConfig  `yaml:"storage"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Paper    PaperConfig    `yaml:"paper"`
	Chain    ChainConfig    `yaml:"chain"`
	Log      LogConfig      `yaml:"log"`
}

// VaultConfig holds the orchestrator settings. Amounts are raw asset units.
type VaultConfig struct {
	AssetDecimals         uint8         `yaml:"asset_decimals"`
	MinimumDeposit        domain.Amount `yaml:"minimum_deposit"`
	RiskTolerance         uint64        `yaml:"risk_tolerance"`          // 0..100, seeds a fresh store only
	RebalanceThresholdBps uint64        `yaml:"rebalance_threshold_bps"` // seeds a fresh store only
	RebalanceCooldown     time.Duration `yaml:"rebalance_cooldown"`      // negative disables
	ApyHistoryCapacity    int           `yaml:"apy_history_capacity"`
	DefaultBucket         string        `yaml:"default_bucket"` // bucket for deposits that name none
}

// BatchConfig controls when pending buckets are forwarded to strategies.
type BatchConfig struct {
	Threshold          domain.Amount                `yaml:"threshold"`
	EmergencyThreshold domain.Amount                `yaml:"emergency_threshold"`
	Interval           time.Duration                `yaml:"interval"`
	RiskTolerance      map[domain.RiskBucket]uint64 `yaml:"risk_tolerance"`
}

// StorageConfig selects the VaultStore backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite | postgres
	DSN    string `yaml:"dsn"`    // SQLite file path or ":memory:", or a Postgres URL
}

// ScheduleConfig holds cron specs with a seconds field. Empty disables a job.
type ScheduleConfig struct {
	Harvest   string `yaml:"harvest"`
	Rebalance string `yaml:"rebalance"`
	Flush     string `yaml:"flush"`
	Status    string `yaml:"status"`
}

// PaperConfig describes the simulated strategies the CLI runs against.
type PaperConfig struct {
	WorldFile  string          `yaml:"world_file"`
	Strategies []PaperStrategy `yaml:"strategies"`
}

// PaperStrategy is one simulated strategy and its allocation parameters.
type PaperStrategy struct {
	ID               string `yaml:"id"`
	APYBps           uint64 `yaml:"apy_bps"`
	Weight           uint64 `yaml:"weight"`
	RiskScore        uint64 `yaml:"risk_score"`
	MinAllocationBps uint64 `yaml:"min_allocation_bps"`
	MaxAllocationBps uint64 `yaml:"max_allocation_bps"`
}

// ChainConfig points at the ERC-20 deposit token on an EVM chain. The custody
// key is read from VAULT_CHAIN_PRIVATE_KEY only, never from the file.
type ChainConfig struct {
	RPCURL         string        `yaml:"rpc_url"`
	Token          string        `yaml:"token"`
	ChainID        int64         `yaml:"chain_id"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
	PrivateKey     string        `yaml:"-"`
}

// Enabled reports whether an RPC endpoint is configured.
func (c ChainConfig) Enabled() bool { return c.RPCURL != "" }

// LogConfig controls the format and level of logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file and the .env file if present. Environment values
// override the YAML for the keys they cover.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides replaces values with environment variables when set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("VAULT_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("VAULT_STORAGE_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("VAULT_CHAIN_RPC_URL"); v != "" {
		cfg.Chain.RPCURL = v
	}
	cfg.Chain.PrivateKey = os.Getenv("VAULT_CHAIN_PRIVATE_KEY")
	if v := os.Getenv("VAULT_RISK_TOLERANCE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("VAULT_RISK_TOLERANCE %q: %w", v, err)
		}
		cfg.Vault.RiskTolerance = n
	}
	return nil
}

// setDefaults fills what the file left out.
func setDefaults(cfg *Config) {
	if cfg.Vault.AssetDecimals == 0 {
		cfg.Vault.AssetDecimals = domain.DefaultAssetDecimals
	}
	if cfg.Vault.MinimumDeposit.IsZero() {
		cfg.Vault.MinimumDeposit = domain.DefaultMinimumDeposit
	}
	if cfg.Vault.RiskTolerance == 0 && cfg.Vault.RebalanceThresholdBps == 0 {
		cfg.Vault.RiskTolerance = domain.DefaultRiskTolerance
	}
	if cfg.Vault.RebalanceThresholdBps == 0 {
		cfg.Vault.RebalanceThresholdBps = domain.DefaultRebalanceThresholdBps
	}
	if cfg.Vault.RebalanceCooldown == 0 {
		cfg.Vault.RebalanceCooldown = vault.DefaultRebalanceCooldown
	}
	if cfg.Vault.ApyHistoryCapacity <= 0 {
		cfg.Vault.ApyHistoryCapacity = domain.DefaultApyHistoryCapacity
	}
	if cfg.Vault.DefaultBucket == "" {
		cfg.Vault.DefaultBucket = string(domain.BucketMedium)
	}

	def := batching.DefaultConfig()
	if cfg.Batch.Threshold.IsZero() {
		cfg.Batch.Threshold = def.Threshold
	}
	if cfg.Batch.EmergencyThreshold.IsZero() {
		cfg.Batch.EmergencyThreshold = def.EmergencyThreshold
	}
	if cfg.Batch.Interval <= 0 {
		cfg.Batch.Interval = def.Interval
	}
	if cfg.Batch.RiskTolerance == nil {
		cfg.Batch.RiskTolerance = make(map[domain.RiskBucket]uint64, len(domain.RiskBuckets))
	}
	for _, b := range domain.RiskBuckets {
		if _, ok := cfg.Batch.RiskTolerance[b]; !ok {
			cfg.Batch.RiskTolerance[b] = def.RiskTolerance[b]
		}
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" && cfg.Storage.Driver == "sqlite" {
		cfg.Storage.DSN = "vault.db"
	}

	if cfg.Schedule.Harvest == "" {
		cfg.Schedule.Harvest = "0 0 * * * *"
	}
	if cfg.Schedule.Rebalance == "" {
		cfg.Schedule.Rebalance = "0 */15 * * * *"
	}
	if cfg.Schedule.Flush == "" {
		cfg.Schedule.Flush = "0 * * * * *"
	}

	if cfg.Paper.WorldFile == "" {
		cfg.Paper.WorldFile = "vault-world.json"
	}

	if cfg.Chain.ConfirmTimeout <= 0 {
		cfg.Chain.ConfirmTimeout = 60 * time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate rejects values the vault would refuse later, so a bad file fails
// at startup.
func (c *Config) Validate() error {
	var errs []error
	if err := c.VaultParams().Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := domain.ParseRiskBucket(c.Vault.DefaultBucket); err != nil {
		errs = append(errs, fmt.Errorf("vault.default_bucket: %w", err))
	}
	if c.Batch.EmergencyThreshold.LT(c.Batch.Threshold) {
		errs = append(errs, fmt.Errorf("batch: emergency threshold %s below threshold %s", c.Batch.EmergencyThreshold, c.Batch.Threshold))
	}
	for b, tol := range c.Batch.RiskTolerance {
		if _, err := domain.ParseRiskBucket(string(b)); err != nil {
			errs = append(errs, fmt.Errorf("batch.risk_tolerance: %w", err))
		} else if tol > domain.MaxRiskScore {
			errs = append(errs, fmt.Errorf("batch.risk_tolerance.%s: %d > %d", b, tol, domain.MaxRiskScore))
		}
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite or postgres", c.Storage.Driver))
	}
	if c.Chain.Enabled() {
		if c.Chain.Token == "" {
			errs = append(errs, errors.New("chain.token is required with chain.rpc_url"))
		}
		if c.Chain.ChainID <= 0 {
			errs = append(errs, fmt.Errorf("chain.chain_id %d: must be positive", c.Chain.ChainID))
		}
	}
	seen := make(map[string]bool, len(c.Paper.Strategies))
	var minSum uint64
	for _, s := range c.Paper.Strategies {
		minSum += s.MinAllocationBps
		if s.ID == "" {
			errs = append(errs, errors.New("paper.strategies: missing id"))
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("paper.strategies: %q listed twice", s.ID))
		}
		seen[s.ID] = true
		if err := s.Params().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("paper.strategies.%s: %w", s.ID, err))
		}
	}
	if minSum > domain.BasisPoints {
		errs = append(errs, fmt.Errorf("paper.strategies: minimum allocations sum to %d bps", minSum))
	}
	return errors.Join(errs...)
}

// VaultParams returns the allocation knobs that seed a fresh vault.
func (c *Config) VaultParams() domain.VaultParams {
	return domain.VaultParams{
		RiskTolerance:         c.Vault.RiskTolerance,
		RebalanceThresholdBps: c.Vault.RebalanceThresholdBps,
	}
}

// VaultConfig builds the orchestrator configuration.
func (c *Config) VaultConfig(now func() time.Time) vault.Config {
	return vault.Config{
		AssetDecimals:      c.Vault.AssetDecimals,
		MinimumDeposit:     c.Vault.MinimumDeposit,
		Params:             c.VaultParams(),
		RebalanceCooldown:  c.Vault.RebalanceCooldown,
		ApyHistoryCapacity: c.Vault.ApyHistoryCapacity,
		Batch: batching.Config{
			Threshold:          c.Batch.Threshold,
			EmergencyThreshold: c.Batch.EmergencyThreshold,
			Interval:           c.Batch.Interval,
			RiskTolerance:      c.Batch.RiskTolerance,
		},
		Now: now,
	}
}

// SchedulerConfig returns the cron specs.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Harvest:   c.Schedule.Harvest,
		Rebalance: c.Schedule.Rebalance,
		Flush:     c.Schedule.Flush,
		Status:    c.Schedule.Status,
	}
}

// Params is the registry view of a paper strategy.
func (s PaperStrategy) Params() domain.StrategyParams {
	return domain.StrategyParams{
		Weight:           s.Weight,
		RiskScore:        s.RiskScore,
		MinAllocationBps: s.MinAllocationBps,
		MaxAllocationBps: s.MaxAllocationBps,
	}
}
