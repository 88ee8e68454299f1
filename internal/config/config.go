// Package config loads engine settings from defaults, an optional YAML file
// and DEPLOYER_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/klikdeploy/backend/internal/admission"
	"github.com/klikdeploy/backend/internal/chain"
	"github.com/klikdeploy/backend/internal/cooldown"
	"github.com/klikdeploy/backend/internal/gas"
	"github.com/klikdeploy/backend/internal/ledger"
	"github.com/klikdeploy/backend/internal/pipeline"
)

const envPrefix = "DEPLOYER_"

// Drivers.
const (
	DriverPostgres  = "postgres"
	DriverMemory    = "memory"
	DriverRPC       = "rpc"
	DriverSimulated = "simulated"
)

type Config struct {
	Database DatabaseConfig `koanf:"database"`
	HTTP     HTTPConfig     `koanf:"http"`
	Log      LogConfig      `koanf:"log"`
	Chain    ChainConfig    `koanf:"chain"`
	Policy   PolicyConfig   `koanf:"policy"`
	Queue    QueueConfig    `koanf:"queue"`
	Operator OperatorConfig `koanf:"operator"`
	NATS     NATSConfig     `koanf:"nats"`
	Notify   NotifyConfig   `koanf:"notify"`
}

type DatabaseConfig struct {
	Driver string `koanf:"driver"`
	URL    string `koanf:"url"`
}

type HTTPConfig struct {
	Port           string   `koanf:"port"`
	AllowedOrigins []string `koanf:"allowed_origins"`
	// IngestKeys are the shared secrets event producers present on the
	// /v1/deployments routes. Comma-separated when set from the environment.
	IngestKeys []string `koanf:"ingest_keys"`
}

type LogConfig struct {
	Level string `koanf:"level"`
	// File enables rotation through lumberjack; empty logs to stdout.
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

type ChainConfig struct {
	Driver             string        `koanf:"driver"`
	RPCURL             string        `koanf:"rpc_url"`
	PrivateKey         string        `koanf:"private_key"`
	FactoryAddress     string        `koanf:"factory_address"`
	InitCodeHash       string        `koanf:"init_code_hash"`
	GasLimit           uint64        `koanf:"gas_limit"`
	BaseFeeHeadroomBps uint64        `koanf:"base_fee_headroom_bps"`
	PollInterval       time.Duration `koanf:"poll_interval"`
	RequestsPerSecond  float64       `koanf:"requests_per_second"`

	HolderToken      string            `koanf:"holder_token"`
	HolderMinBalance string            `koanf:"holder_min_balance"`
	HolderWallets    map[string]string `koanf:"holder_wallets"`

	SimulatedFeeGwei     float64 `koanf:"simulated_fee_gwei"`
	SimulatedBalanceGwei int64   `koanf:"simulated_balance_gwei"`
	SimulatedGasUsed     uint64  `koanf:"simulated_gas_used"`
}

type PolicyConfig struct {
	StandardFeeCeilingGwei float64  `koanf:"standard_fee_ceiling_gwei"`
	VIPFeeCeilingGwei      float64  `koanf:"vip_fee_ceiling_gwei"`
	ElevatedFeeCeilingGwei float64  `koanf:"elevated_fee_ceiling_gwei"`
	MinReputation          int64    `koanf:"min_reputation"`
	VIPReputation          int64    `koanf:"vip_reputation"`
	EstimatedGasUnits      uint64   `koanf:"estimated_gas_units"`
	PlatformFeeGwei        int64    `koanf:"platform_fee_gwei"`
	ThroughputCeiling      int      `koanf:"throughput_ceiling"`
	SafetyMarginBps        int64    `koanf:"safety_margin_bps"`
	ElevatedIdentities     []string `koanf:"elevated_identities"`

	StandardWeeklyCap   int           `koanf:"standard_weekly_cap"`
	ElevatedWeeklyCap   int           `koanf:"elevated_weekly_cap"`
	SeverityThreshold   int           `koanf:"severity_threshold"`
	EscalationThreshold int           `koanf:"escalation_threshold"`
	CooldownPeriod      time.Duration `koanf:"cooldown_period"`
	BanPeriod           time.Duration `koanf:"ban_period"`
	MaxExpiry           time.Duration `koanf:"max_expiry"`
	SweepInterval       time.Duration `koanf:"sweep_interval"`
}

type QueueConfig struct {
	Capacity       int           `koanf:"capacity"`
	MaxAttempts    int           `koanf:"max_attempts"`
	Backoff        time.Duration `koanf:"backoff"`
	ConfirmTimeout time.Duration `koanf:"confirm_timeout"`
	ConfirmWaits   int           `koanf:"confirm_waits"`
	SequenceWindow time.Duration `koanf:"sequence_window"`
}

type OperatorConfig struct {
	Identity       string        `koanf:"identity"`
	ExemptFees     bool          `koanf:"exempt_fees"`
	ExemptCooldown bool          `koanf:"exempt_cooldown"`
	Email          string        `koanf:"email"`
	Password       string        `koanf:"password"`
	JWTSecret      string        `koanf:"jwt_secret"`
	TokenTTL       time.Duration `koanf:"token_ttl"`
}

type NATSConfig struct {
	// URL empty disables the subscriber.
	URL        string `koanf:"url"`
	Subject    string `koanf:"subject"`
	QueueGroup string `koanf:"queue_group"`
}

type NotifyConfig struct {
	WebhookURL string `koanf:"webhook_url"`
}

// Default mirrors the package defaults of each component.
func Default() Config {
	adm := admission.DefaultConfig()
	pol := cooldown.DefaultPolicy()
	ch := chain.DefaultConfig()
	retry := pipeline.DefaultRetryPolicy()
	return Config{
		Database: DatabaseConfig{Driver: DriverMemory},
		HTTP: HTTPConfig{
			Port:           "8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Log: LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
		Chain: ChainConfig{
			Driver:               DriverSimulated,
			GasLimit:             ch.GasLimit,
			BaseFeeHeadroomBps:   ch.BaseFeeHeadroomBps,
			PollInterval:         ch.PollInterval,
			RequestsPerSecond:    ch.RequestsPerSecond,
			SimulatedFeeGwei:     1,
			SimulatedBalanceGwei: 1_000_000_000,
			SimulatedGasUsed:     5_000_000,
		},
		Policy: PolicyConfig{
			StandardFeeCeilingGwei: 3,
			VIPFeeCeilingGwei:      6,
			ElevatedFeeCeilingGwei: 15,
			MinReputation:          adm.MinReputation,
			VIPReputation:          adm.VIPReputation,
			EstimatedGasUnits:      adm.EstimatedGasUnits,
			PlatformFeeGwei:        adm.PlatformFeeGwei,
			ThroughputCeiling:      adm.ThroughputCeiling,
			SafetyMarginBps:        ledger.DefaultSafetyMarginBps,
			StandardWeeklyCap:      pol.StandardWeeklyCap,
			ElevatedWeeklyCap:      pol.ElevatedWeeklyCap,
			SeverityThreshold:      pol.SeverityThreshold,
			EscalationThreshold:    pol.EscalationThreshold,
			CooldownPeriod:         pol.CooldownPeriod,
			BanPeriod:              pol.BanPeriod,
			MaxExpiry:              pol.MaxExpiry,
			SweepInterval:          time.Hour,
		},
		Queue: QueueConfig{
			Capacity:       pipeline.DefaultCapacity,
			MaxAttempts:    retry.MaxAttempts,
			Backoff:        retry.Backoff,
			ConfirmTimeout: retry.ConfirmTimeout,
			ConfirmWaits:   retry.ConfirmWaits,
			SequenceWindow: 5 * time.Second,
		},
		Operator: OperatorConfig{TokenTTL: 24 * time.Hour},
		NATS:     NATSConfig{Subject: "deployments.requested", QueueGroup: "deployer"},
	}
}

// Load reads defaults, then path (skipped when empty or missing), then the
// environment.
func Load(path string) (Config, error) {
	var fp koanf.Provider
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			fp = file.Provider(path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("stat config file: %w", err)
		}
	}
	return load(fp)
}

// Parse is Load with the YAML document given inline.
func Parse(raw []byte) (Config, error) {
	if len(raw) == 0 {
		return load(nil)
	}
	return load(rawbytes.Provider(raw))
}

func load(fp koanf.Provider) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}
	if fp != nil {
		if err := k.Load(fp, yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file: %w", err)
		}
	}
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	applyLegacyEnv(&cfg)
	return cfg, cfg.Validate()
}

// applyLegacyEnv honours the unprefixed variables hosting platforms set.
func applyLegacyEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
		cfg.Database.Driver = DriverPostgres
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.HTTP.Port = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Operator.JWTSecret = v
	}
}

func (c Config) Validate() error {
	switch c.Database.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			return errors.New("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	switch c.Chain.Driver {
	case DriverSimulated:
	case DriverRPC:
		if c.Chain.RPCURL == "" || c.Chain.PrivateKey == "" || c.Chain.FactoryAddress == "" {
			return errors.New("chain.rpc_url, chain.private_key and chain.factory_address are required for the rpc driver")
		}
	default:
		return fmt.Errorf("unknown chain.driver %q", c.Chain.Driver)
	}
	if c.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}
	return nil
}

func (c Config) Admission() admission.Config {
	p := c.Policy
	return admission.Config{
		StandardFeeCeiling:     gas.Gwei(p.StandardFeeCeilingGwei),
		VIPFeeCeiling:          gas.Gwei(p.VIPFeeCeilingGwei),
		ElevatedFeeCeiling:     gas.Gwei(p.ElevatedFeeCeilingGwei),
		MinReputation:          p.MinReputation,
		VIPReputation:          p.VIPReputation,
		EstimatedGasUnits:      p.EstimatedGasUnits,
		PlatformFeeGwei:        p.PlatformFeeGwei,
		ThroughputCeiling:      p.ThroughputCeiling,
		ExemptOperatorFee:      c.Operator.ExemptFees,
		ExemptOperatorCooldown: c.Operator.ExemptCooldown,
	}
}

func (c Config) Cooldown() cooldown.Policy {
	p := c.Policy
	return cooldown.Policy{
		StandardWeeklyCap:   p.StandardWeeklyCap,
		ElevatedWeeklyCap:   p.ElevatedWeeklyCap,
		SeverityThreshold:   p.SeverityThreshold,
		EscalationThreshold: p.EscalationThreshold,
		CooldownPeriod:      p.CooldownPeriod,
		BanPeriod:           p.BanPeriod,
		MaxExpiry:           p.MaxExpiry,
	}
}

func (c Config) ChainClient() chain.Config {
	ch := c.Chain
	return chain.Config{
		RPCURL:             ch.RPCURL,
		PrivateKeyHex:      ch.PrivateKey,
		FactoryAddress:     ch.FactoryAddress,
		InitCodeHash:       ch.InitCodeHash,
		GasLimit:           ch.GasLimit,
		BaseFeeHeadroomBps: ch.BaseFeeHeadroomBps,
		PollInterval:       ch.PollInterval,
		RequestsPerSecond:  ch.RequestsPerSecond,
	}
}

func (c Config) Retry() pipeline.RetryPolicy {
	q := c.Queue
	return pipeline.RetryPolicy{
		MaxAttempts:    q.MaxAttempts,
		Backoff:        q.Backoff,
		ConfirmTimeout: q.ConfirmTimeout,
		ConfirmWaits:   q.ConfirmWaits,
	}
}
