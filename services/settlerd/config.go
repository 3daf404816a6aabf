package settlerd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"stakearena/core/ledger"
	"stakearena/core/settlement"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses a duration for TOML and environment sources.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlerd.
type Config struct {
	Environment string           `yaml:"environment" toml:"environment"`
	Log         LogConfig        `yaml:"log" toml:"log"`
	Lobby       LobbyConfig      `yaml:"lobby" toml:"lobby"`
	Settlement  SettlementConfig `yaml:"settlement" toml:"settlement"`
	Chain       ChainConfig      `yaml:"chain" toml:"chain"`
	Deposits    DepositsConfig   `yaml:"deposits" toml:"deposits"`
	Archive     ArchiveConfig    `yaml:"archive" toml:"archive"`
	Gateway     GatewayConfig    `yaml:"gateway" toml:"gateway"`
	Admin       AdminConfig      `yaml:"admin" toml:"admin"`
	Telemetry   TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	Webhook     WebhookConfig    `yaml:"webhook" toml:"webhook"`
}

// LogConfig controls structured logging and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// LobbyConfig describes the round schedule and stake.
type LobbyConfig struct {
	RoundDuration  Duration `yaml:"round_duration" toml:"round_duration"`
	GracePeriod    Duration `yaml:"grace_period" toml:"grace_period"`
	CashOutGrace   Duration `yaml:"cash_out_grace" toml:"cash_out_grace"`
	ReconnectGrace Duration `yaml:"reconnect_grace" toml:"reconnect_grace"`
	Stake          uint64   `yaml:"stake" toml:"stake"`
}

// SettlementConfig controls payout calculation and submission.
type SettlementConfig struct {
	FeeBps                  uint32   `yaml:"fee_bps" toml:"fee_bps"`
	Strategy                string   `yaml:"strategy" toml:"strategy"`
	PendingDisconnectPolicy string   `yaml:"pending_disconnect_policy" toml:"pending_disconnect_policy"`
	MaxAttempts             int      `yaml:"max_attempts" toml:"max_attempts"`
	BackoffUnit             Duration `yaml:"backoff_unit" toml:"backoff_unit"`
	FinalizeInterval        Duration `yaml:"finalize_interval" toml:"finalize_interval"`
	GraceInterval           Duration `yaml:"grace_interval" toml:"grace_interval"`
	EvictInterval           Duration `yaml:"evict_interval" toml:"evict_interval"`
	Retention               Duration `yaml:"retention" toml:"retention"`
	SettleTimeout           Duration `yaml:"settle_timeout" toml:"settle_timeout"`
	PauseOnStart            bool     `yaml:"pause" toml:"pause"`

	pendingPolicy ledger.PendingPolicy
}

// PendingPolicy returns the parsed pending-disconnect policy.
func (s SettlementConfig) PendingPolicy() ledger.PendingPolicy { return s.pendingPolicy }

// ChainConfig configures the escrow contract client and operator key.
type ChainConfig struct {
	RPC                   string   `yaml:"rpc" toml:"rpc"`
	EscrowAddress         string   `yaml:"escrow_address" toml:"escrow_address"`
	ChainID               int64    `yaml:"chain_id" toml:"chain_id"`
	Confirmations         uint64   `yaml:"confirmations" toml:"confirmations"`
	PollInterval          Duration `yaml:"poll_interval" toml:"poll_interval"`
	GasLimit              uint64   `yaml:"gas_limit" toml:"gas_limit"`
	SignerKey             string   `yaml:"signer_key" toml:"signer_key"`
	SignerKeyEnv          string   `yaml:"signer_key_env" toml:"signer_key_env"`
	SignerKeyFile         string   `yaml:"signer_key_file" toml:"signer_key_file"`
	Keystore              string   `yaml:"keystore" toml:"keystore"`
	KeystorePassphraseEnv string   `yaml:"keystore_passphrase_env" toml:"keystore_passphrase_env"`
}

// DepositsConfig controls the deposit cache and log watcher.
type DepositsConfig struct {
	Horizon        Duration `yaml:"horizon" toml:"horizon"`
	SweepInterval  Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	Watch          bool     `yaml:"watch" toml:"watch"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	BatchSize      uint64   `yaml:"batch_size" toml:"batch_size"`
	StartBlock     uint64   `yaml:"start_block" toml:"start_block"`
	CheckpointPath string   `yaml:"checkpoint_path" toml:"checkpoint_path"`
}

// ArchiveConfig selects the result archive backend.
type ArchiveConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// GatewayConfig configures the public claim API and game-event websocket.
type GatewayConfig struct {
	ListenAddress     string   `yaml:"listen" toml:"listen"`
	JWTSecret         string   `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv      string   `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTIssuer         string   `yaml:"jwt_issuer" toml:"jwt_issuer"`
	RequestsPerMinute float64  `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int      `yaml:"burst" toml:"burst"`
	AllowedOrigins    []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	ListenAddress   string         `yaml:"listen" toml:"listen"`
	BearerToken     string         `yaml:"bearer_token" toml:"bearer_token"`
	BearerTokenFile string         `yaml:"bearer_token_file" toml:"bearer_token_file"`
	MTLS            MTLSConfig     `yaml:"mtls" toml:"mtls"`
	TLS             AdminTLSConfig `yaml:"tls" toml:"tls"`
}

// MTLSConfig controls mutual TLS verification.
type MTLSConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ClientCAPath string `yaml:"client_ca" toml:"client_ca"`
}

// AdminTLSConfig configures TLS certificates for the admin API.
type AdminTLSConfig struct {
	Disable  bool   `yaml:"disable" toml:"disable"`
	CertPath string `yaml:"cert" toml:"cert"`
	KeyPath  string `yaml:"key" toml:"key"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// WebhookConfig forwards lobby events to an operator endpoint. Empty URL disables it.
type WebhookConfig struct {
	URL         string   `yaml:"url" toml:"url"`
	Secret      string   `yaml:"secret" toml:"secret"`
	SecretEnv   string   `yaml:"secret_env" toml:"secret_env"`
	Events      []string `yaml:"events" toml:"events"`
	MaxAttempts int      `yaml:"max_attempts" toml:"max_attempts"`
}

// LoadConfig reads configuration from path. Files ending in .toml are decoded as
// TOML; everything else as YAML.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	contents, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(contents), &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(contents, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	return finishConfig(cfg)
}

func finishConfig(cfg Config) (Config, error) {
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Gateway.normalise(); err != nil {
		return cfg, fmt.Errorf("gateway: %w", err)
	}
	if err := cfg.Webhook.normalise(); err != nil {
		return cfg, fmt.Errorf("webhook: %w", err)
	}
	policy, err := ledger.ParsePendingPolicy(cfg.Settlement.PendingDisconnectPolicy)
	if err != nil {
		return cfg, err
	}
	cfg.Settlement.pendingPolicy = policy
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if env := strings.TrimSpace(os.Getenv("SETTLERD_ENV")); env != "" {
		cfg.Environment = env
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.File != "" {
		if cfg.Log.MaxSizeMB <= 0 {
			cfg.Log.MaxSizeMB = 100
		}
		if cfg.Log.MaxBackups <= 0 {
			cfg.Log.MaxBackups = 5
		}
	}
	if cfg.Lobby.RoundDuration.Duration == 0 {
		cfg.Lobby.RoundDuration.Duration = 10 * time.Minute
	}
	if cfg.Lobby.GracePeriod.Duration == 0 {
		cfg.Lobby.GracePeriod.Duration = 5 * time.Minute
	}
	if cfg.Lobby.ReconnectGrace.Duration == 0 {
		cfg.Lobby.ReconnectGrace.Duration = 30 * time.Second
	}
	if cfg.Settlement.Strategy == "" {
		cfg.Settlement.Strategy = StrategyDirect
	}
	if cfg.Settlement.PendingDisconnectPolicy == "" {
		cfg.Settlement.PendingDisconnectPolicy = ledger.PendingForfeit.String()
	}
	if cfg.Settlement.MaxAttempts <= 0 {
		cfg.Settlement.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Settlement.BackoffUnit.Duration == 0 {
		cfg.Settlement.BackoffUnit.Duration = defaultBackoffUnit
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 3
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 3 * time.Second
	}
	if cfg.Deposits.SweepInterval.Duration == 0 {
		cfg.Deposits.SweepInterval.Duration = time.Minute
	}
	if cfg.Archive.Driver == "" {
		cfg.Archive.Driver = "bolt"
	}
	if cfg.Archive.Driver == "bolt" && cfg.Archive.Path == "" {
		cfg.Archive.Path = "settlerd-archive.db"
	}
	if cfg.Gateway.ListenAddress == "" {
		cfg.Gateway.ListenAddress = ":8080"
	}
	if cfg.Gateway.RequestsPerMinute <= 0 {
		cfg.Gateway.RequestsPerMinute = 600
	}
	if cfg.Gateway.Burst <= 0 {
		cfg.Gateway.Burst = 50
	}
	if cfg.Admin.ListenAddress == "" {
		cfg.Admin.ListenAddress = ":7090"
	}
}

func validateConfig(cfg Config) error {
	if cfg.Lobby.Stake == 0 {
		return fmt.Errorf("lobby.stake must be configured")
	}
	if cfg.Lobby.RoundDuration.Duration < time.Second {
		return fmt.Errorf("lobby.round_duration must be at least 1s")
	}
	if cfg.Lobby.CashOutGrace.Duration >= cfg.Lobby.RoundDuration.Duration {
		return fmt.Errorf("lobby.cash_out_grace must be shorter than the round")
	}
	if cfg.Settlement.FeeBps >= settlement.BasisPoints {
		return fmt.Errorf("settlement.fee_bps must be below %d", settlement.BasisPoints)
	}
	switch cfg.Settlement.Strategy {
	case StrategyDirect, StrategyMerkle:
	default:
		return fmt.Errorf("settlement.strategy must be %q or %q", StrategyDirect, StrategyMerkle)
	}
	if strings.TrimSpace(cfg.Chain.RPC) == "" {
		return fmt.Errorf("chain.rpc must be configured")
	}
	if strings.TrimSpace(cfg.Chain.EscrowAddress) == "" {
		return fmt.Errorf("chain.escrow_address must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id must be configured")
	}
	switch cfg.Archive.Driver {
	case "bolt":
	case "sql":
		if strings.TrimSpace(cfg.Archive.DSN) == "" {
			return fmt.Errorf("archive.dsn must be configured for the sql driver")
		}
	default:
		return fmt.Errorf("archive.driver must be bolt or sql")
	}
	if cfg.Gateway.JWTSecret == "" {
		return fmt.Errorf("gateway.jwt_secret must be configured")
	}
	if cfg.Admin.BearerToken == "" && !cfg.Admin.MTLS.Enabled {
		return fmt.Errorf("configure either bearer_token or mTLS for admin authentication")
	}
	return nil
}

// normalise trims key references. The key itself is resolved by chain.LoadKey so
// keystore passphrases never pass through the config struct.
func (c *ChainConfig) normalise() error {
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	c.Keystore = strings.TrimSpace(c.Keystore)
	c.KeystorePassphraseEnv = strings.TrimSpace(c.KeystorePassphraseEnv)
	if c.SignerKey == "" && c.SignerKeyEnv == "" && c.SignerKeyFile == "" && c.Keystore == "" {
		return fmt.Errorf("one of signer_key, signer_key_env, signer_key_file or keystore is required")
	}
	return nil
}

func (g *GatewayConfig) normalise() error {
	g.JWTSecret = strings.TrimSpace(g.JWTSecret)
	if env := strings.TrimSpace(g.JWTSecretEnv); env != "" && g.JWTSecret == "" {
		g.JWTSecret = strings.TrimSpace(os.Getenv(env))
		if g.JWTSecret == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", env)
		}
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.MTLS.ClientCAPath = strings.TrimSpace(a.MTLS.ClientCAPath)
	a.TLS.CertPath = strings.TrimSpace(a.TLS.CertPath)
	a.TLS.KeyPath = strings.TrimSpace(a.TLS.KeyPath)
	if a.TLS.CertPath == "" && a.TLS.KeyPath == "" {
		a.TLS.Disable = true
	}
	if !a.TLS.Disable && (a.TLS.CertPath == "" || a.TLS.KeyPath == "") {
		return fmt.Errorf("tls.cert and tls.key must both be configured when TLS is enabled")
	}
	if a.MTLS.Enabled && a.TLS.Disable {
		return fmt.Errorf("mTLS requires TLS to be enabled")
	}
	if a.MTLS.Enabled && a.MTLS.ClientCAPath == "" {
		return fmt.Errorf("mtls.client_ca must be configured when mTLS is enabled")
	}
	return nil
}

func (w *WebhookConfig) normalise() error {
	w.URL = strings.TrimSpace(w.URL)
	w.Secret = strings.TrimSpace(w.Secret)
	if w.URL == "" {
		return nil
	}
	if env := strings.TrimSpace(w.SecretEnv); env != "" && w.Secret == "" {
		w.Secret = strings.TrimSpace(os.Getenv(env))
	}
	if w.Secret == "" {
		return fmt.Errorf("secret or secret_env must be configured with url")
	}
	return nil
}
