// Package config loads node configuration for the delegator and executor
// CLIs: identity, overlay addresses, the runner/prover binaries, auction
// timing, metrics and logging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete node configuration.
type Config struct {
	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Overlay  OverlayConfig  `mapstructure:"overlay"  yaml:"overlay"`
	Runner   RunnerConfig   `mapstructure:"runner"   yaml:"runner"`
	Prover   ProverConfig   `mapstructure:"prover"   yaml:"prover"`
	Auction  AuctionConfig  `mapstructure:"auction"  yaml:"auction"`
	API      APIConfig      `mapstructure:"api"      yaml:"api"`
	Metrics  MetricsConfig  `mapstructure:"metrics"  yaml:"metrics"`
	Log      LogConfig      `mapstructure:"log"      yaml:"log"`
}

// IdentityConfig holds the node's signing key and advertised bidder name.
type IdentityConfig struct {
	PrivateKeyHex string `mapstructure:"private_key_hex" yaml:"private_key_hex" env:"IDENTITY_PRIVATE_KEY_HEX"`
	Name          string `mapstructure:"name"            yaml:"name"            env:"IDENTITY_NAME"`
}

// OverlayConfig holds the pub-sub/DHT transport's listen and bootstrap
// addresses.
type OverlayConfig struct {
	ListenAddr    string        `mapstructure:"listen_addr"    yaml:"listen_addr"    env:"OVERLAY_LISTEN_ADDR"`
	DialAddresses []string      `mapstructure:"dial_addresses" yaml:"dial_addresses"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"   yaml:"dial_timeout"   env:"OVERLAY_DIAL_TIMEOUT"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"   yaml:"read_timeout"   env:"OVERLAY_READ_TIMEOUT"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"  yaml:"write_timeout"  env:"OVERLAY_WRITE_TIMEOUT"`
}

// RunnerConfig holds the cairo-run supervisor's binary and program paths.
// Unused by a delegator-only node.
type RunnerConfig struct {
	BinaryPath  string `mapstructure:"binary_path"  yaml:"binary_path"  env:"RUNNER_BINARY_PATH"`
	ProgramPath string `mapstructure:"program_path" yaml:"program_path" env:"RUNNER_PROGRAM_PATH"`
}

// ProverConfig holds the cpu_air_prover supervisor's binary path. Unused
// by a delegator-only node.
type ProverConfig struct {
	BinaryPath string `mapstructure:"binary_path" yaml:"binary_path" env:"PROVER_BINARY_PATH"`
}

// AuctionConfig holds the bid auction's window override. Unused by an
// executor-only node.
type AuctionConfig struct {
	Window time.Duration `mapstructure:"window" yaml:"window" env:"AUCTION_WINDOW"`
}

// APIConfig holds the client-facing HTTP façade's listen address
// (spec.md §6: POST /delegate, GET /job_events, GET /health).
type APIConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"         yaml:"listen_addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"        yaml:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"       yaml:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"        yaml:"idle_timeout"`
}

// MetricsConfig holds the Prometheus exporter's listen address.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" env:"METRICS_ENABLED"`
	Port    int    `mapstructure:"port"    yaml:"port"    env:"METRICS_PORT"`
	Path    string `mapstructure:"path"    yaml:"path"    env:"METRICS_PATH"`
}

// LogConfig holds zerolog's output configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"  env:"LOG_LEVEL"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty" env:"LOG_PRETTY"`
}

// Load loads configuration from a YAML file layered with environment
// variables and defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("identity.name", "")
	v.SetDefault("identity.private_key_hex", "")

	v.SetDefault("overlay.listen_addr", ":7420")
	v.SetDefault("overlay.dial_addresses", []string{})
	v.SetDefault("overlay.dial_timeout", "5s")
	v.SetDefault("overlay.read_timeout", "30s")
	v.SetDefault("overlay.write_timeout", "10s")

	v.SetDefault("runner.binary_path", "cairo-run")
	v.SetDefault("runner.program_path", "")

	v.SetDefault("prover.binary_path", "cpu_air_prover")

	v.SetDefault("auction.window", "5s")

	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.read_header_timeout", "5s")
	v.SetDefault("api.read_timeout", "15s")
	v.SetDefault("api.write_timeout", "30s")
	v.SetDefault("api.idle_timeout", "120s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9420)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Validate checks the configuration for internal consistency. It does
// not require identity.private_key_hex: CLIs may instead generate an
// ephemeral key, so that check is left to the caller.
func (c *Config) Validate() error {
	if err := c.validateOverlay(); err != nil {
		return err
	}
	if err := c.validateAuction(); err != nil {
		return err
	}
	if err := c.validateMetrics(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateOverlay() error {
	if strings.TrimSpace(c.Overlay.ListenAddr) == "" {
		return fmt.Errorf("overlay.listen_addr must not be empty")
	}
	if c.Overlay.DialTimeout <= 0 {
		return fmt.Errorf("overlay.dial_timeout must be positive")
	}
	if c.Overlay.ReadTimeout <= 0 {
		return fmt.Errorf("overlay.read_timeout must be positive")
	}
	if c.Overlay.WriteTimeout <= 0 {
		return fmt.Errorf("overlay.write_timeout must be positive")
	}
	return nil
}

func (c *Config) validateAuction() error {
	// a zero window defers to bidqueue.AuctionWindow rather than meaning
	// "no window"; only a negative value is a configuration error.
	if c.Auction.Window < 0 {
		return fmt.Errorf("auction.window must not be negative")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1-65535 when metrics enabled, got %d", c.Metrics.Port)
	}
	return nil
}

// Default returns a configuration usable for local single-node testing.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{},
		Overlay: OverlayConfig{
			ListenAddr:   ":7420",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Runner: RunnerConfig{BinaryPath: "cairo-run"},
		Prover: ProverConfig{BinaryPath: "cpu_air_prover"},
		Auction: AuctionConfig{
			Window: 5 * time.Second,
		},
		API: APIConfig{
			ListenAddr:        ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9420,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}
