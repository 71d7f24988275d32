package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	// DefaultMasterSecretEnv names the environment variable the escrow
	// master secret is read from when the config does not override it.
	DefaultMasterSecretEnv = "OCTESCROW_MASTER_SECRET"

	// EnvProduction marks deployments where the strict master-secret
	// length policy applies.
	EnvProduction = "production"

	minProductionSecretLen = 32
)

// Config carries the escrow daemon configuration.
type Config struct {
	ListenAddress   string   `toml:"ListenAddress"`
	DataDir         string   `toml:"DataDir"`
	Environment     string   `toml:"Environment"`
	MasterSecretEnv string   `toml:"MasterSecretEnv"`
	DepositWindow   duration `toml:"DepositWindow"`
	SweepInterval   duration `toml:"SweepInterval"`
	ChainGatewayURL string   `toml:"ChainGatewayURL"`
	APITokenSecret  string   `toml:"APITokenSecret"`
	LogFile         string   `toml:"LogFile"`
	RateLimitPerSec float64  `toml:"RateLimitPerSec"`
	ChainTimeout    duration `toml:"ChainTimeout"`
}

// duration lets TOML carry values like "10m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DepositWindowOrDefault returns the configured deposit window, defaulting
// to ten minutes.
func (c *Config) DepositWindowOrDefault() time.Duration {
	if c.DepositWindow.Duration <= 0 {
		return 10 * time.Minute
	}
	return c.DepositWindow.Duration
}

// SweepIntervalOrDefault returns the configured sweep interval, defaulting
// to one minute.
func (c *Config) SweepIntervalOrDefault() time.Duration {
	if c.SweepInterval.Duration <= 0 {
		return time.Minute
	}
	return c.SweepInterval.Duration
}

// ChainTimeoutOrDefault bounds individual chain gateway calls.
func (c *Config) ChainTimeoutOrDefault() time.Duration {
	if c.ChainTimeout.Duration <= 0 {
		return 30 * time.Second
	}
	return c.ChainTimeout.Duration
}

// MasterSecret resolves the escrow master secret from the configured
// environment variable. The process refuses to start without it; in
// production the secret must be at least 32 characters.
func (c *Config) MasterSecret() (string, error) {
	envName := strings.TrimSpace(c.MasterSecretEnv)
	if envName == "" {
		envName = DefaultMasterSecretEnv
	}
	secret := os.Getenv(envName)
	if secret == "" {
		return "", fmt.Errorf("config: master secret environment variable %s is not set", envName)
	}
	if strings.EqualFold(strings.TrimSpace(c.Environment), EnvProduction) && len(secret) < minProductionSecretLen {
		return "", fmt.Errorf("config: master secret must be at least %d characters in production", minProductionSecretLen)
	}
	return secret, nil
}

// Load loads the configuration from the given path, writing a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown key %s in %s", undecoded[0], path)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8090"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./octescrow-data"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "development"
	}
	if strings.TrimSpace(cfg.MasterSecretEnv) == "" {
		cfg.MasterSecretEnv = DefaultMasterSecretEnv
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 25
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:   ":8090",
		DataDir:         "./octescrow-data",
		Environment:     "development",
		MasterSecretEnv: DefaultMasterSecretEnv,
		DepositWindow:   duration{10 * time.Minute},
		SweepInterval:   duration{time.Minute},
		RateLimitPerSec: 25,
		ChainTimeout:    duration{30 * time.Second},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
