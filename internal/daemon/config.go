// Package daemon wires guardianctl together and manages its configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all guardianctl configuration.
type Config struct {
	Guardians []GuardianConfig `toml:"guardians"`
	Transport TransportConfig  `toml:"transport"`
	Polling   PollingConfig    `toml:"polling"`
	Consensus ConsensusConfig  `toml:"consensus"`
	Setup     SetupConfig      `toml:"setup"`
	API       APIConfig        `toml:"api"`
	Logging   LoggingConfig    `toml:"logging"`
	Store     StoreConfig      `toml:"store"`
	Telemetry TelemetryConfig  `toml:"telemetry"`
}

// GuardianConfig names one managed guardian and where to reach it.
type GuardianConfig struct {
	ID      string `toml:"id"`
	BaseURL string `toml:"base_url"`
}

// TransportConfig tunes the guardian RPC client.
type TransportConfig struct {
	RequestTimeout     Duration `toml:"request_timeout"`
	MaxConnectAttempts int      `toml:"max_connect_attempts"`
	BackoffUnit        Duration `toml:"backoff_unit"`
}

// PollingConfig paces the background pollers.
type PollingConfig struct {
	Interval    Duration `toml:"interval"`
	DKGInterval Duration `toml:"dkg_interval"`
}

// ConsensusConfig tunes the start-consensus confirmation.
type ConsensusConfig struct {
	StartTimeout    Duration `toml:"start_timeout"`
	ConfirmAttempts int      `toml:"confirm_attempts"`
	ConfirmInterval Duration `toml:"confirm_interval"`
}

// SetupConfig holds onboarding options.
type SetupConfig struct {
	// Tos is shown before a role can be chosen. Empty disables the gate.
	Tos string `toml:"tos"`
}

// APIConfig controls the local control API.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// StoreConfig controls where setup state is kept.
type StoreConfig struct {
	Dir string `toml:"dir"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus     bool     `toml:"prometheus"`
	HealthInterval Duration `toml:"health_interval"`
}

// Duration is a time.Duration written as a string ("5s", "2h") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func dur(d time.Duration) Duration { return Duration{d} }

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	homeDir := home()
	return Config{
		Transport: TransportConfig{
			RequestTimeout:     dur(5 * time.Hour),
			MaxConnectAttempts: 10,
			BackoffUnit:        dur(time.Second),
		},
		Polling: PollingConfig{
			Interval:    dur(2 * time.Second),
			DKGInterval: dur(3 * time.Second),
		},
		Consensus: ConsensusConfig{
			StartTimeout:    dur(5 * time.Second),
			ConfirmAttempts: 10,
			ConfirmInterval: dur(time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7700,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Store: StoreConfig{
			Dir: homeDir,
		},
		Telemetry: TelemetryConfig{
			Prometheus:     true,
			HealthInterval: dur(30 * time.Second),
		},
	}
}

// LoadConfig reads config from $GUARDIANCTL_HOME/config.toml, falling back
// to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(home(), "config.toml"))
}

// LoadConfigFile reads config from path. A missing file yields defaults.
// With no guardians configured, FM_CONFIG_API supplies one named "default".
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("stat config: %w", err)
	}

	if len(cfg.Guardians) == 0 {
		if url := os.Getenv("FM_CONFIG_API"); url != "" {
			cfg.Guardians = []GuardianConfig{{ID: "default", BaseURL: url}}
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks the guardian list for missing or duplicate ids.
func (c Config) Validate() error {
	seen := make(map[string]bool, len(c.Guardians))
	for i, g := range c.Guardians {
		if g.ID == "" {
			return fmt.Errorf("guardians[%d]: id is required", i)
		}
		if seen[g.ID] {
			return fmt.Errorf("guardians[%d]: duplicate id %q", i, g.ID)
		}
		seen[g.ID] = true
	}
	return nil
}

// SaveConfig writes the config to $GUARDIANCTL_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(home(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// home returns the guardianctl data directory.
func home() string {
	if env := os.Getenv("GUARDIANCTL_HOME"); env != "" {
		return env
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".guardianctl")
}

// Home is exported for use by other packages.
func Home() string {
	return home()
}
