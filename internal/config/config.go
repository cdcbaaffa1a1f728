// Package config loads the demo CLI's YAML configuration file, grounded
// on parent/config.go's DefaultConfig-then-overlay pattern: start from
// defaults, overlay the file if present, optionally overlay again from
// AWS Systems Manager Parameter Store (internal/ssmconfig) if a parameter
// path is configured.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/northlane-systems/seedauth/internal/ssmconfig"
)

// Config drives cmd/devicesim: the migration window duration and the
// optional storage/transport/sealing endpoints. PBES2Iterations is loaded
// and overlaid from SSM but nothing consumes it: internal/pbes always uses
// its fixed iteration count.
type Config struct {
	MigrationWindowMS int `yaml:"migration_window_ms"`
	PBES2Iterations   int `yaml:"pbes2_iterations"`

	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Seal      SealConfig      `yaml:"seal"`
	Backup    BackupConfig    `yaml:"backup"`
	SSM       SSMConfig       `yaml:"ssm"`
}

// StorageConfig names the optional persistence adapter's database path.
type StorageConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

// TransportConfig names the optional NATS demo transport's server.
type TransportConfig struct {
	URL           string `yaml:"url"`
	ReconnectMS   int    `yaml:"reconnect_wait_ms"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// SealConfig names the optional attestation-key KMS sealing key.
type SealConfig struct {
	Region string `yaml:"region"`
	KeyARN string `yaml:"key_arn"`
}

// BackupConfig names the optional credential-bundle export bucket.
type BackupConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix"`
}

// SSMConfig names the optional Parameter Store path used to overlay the
// migration window and PBES2 iteration count at runtime.
type SSMConfig struct {
	Region     string `yaml:"region"`
	PathPrefix string `yaml:"path_prefix"`
}

// DefaultConfig returns the settings used when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		MigrationWindowMS: 3 * 60 * 1000,
		PBES2Iterations:   1000,
		Transport: TransportConfig{
			URL:           "nats://127.0.0.1:4222",
			ReconnectMS:   2000,
			MaxReconnects: -1,
		},
	}
}

// Load reads path and overlays it onto DefaultConfig(). A missing file is
// not an error — defaults are used as-is, matching parent/config.go's
// LoadConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// MigrationWindow returns the configured migration window as a Duration.
func (c *Config) MigrationWindow() time.Duration {
	return time.Duration(c.MigrationWindowMS) * time.Millisecond
}

// ssmParams adapts the subset of Config that ssmconfig can overlay.
func (c *Config) ssmParams() ssmconfig.Params {
	return ssmconfig.Params{
		MigrationWindow: c.MigrationWindow(),
		PBES2Iterations: c.PBES2Iterations,
	}
}

// ApplySSM overlays values fetched from Parameter Store through client, if
// non-nil, mutating c in place.
func (c *Config) ApplySSM(ctx context.Context, client *ssmconfig.Client) {
	if client == nil {
		return
	}
	overlaid := client.Overlay(ctx, c.ssmParams())
	c.MigrationWindowMS = int(overlaid.MigrationWindow / time.Millisecond)
	c.PBES2Iterations = overlaid.PBES2Iterations
}
