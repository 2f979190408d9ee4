package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Relay     RelayConfig     `yaml:"relay"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DashboardConfig struct {
	// StaticDir is where the dashboard assets live when not embedded.
	StaticDir string `yaml:"static_dir"`
	// EnableEvents is the process-wide capability flag: without it no
	// observer can ever enable traffic inspection.
	EnableEvents bool `yaml:"enable_events"`
}

type RelayConfig struct {
	// ChannelBuffer is the capacity of each inspection subscription
	// channel. Events beyond it are dropped for that subscriber.
	ChannelBuffer int `yaml:"channel_buffer"`
}

type TelemetryConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Default returns the built-in configuration used when no config file is
// given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8899,
		},
		Dashboard: DashboardConfig{
			StaticDir:    "dashboard",
			EnableEvents: false,
		},
		Relay: RelayConfig{
			ChannelBuffer: 256,
		},
		Telemetry: TelemetryConfig{
			Enabled:      true,
			PollInterval: 5 * time.Second,
		},
	}
}

// Load reads a yaml config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if cfg.Relay.ChannelBuffer <= 0 {
		return nil, fmt.Errorf("relay.channel_buffer must be positive, got %d", cfg.Relay.ChannelBuffer)
	}
	if cfg.Telemetry.Enabled && cfg.Telemetry.PollInterval <= 0 {
		return nil, fmt.Errorf("telemetry.poll_interval must be positive, got %v", cfg.Telemetry.PollInterval)
	}

	return cfg, nil
}
