package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config captures the runtime configuration of the middleman daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	DataDir       string `toml:"DataDir"`
	AuditDBPath   string `toml:"AuditDBPath"`
	LogFile       string `toml:"LogFile"`

	NodeURL     string `toml:"NodeURL"`
	NodeRPCUser string `toml:"NodeRPCUser"`
	NodeRPCPass string `toml:"NodeRPCPass"`

	// FeeRatePerKB is the release fee rate in whole coins per kilobyte of
	// signed transaction.
	FeeRatePerKB float64 `toml:"FeeRatePerKB"`

	PollInterval duration `toml:"PollInterval"`
	JoinWait     duration `toml:"JoinWait"`
	ReleaseWait  duration `toml:"ReleaseWait"`

	// WebhookURL receives lifecycle events for the chat front end. Empty
	// disables delivery.
	WebhookURL string `toml:"WebhookURL"`

	// RateLimitPerMinute caps inbound adapter requests per client.
	RateLimitPerMinute int `toml:"RateLimitPerMinute"`
}

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

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress:      ":8085",
		Environment:        "dev",
		DataDir:            "./middleman-data",
		AuditDBPath:        "./middleman-audit.db",
		NodeURL:            "http://127.0.0.1:9332",
		FeeRatePerKB:       0.0001,
		PollInterval:       duration{10 * time.Second},
		JoinWait:           duration{60 * time.Second},
		ReleaseWait:        duration{60 * time.Second},
		RateLimitPerMinute: 120,
	}
}

// Load reads the configuration from the given path, falling back to
// defaults for a missing file or missing fields.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		return fmt.Errorf("config: ListenAddress is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("config: DataDir is required")
	}
	if strings.TrimSpace(c.NodeURL) == "" {
		return fmt.Errorf("config: NodeURL is required")
	}
	if c.FeeRatePerKB <= 0 {
		return fmt.Errorf("config: FeeRatePerKB must be positive")
	}
	if c.PollInterval.Duration <= 0 {
		return fmt.Errorf("config: PollInterval must be positive")
	}
	if c.JoinWait.Duration <= 0 {
		return fmt.Errorf("config: JoinWait must be positive")
	}
	if c.ReleaseWait.Duration <= 0 {
		return fmt.Errorf("config: ReleaseWait must be positive")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("config: RateLimitPerMinute must be positive")
	}
	return nil
}

// PollIntervalDuration exposes the parsed poll interval.
func (c *Config) PollIntervalDuration() time.Duration { return c.PollInterval.Duration }

// JoinWaitDuration exposes the parsed join wait bound.
func (c *Config) JoinWaitDuration() time.Duration { return c.JoinWait.Duration }

// ReleaseWaitDuration exposes the parsed release wait bound.
func (c *Config) ReleaseWaitDuration() time.Duration { return c.ReleaseWait.Duration }
