// Package config loads the daemon configuration. Configuration is read
// once at startup into an immutable value handed to each component;
// nothing mutates it while connections are being served.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/policy"
)

// Config is the full daemon configuration.
type Config struct {
	Server struct {
		Hostname       string `toml:"hostname"`
		Listen         string `toml:"listen"`
		MaxConnections int    `toml:"max_connections"`
		ReadTimeout    int    `toml:"read_timeout"` // seconds
	} `toml:"server"`

	Logging struct {
		Level  string `toml:"level"`  // "debug", "info", "warn", "error"
		Format string `toml:"format"` // "text" or "json"
	} `toml:"logging"`

	Proxy struct {
		Enabled      bool   `toml:"enabled"`
		TrustedRelay string `toml:"trusted_relay"`
	} `toml:"proxy"`

	DNSBL struct {
		Zones      []string `toml:"zones"` // "zone[:custom message]" entries
		Allowlist  []string `toml:"allowlist"`
		DNSServers []string `toml:"dns_servers"`
		Timeout    int      `toml:"timeout"`   // seconds
		RejectAt   string   `toml:"reject_at"` // "connect" or "deferred"
		RejectType string   `toml:"reject_type"`
	} `toml:"dnsbl"`

	Naughty struct {
		TriggerPhase      string `toml:"trigger_phase"`
		DefaultRejectType string `toml:"default_reject_type"`
	} `toml:"naughty"`

	Greylist struct {
		Enabled    bool   `toml:"enabled"`
		RetryDelay int    `toml:"retry_delay"` // seconds
		Expiry     int    `toml:"expiry"`      // seconds
		CacheType  string `toml:"cache_type"`  // "memory", "redis", "memcached"
		CacheHost  string `toml:"cache_host"`
		CachePort  int    `toml:"cache_port"`
		Password   string `toml:"password"`
		Database   int    `toml:"database"`
	} `toml:"greylist"`

	Karma struct {
		Enabled bool `toml:"enabled"`
		Floor   int  `toml:"floor"`
	} `toml:"karma"`

	Auth struct {
		Enabled        bool   `toml:"enabled"`
		DatasourceType string `toml:"datasource_type"` // "file" or "sqlite"
		DatasourcePath string `toml:"datasource_path"`
	} `toml:"auth"`

	API struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"api"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Hostname = "localhost"
	cfg.Server.Listen = ":2525"
	cfg.Server.MaxConnections = 500
	cfg.Server.ReadTimeout = 300

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	cfg.Proxy.TrustedRelay = "127.0.0.1"

	cfg.DNSBL.Timeout = 30
	cfg.DNSBL.RejectAt = "connect"
	cfg.DNSBL.RejectType = string(connection.RejectPermanent)

	cfg.Naughty.TriggerPhase = string(policy.PhaseRcptTo)
	cfg.Naughty.DefaultRejectType = string(connection.RejectDisconnect)

	cfg.Greylist.RetryDelay = 300
	cfg.Greylist.Expiry = 36 * 3600
	cfg.Greylist.CacheType = "memory"

	cfg.Karma.Floor = -3

	cfg.API.Listen = ":8025"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations. An
// explicit path is checked and nothing else.
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./guardpost.conf",
		"./config/guardpost.conf",
		os.ExpandEnv("$HOME/.guardpost.conf"),
		"/etc/guardpost/guardpost.conf",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", nil
}

// LoadConfig reads the configuration file at configPath, or the first
// one found in the search locations when empty. With no file present the
// defaults are returned.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	path, err := FindConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse loads configuration from raw TOML, applied over the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with. These are
// startup-fatal, never silently ignored.
func (c *Config) Validate() error {
	if _, err := policy.ParsePhase(c.Naughty.TriggerPhase); err != nil {
		return fmt.Errorf("naughty.trigger_phase: %w", err)
	}
	if !connection.ValidRejectType(c.Naughty.DefaultRejectType) {
		return fmt.Errorf("naughty.default_reject_type: unknown reject type %q", c.Naughty.DefaultRejectType)
	}
	if !connection.ValidRejectType(c.DNSBL.RejectType) {
		return fmt.Errorf("dnsbl.reject_type: unknown reject type %q", c.DNSBL.RejectType)
	}
	switch c.DNSBL.RejectAt {
	case "connect", "deferred":
	default:
		return fmt.Errorf("dnsbl.reject_at: must be \"connect\" or \"deferred\", got %q", c.DNSBL.RejectAt)
	}
	if c.Proxy.Enabled {
		if net.ParseIP(c.Proxy.TrustedRelay) == nil {
			return fmt.Errorf("proxy.trusted_relay: invalid address %q", c.Proxy.TrustedRelay)
		}
	}
	for _, zone := range c.DNSBL.Zones {
		if zone == "" {
			return fmt.Errorf("dnsbl.zones: empty zone entry")
		}
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections: must be positive")
	}
	return nil
}

// TriggerPhase returns the validated dispatcher trigger phase.
func (c *Config) TriggerPhase() policy.Phase {
	p, _ := policy.ParsePhase(c.Naughty.TriggerPhase)
	return p
}

// DNSBLTimeout returns the zone query timeout as a duration.
func (c *Config) DNSBLTimeout() time.Duration {
	return time.Duration(c.DNSBL.Timeout) * time.Second
}

// ReadTimeout returns the per-command client read deadline.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeout) * time.Second
}
