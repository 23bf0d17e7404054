// Package config loads the TOML configuration file for the mailgrove relay
// and provides typed access with defaults. Command-line flags in the main
// package may override individual values after loading.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mailgrove/mailgrove/consts"
	"github.com/mailgrove/mailgrove/helpers"
)

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host            string `toml:"host"`
	Port            string `toml:"port"`
	User            string `toml:"user"`
	Password        string `toml:"password"`
	Name            string `toml:"name"`
	TLSMode         bool   `toml:"tls"`
	LogQueries      bool   `toml:"log_queries"`
	MaxConns        int    `toml:"max_conns"`
	MinConns        int    `toml:"min_conns"`
	MaxConnLifetime string `toml:"max_conn_lifetime"`
	MaxConnIdleTime string `toml:"max_conn_idle_time"`
}

// GetMaxConnLifetime parses the max connection lifetime duration.
func (d *DatabaseConfig) GetMaxConnLifetime() (time.Duration, error) {
	if d.MaxConnLifetime == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.MaxConnLifetime)
}

// GetMaxConnIdleTime parses the max connection idle time duration.
func (d *DatabaseConfig) GetMaxConnIdleTime() (time.Duration, error) {
	if d.MaxConnIdleTime == "" {
		return 30 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MaxConnIdleTime)
}

// PollerConfig holds the scheduler configuration.
type PollerConfig struct {
	// Interval between poll cycles, e.g. "60s" or "5m".
	Interval string `toml:"interval"`
	// Domain identifies this instance in the loop-marker header stamped on
	// every outgoing message, and is matched against inbound messages to
	// reject mail this instance sent itself.
	Domain string `toml:"domain"`
	// ConnectTimeout bounds IMAP/SMTP dialing per list, e.g. "30s".
	ConnectTimeout string `toml:"connect_timeout"`
}

// GetInterval parses the poll interval.
func (p *PollerConfig) GetInterval() (time.Duration, error) {
	if p.Interval == "" {
		return time.Minute, nil
	}
	return helpers.ParseDuration(p.Interval)
}

// GetConnectTimeout parses the per-list connect timeout.
func (p *PollerConfig) GetConnectTimeout() (time.Duration, error) {
	if p.ConnectTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(p.ConnectTimeout)
}

// IMAPDefaultsConfig holds fallback IMAP credentials applied to lists that
// carry no credentials of their own.
type IMAPDefaultsConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	TLS      bool   `toml:"tls"`
}

// SMTPDefaultsConfig holds fallback SMTP credentials applied to lists that
// carry no credentials of their own.
type SMTPDefaultsConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	StartTLS bool   `toml:"starttls"`
}

// FoldersConfig holds the IMAP folder names the relay routes messages into.
type FoldersConfig struct {
	Inbox     string `toml:"inbox"`
	Processed string `toml:"processed"`
	Sent      string `toml:"sent"`
	Bounces   string `toml:"bounces"`
	Denied    string `toml:"denied"`
	Duplicate string `toml:"duplicate"`
}

// Required returns the folders that must exist on a list mailbox besides
// the inbox.
func (f *FoldersConfig) Required() []string {
	return []string{f.Processed, f.Sent, f.Bounces, f.Denied, f.Duplicate}
}

// APIConfig holds the read-only status HTTP API configuration.
type APIConfig struct {
	Start bool   `toml:"start"`
	Addr  string `toml:"addr"`
}

// Config holds all configuration for the relay.
type Config struct {
	Logging      LoggingConfig      `toml:"logging"`
	Database     DatabaseConfig     `toml:"database"`
	Poller       PollerConfig       `toml:"poller"`
	IMAPDefaults IMAPDefaultsConfig `toml:"imap_defaults"`
	SMTPDefaults SMTPDefaultsConfig `toml:"smtp_defaults"`
	Folders      FoldersConfig      `toml:"folders"`
	API          APIConfig          `toml:"api"`
}

// NewDefaultConfig returns the built-in defaults applied before the
// configuration file and flags are read.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Database: DatabaseConfig{
			Host: "localhost",
			Port: "5432",
			User: "postgres",
			Name: "mailgrove_db",
		},
		Poller: PollerConfig{
			Interval:       "60s",
			ConnectTimeout: "30s",
		},
		IMAPDefaults: IMAPDefaultsConfig{
			Port: 993,
			TLS:  true,
		},
		SMTPDefaults: SMTPDefaultsConfig{
			Port:     587,
			StartTLS: true,
		},
		Folders: FoldersConfig{
			Inbox:     consts.FolderInbox,
			Processed: consts.FolderProcessed,
			Sent:      consts.FolderSent,
			Bounces:   consts.FolderBounces,
			Denied:    consts.FolderDenied,
			Duplicate: consts.FolderDuplicate,
		},
		API: APIConfig{
			Start: false,
			Addr:  "localhost:8085",
		},
	}
}

// Load reads the TOML file at path on top of the defaults. A missing file
// is not an error; the defaults are returned and the caller may warn.
func Load(path string) (Config, bool, error) {
	cfg := NewDefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, false, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, false, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, true, nil
}

// Validate checks the configuration for values the relay cannot run with.
func (c *Config) Validate() error {
	if c.Poller.Domain == "" {
		return fmt.Errorf("poller.domain must be set; it identifies this instance in loop-marker headers")
	}
	interval, err := c.Poller.GetInterval()
	if err != nil {
		return fmt.Errorf("invalid poller.interval: %w", err)
	}
	if interval < time.Second {
		return fmt.Errorf("poller.interval %v is below the 1s minimum", interval)
	}
	if _, err := c.Poller.GetConnectTimeout(); err != nil {
		return fmt.Errorf("invalid poller.connect_timeout: %w", err)
	}
	if c.Database.Host == "" || c.Database.Name == "" {
		return fmt.Errorf("database.host and database.name must be set")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	for _, name := range append([]string{c.Folders.Inbox}, c.Folders.Required()...) {
		if name == "" {
			return fmt.Errorf("folder names must not be empty")
		}
	}
	if c.API.Start && c.API.Addr == "" {
		return fmt.Errorf("api.addr must be set when api.start is enabled")
	}
	return nil
}
