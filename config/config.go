// Package config loads the YAML configuration shared by the vault client
// and the recovery server. The file is named by --config or the
// KEYVAULT_CONFIG environment variable; command-line flags override it.
package config

import (
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/fahmaliyi/keyvault/recovery"
)

const EnvConfigPath = "KEYVAULT_CONFIG"

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

type Config struct {
	Environment Environment    `yaml:"environment"`
	LogLevel    string         `yaml:"log_level"`
	Vault       VaultConfig    `yaml:"vault"`
	Recovery    RecoveryConfig `yaml:"recovery"`
	Server      ServerConfig   `yaml:"server"`
}

// VaultConfig configures the client.
type VaultConfig struct {
	// Backend is "file" or "bolt".
	Backend  string        `yaml:"backend"`
	Dir      string        `yaml:"dir"`
	BoltPath string        `yaml:"bolt_path"`
	KeyFile  string        `yaml:"key_file"`
	Timeout  time.Duration `yaml:"timeout"`
	Lenient  bool          `yaml:"lenient"`

	DriveCredentials string `yaml:"drive_credentials"`
	DriveToken       string `yaml:"drive_token"`

	RecoveryURL string `yaml:"recovery_url"`
}

// RecoveryConfig configures the recovery service.
type RecoveryConfig struct {
	// Store is "memory", "sqlite" or "mongo".
	Store           string `yaml:"store"`
	SQLitePath      string `yaml:"sqlite_path"`
	MongoURI        string `yaml:"mongo_uri"`
	MongoDB         string `yaml:"mongo_db"`
	MongoCollection string `yaml:"mongo_collection"`

	// EscrowKey is 32 bytes, hex encoded. EscrowKeyFile takes precedence.
	EscrowKey     string `yaml:"escrow_key"`
	EscrowKeyFile string `yaml:"escrow_key_file"`

	// Deliverer is "log" or "smtp".
	Deliverer string              `yaml:"deliverer"`
	SMTP      recovery.SMTPConfig `yaml:"smtp"`

	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	Timeout     time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Addr               string        `yaml:"addr"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes       int64         `yaml:"max_body_bytes"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int           `yaml:"rate_limit_burst"`

	// TrustedProxies are addresses or CIDRs whose X-Forwarded-For header
	// is believed. Empty means the peer address is always used.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

func Default() Config {
	var c Config
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.Environment == "" {
		c.Environment = Production
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Vault.Backend == "" {
		c.Vault.Backend = "file"
	}
	if c.Vault.Dir == "" {
		c.Vault.Dir = defaultDataDir()
	}
	if c.Vault.Timeout <= 0 {
		c.Vault.Timeout = 10 * time.Second
	}
	if c.Recovery.Store == "" {
		c.Recovery.Store = "memory"
	}
	if c.Recovery.SQLitePath == "" {
		c.Recovery.SQLitePath = "recovery.db"
	}
	if c.Recovery.MongoDB == "" {
		c.Recovery.MongoDB = "keyvault"
	}
	if c.Recovery.MongoCollection == "" {
		c.Recovery.MongoCollection = "recovery_records"
	}
	if c.Recovery.Deliverer == "" {
		c.Recovery.Deliverer = "log"
	}
	if c.Recovery.SMTP.Security == "" {
		c.Recovery.SMTP.Security = recovery.SMTPStartTLS
	}
	if c.Recovery.MaxAttempts <= 0 {
		c.Recovery.MaxAttempts = 5
	}
	if c.Recovery.Window <= 0 {
		c.Recovery.Window = 24 * time.Hour
	}
	if c.Recovery.Timeout <= 0 {
		c.Recovery.Timeout = 10 * time.Second
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 64 << 10
	}
	if c.Server.RateLimitPerMinute <= 0 {
		c.Server.RateLimitPerMinute = 20
	}
	if c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = 10
	}
}

// BoltFile is BoltPath, or vault.db inside Dir.
func (v VaultConfig) BoltFile() string {
	if v.BoltPath != "" {
		return v.BoltPath
	}
	return filepath.Join(v.Dir, "vault.db")
}

// KeyPath is KeyFile, or key.age inside Dir.
func (v VaultConfig) KeyPath() string {
	if v.KeyFile != "" {
		return v.KeyFile
	}
	return filepath.Join(v.Dir, "key.age")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keyvault"
	}
	return filepath.Join(home, ".keyvault")
}

// Validate rejects values setDefaults cannot repair.
func (c Config) Validate() error {
	switch c.Environment {
	case Development, Production:
	default:
		return errors.Errorf("config: unknown environment %q", c.Environment)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "config: log_level")
	}
	switch c.Vault.Backend {
	case "file", "bolt":
	default:
		return errors.Errorf("config: unknown vault backend %q", c.Vault.Backend)
	}
	switch c.Recovery.Store {
	case "memory", "sqlite":
	case "mongo":
		if c.Recovery.MongoURI == "" {
			return errors.New("config: recovery.mongo_uri is required for the mongo store")
		}
	default:
		return errors.Errorf("config: unknown recovery store %q", c.Recovery.Store)
	}
	if _, err := c.Server.TrustedPrefixes(); err != nil {
		return err
	}
	switch c.Recovery.Deliverer {
	case "log":
	case "smtp":
		if c.Recovery.SMTP.Host == "" || c.Recovery.SMTP.From == "" {
			return errors.New("config: recovery.smtp host and from are required")
		}
	default:
		return errors.Errorf("config: unknown deliverer %q", c.Recovery.Deliverer)
	}
	return nil
}

// TrustedPrefixes parses TrustedProxies. A bare address is a single-host
// prefix.
func (c ServerConfig) TrustedPrefixes() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, p := range c.TrustedProxies {
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, errors.Wrapf(err, "config: trusted proxy %q", p)
			}
			out = append(out, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, errors.Wrapf(err, "config: trusted proxy %q", p)
		}
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// EscrowKeyHex returns the configured escrow key, reading EscrowKeyFile
// when set.
func (c RecoveryConfig) EscrowKeyHex() (string, error) {
	if c.EscrowKeyFile == "" {
		if c.EscrowKey == "" {
			return "", errors.New("config: recovery escrow key is not configured")
		}
		return c.EscrowKey, nil
	}
	b, err := os.ReadFile(c.EscrowKeyFile)
	if err != nil {
		return "", errors.Wrap(err, "config: reading escrow key file")
	}
	return strings.TrimSpace(string(b)), nil
}

// Policy returns the recovery attempt quota.
func (c RecoveryConfig) Policy() recovery.Policy {
	return recovery.Policy{MaxAttempts: c.MaxAttempts, Window: c.Window}
}

// Parse decodes YAML and fills defaults.
func Parse(r io.Reader) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "config: decoding yaml")
	}
	c.setDefaults()
	return c, nil
}

// Load reads the file at path, or at $KEYVAULT_CONFIG when path is empty,
// then applies any flags in fs that were set on the command line. With
// neither a path nor the variable it starts from defaults.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	c := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "config: opening file")
		}
		defer f.Close()
		if c, err = Parse(f); err != nil {
			return Config{}, err
		}
	}
	if fs != nil {
		if err := c.applyFlags(fs); err != nil {
			return Config{}, err
		}
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
