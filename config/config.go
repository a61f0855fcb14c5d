// Package config loads the simulator's YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/synqronlabs/mailsim/dns"
	"github.com/synqronlabs/mailsim/rules"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Counter store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the root of the configuration file.
type Config struct {
	Server   Server       `yaml:"server"`
	Log      Log          `yaml:"log"`
	DNS      DNS          `yaml:"dns"`
	Counters Counters     `yaml:"counters"`
	Rules    []rules.Spec `yaml:"rules"`
}

// Server configures the SMTP listener and the admin HTTP listener.
type Server struct {
	// Addr is the SMTP listen address.
	// Default: ":2525"
	Addr string `yaml:"addr"`

	// Hostname is announced in the greeting and used as authserv-id.
	// Default: the OS hostname
	Hostname string `yaml:"hostname"`

	// AdminAddr serves /metrics and /healthz. Empty disables it.
	// Default: ":9090"
	AdminAddr string `yaml:"admin_addr"`

	// Default: 60s each
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// MaxMessageBytes bounds DATA.
	// Default: 10 MiB
	MaxMessageBytes int64 `yaml:"max_message_bytes"`

	// MaxRecipients per transaction (0 = unlimited).
	// Default: 100
	MaxRecipients int `yaml:"max_recipients"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Log configures the slog handler of the binary.
type Log struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Format is text or json.
	// Default: text
	Format string `yaml:"format"`
}

// DNS configures the resolver used by mail_auth.
type DNS struct {
	// Nameservers to query. Empty uses the system configuration.
	Nameservers []string `yaml:"nameservers"`

	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`

	// Default: 2
	Retries int `yaml:"retries"`

	// MaxConcurrent bounds in-flight lookups (0 = unbounded).
	MaxConcurrent int `yaml:"max_concurrent"`

	// UseSystem selects the standard library resolver.
	UseSystem bool `yaml:"use_system"`
}

// Counters selects the window counter backend.
type Counters struct {
	// Backend is memory or redis.
	// Default: memory
	Backend string `yaml:"backend"`

	// RedisURL is required for the redis backend.
	RedisURL string `yaml:"redis_url"`

	// RedisPrefix namespaces counter keys.
	// Default: "mailsim"
	RedisPrefix string `yaml:"redis_prefix"`

	// SweepInterval is how often in-memory state is evicted.
	// Default: 1m
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns a Config with every default applied and no rules.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg, err := Parse(bytes.NewReader(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a configuration document. ${VAR} references are expanded
// from the environment before decoding, unknown fields are rejected, and
// MAILSIM_* variables override the listen addresses afterwards.
func Parse(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"MAILSIM_ADDR", &c.Server.Addr},
		{"MAILSIM_ADMIN_ADDR", &c.Server.AdminAddr},
		{"MAILSIM_HOSTNAME", &c.Server.Hostname},
		{"MAILSIM_LOG_LEVEL", &c.Log.Level},
		{"MAILSIM_REDIS_URL", &c.Counters.RedisURL},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.dst = v
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":2525"
	}
	if c.Server.Hostname == "" {
		c.Server.Hostname, _ = os.Hostname()
		if c.Server.Hostname == "" {
			c.Server.Hostname = "localhost"
		}
	}
	if c.Server.AdminAddr == "" {
		c.Server.AdminAddr = ":9090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.MaxMessageBytes == 0 {
		c.Server.MaxMessageBytes = 10 << 20
	}
	if c.Server.MaxRecipients == 0 {
		c.Server.MaxRecipients = 100
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.DNS.Timeout == 0 {
		c.DNS.Timeout = 5 * time.Second
	}
	if c.DNS.Retries == 0 {
		c.DNS.Retries = 2
	}

	if c.Counters.Backend == "" {
		c.Counters.Backend = BackendMemory
	}
	if c.Counters.RedisPrefix == "" {
		c.Counters.RedisPrefix = "mailsim"
	}
	if c.Counters.SweepInterval == 0 {
		c.Counters.SweepInterval = time.Minute
	}
}

// Validate checks values that defaults cannot repair. Rule parameters are
// validated later by rules.Build.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("%w: server.addr %q: %v", ErrInvalidConfig, c.Server.Addr, err))
	}
	if _, _, err := net.SplitHostPort(c.Server.AdminAddr); err != nil {
		errs = append(errs, fmt.Errorf("%w: server.admin_addr %q: %v", ErrInvalidConfig, c.Server.AdminAddr, err))
	}
	if c.Server.MaxMessageBytes < 0 || c.Server.MaxRecipients < 0 {
		errs = append(errs, fmt.Errorf("%w: server limits must not be negative", ErrInvalidConfig))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format))
	}
	for _, ns := range c.DNS.Nameservers {
		if _, _, err := net.SplitHostPort(ns); err != nil {
			errs = append(errs, fmt.Errorf("%w: dns.nameservers %q: %v", ErrInvalidConfig, ns, err))
		}
	}
	if c.DNS.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("%w: dns.max_concurrent must not be negative", ErrInvalidConfig))
	}
	if c.Counters.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("%w: counters.sweep_interval must be positive", ErrInvalidConfig))
	}
	switch c.Counters.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Counters.RedisURL == "" {
			errs = append(errs, fmt.Errorf("%w: counters.redis_url is required for the redis backend", ErrInvalidConfig))
		}
	default:
		errs = append(errs, fmt.Errorf("%w: counters.backend %q", ErrInvalidConfig, c.Counters.Backend))
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", ErrInvalidConfig, l.Level)
	}
	return level, nil
}

// ResolverConfig converts the DNS section for dns.NewResolver.
func (d DNS) ResolverConfig() dns.ResolverConfig {
	return dns.ResolverConfig{
		Nameservers: d.Nameservers,
		Timeout:     d.Timeout,
		Retries:     d.Retries,
	}
}
