package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"lanshare/internal/discovery"
	"lanshare/internal/protocol"
	"lanshare/internal/retry"
	"lanshare/internal/transfer"
	"lanshare/internal/transport"
)

type Retry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

type Timeouts struct {
	Connect time.Duration `yaml:"connect"`
	IO      time.Duration `yaml:"io"`
}

type Discovery struct {
	Port          int           `yaml:"port"`
	Group         string        `yaml:"group"`
	Interval      time.Duration `yaml:"interval"`
	TTL           time.Duration `yaml:"ttl"`
	IPFilter      string        `yaml:"ip_filter"`
	BroadcastOnly bool          `yaml:"broadcast_only"`
	MDNS          bool          `yaml:"mdns"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Config is loaded once at startup and passed by value from then on.
type Config struct {
	MachineName       string        `yaml:"machine_name"`
	ListenPort        int           `yaml:"listen_port"`
	OutputRoot        string        `yaml:"output_root"`
	Transport         string        `yaml:"transport"`
	Variant           string        `yaml:"variant"`
	ChunkSize         int           `yaml:"chunk_size"`
	Retry             Retry         `yaml:"retry"`
	Timeouts          Timeouts      `yaml:"timeouts"`
	Discovery         Discovery     `yaml:"discovery"`
	Log               Log           `yaml:"log"`
	PartialCleanupAge time.Duration `yaml:"partial_cleanup_age"`
}

func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "lanshare"
	}
	to := transfer.DefaultTimeouts()
	return Config{
		MachineName: host,
		ListenPort:  5000,
		OutputRoot:  "ReceivedFiles",
		Transport:   transport.KindTCP,
		Variant:     "resumable",
		ChunkSize:   transfer.DefaultChunkSize,
		Retry: Retry{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   retry.DefaultBaseDelay,
		},
		Timeouts: Timeouts{Connect: to.Connect, IO: to.IO},
		Discovery: Discovery{
			Port:     discovery.DefaultPort,
			Group:    discovery.DefaultGroup,
			Interval: discovery.DefaultInterval,
			TTL:      discovery.DefaultTTL,
		},
		Log:               Log{Level: "info"},
		PartialCleanupAge: 30 * 24 * time.Hour,
	}
}

// DefaultPath returns ~/.lanshare/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".lanshare", "config.yaml")
	}
	return filepath.Join(home, ".lanshare", "config.yaml")
}

// Load overlays the YAML file at path on Default. A missing file yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs error
	add := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.MachineName == "" {
		add("machine_name must not be empty")
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		add("listen_port %d out of range", c.ListenPort)
	}
	if c.OutputRoot == "" {
		add("output_root must not be empty")
	}
	if c.Transport != transport.KindTCP && c.Transport != transport.KindQUIC {
		add("transport %q must be %q or %q", c.Transport, transport.KindTCP, transport.KindQUIC)
	}
	if _, err := protocol.ParseVariant(c.Variant); err != nil {
		add("variant: %v", err)
	}
	if c.ChunkSize < 1024 || c.ChunkSize > 16<<20 {
		add("chunk_size %d must be between 1KiB and 16MiB", c.ChunkSize)
	}
	if c.Retry.MaxAttempts < 1 {
		add("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay < 0 {
		add("retry.base_delay must not be negative")
	}
	if c.Timeouts.Connect <= 0 || c.Timeouts.IO <= 0 {
		add("timeouts must be positive")
	}
	if c.Discovery.Port < 1 || c.Discovery.Port > 65535 {
		add("discovery.port %d out of range", c.Discovery.Port)
	}
	if ip := net.ParseIP(c.Discovery.Group); ip == nil || !ip.IsMulticast() {
		add("discovery.group %q is not a multicast address", c.Discovery.Group)
	}
	if c.Discovery.Interval <= 0 {
		add("discovery.interval must be positive")
	}
	if c.Discovery.TTL <= c.Discovery.Interval {
		add("discovery.ttl %s must exceed the interval %s", c.Discovery.TTL, c.Discovery.Interval)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.PartialCleanupAge < 0 {
		add("partial_cleanup_age must not be negative")
	}
	return errs
}

func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: c.Retry.MaxAttempts, BaseDelay: c.Retry.BaseDelay}
}

func (c Config) TransferTimeouts() transfer.Timeouts {
	return transfer.Timeouts{Connect: c.Timeouts.Connect, IO: c.Timeouts.IO}
}

func (c Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		MachineName:   c.MachineName,
		ReceivePort:   c.ListenPort,
		Port:          c.Discovery.Port,
		Group:         c.Discovery.Group,
		Interval:      c.Discovery.Interval,
		TTL:           c.Discovery.TTL,
		IPFilter:      c.Discovery.IPFilter,
		BroadcastOnly: c.Discovery.BroadcastOnly,
		MDNS:          c.Discovery.MDNS,
	}
}
