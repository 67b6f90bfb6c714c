package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"binupnp-cp/internal/controlpoint"
	"binupnp-cp/internal/transport"
	"binupnp-cp/internal/wire"
)

type Config struct {
	Network struct {
		MulticastAddress   string   `yaml:"multicast_address"`
		DiscoveryPort      int      `yaml:"discovery_port"`
		EventPort          int      `yaml:"event_port"`
		DebugPort          int      `yaml:"debug_port"`
		TTL                int      `yaml:"ttl"`
		PreferredAddresses []string `yaml:"preferred_addresses"`
		IgnoredAddresses   []string `yaml:"ignored_addresses"`
	} `yaml:"network"`
	ControlPoint struct {
		ActivePing   bool          `yaml:"active_ping"`
		PingInterval time.Duration `yaml:"ping_interval"`
		// Retries is a pointer so that an explicit 0 survives defaults.
		Retries *int `yaml:"invocation_retries"`
	} `yaml:"control_point"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if ip := net.ParseIP(c.Network.MulticastAddress); ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("network.multicast_address must be an IPv4 multicast address, got %q", c.Network.MulticastAddress)
	}
	for name, port := range map[string]int{
		"network.discovery_port": c.Network.DiscoveryPort,
		"network.event_port":     c.Network.EventPort,
		"network.debug_port":     c.Network.DebugPort,
	} {
		if port < 0 || port > 0xFFFF {
			return fmt.Errorf("%s must be 0-65535, got %d", name, port)
		}
	}
	if c.ControlPoint.PingInterval < time.Second {
		return fmt.Errorf("control_point.ping_interval must be at least 1s, got %s", c.ControlPoint.PingInterval)
	}
	if r := c.ControlPoint.Retries; r != nil && *r < 0 {
		return fmt.Errorf("control_point.invocation_retries must not be negative, got %d", *r)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// loadConfig reads path and fills in defaults. A missing file yields the
// defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Network.MulticastAddress == "" {
		cfg.Network.MulticastAddress = wire.DefaultMulticastAddress
	}
	if cfg.ControlPoint.PingInterval == 0 {
		cfg.ControlPoint.PingInterval = controlpoint.DefaultPingInterval
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "binupnp-cp.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "binupnp"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func (c *Config) transportConfig() transport.Config {
	return transport.Config{
		MulticastAddress:   c.Network.MulticastAddress,
		DiscoveryPort:      c.Network.DiscoveryPort,
		EventPort:          c.Network.EventPort,
		DebugPort:          c.Network.DebugPort,
		TTL:                c.Network.TTL,
		PreferredAddresses: c.Network.PreferredAddresses,
		IgnoredAddresses:   c.Network.IgnoredAddresses,
	}
}

func (c *Config) controlPointConfig() controlpoint.Config {
	cfg := controlpoint.DefaultConfig()
	cfg.ActivePing = c.ControlPoint.ActivePing
	cfg.PingInterval = c.ControlPoint.PingInterval
	if c.ControlPoint.Retries != nil {
		cfg.Retries = *c.ControlPoint.Retries
	}
	return cfg
}

func newLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// setup loads and validates the config named by --config and installs the
// configured logger as default.
func setup(w io.Writer) (*Config, *slog.Logger, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg, w)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
