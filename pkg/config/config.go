// Package config provides YAML-based configuration loading for the aircast
// client.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the client instance
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// Host holds the data ports dialed on the resolved host address
	Host HostConfig `mapstructure:"host"`

	// Discovery holds peer discovery options
	Discovery DiscoveryConfig `mapstructure:"discovery"`

	// Session holds reconnect policy
	Session SessionConfig `mapstructure:"session"`

	// Reassembly holds loss-recovery and buffering options
	Reassembly ReassemblyConfig `mapstructure:"reassembly"`

	// Link holds link-selection options
	Link LinkConfig `mapstructure:"link"`

	// Relay holds the optional relay fallback
	Relay RelayConfig `mapstructure:"relay"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// HostConfig is the host's data-port layout.
type HostConfig struct {
	ControlPort int `mapstructure:"control_port"`
	MediaPort   int `mapstructure:"media_port"`
}

// DiscoveryConfig controls the peer store and sources.
type DiscoveryConfig struct {
	// Service is the advertised discovery service identifier.
	Service string `mapstructure:"service"`
	// PeerTTL is how long a peer survives without a fresh report.
	PeerTTL time.Duration `mapstructure:"peer_ttl"`
}

// SessionConfig is the reconnect policy.
type SessionConfig struct {
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
}

// ReassemblyConfig tunes the frame reassembler.
type ReassemblyConfig struct {
	Lossless        bool          `mapstructure:"lossless"`
	NackDelay       time.Duration `mapstructure:"nack_delay"`
	NackMinInterval time.Duration `mapstructure:"nack_min_interval"`
	MaxAssemblies   int           `mapstructure:"max_assemblies"`
	AssemblyTimeout time.Duration `mapstructure:"assembly_timeout"`
	QueueLen        int           `mapstructure:"queue_len"`
}

// LinkConfig tunes link selection.
type LinkConfig struct {
	MeshDeadline   time.Duration `mapstructure:"mesh_deadline"`
	ResolveTimeout time.Duration `mapstructure:"resolve_timeout"`
}

// RelayConfig enables the relay fallback when an address is set.
type RelayConfig struct {
	Address   string `mapstructure:"address"`
	MediaPort int    `mapstructure:"media_port"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "aircast-client",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/aircast.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Host: HostConfig{ControlPort: 7878, MediaPort: 7879},
		Discovery: DiscoveryConfig{
			Service: "_aircast._tcp",
			PeerTTL: 10 * time.Second,
		},
		Session: SessionConfig{
			MaxReconnectAttempts: 5,
			ReconnectBaseDelay:   time.Second,
			PingInterval:         2 * time.Second,
		},
		Reassembly: ReassemblyConfig{
			Lossless:        true,
			NackDelay:       20 * time.Millisecond,
			NackMinInterval: 30 * time.Millisecond,
			MaxAssemblies:   8,
			AssemblyTimeout: time.Second,
			QueueLen:        512,
		},
		Link: LinkConfig{
			MeshDeadline:   2 * time.Second,
			ResolveTimeout: 3 * time.Second,
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix AIRCAST and `.`/`-` are replaced
// with `_`. Example: AIRCAST_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("AIRCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("host.control_port", cfg.Host.ControlPort)
	v.SetDefault("host.media_port", cfg.Host.MediaPort)
	v.SetDefault("discovery.service", cfg.Discovery.Service)
	v.SetDefault("discovery.peer_ttl", cfg.Discovery.PeerTTL)
	v.SetDefault("session.max_reconnect_attempts", cfg.Session.MaxReconnectAttempts)
	v.SetDefault("session.reconnect_base_delay", cfg.Session.ReconnectBaseDelay)
	v.SetDefault("session.ping_interval", cfg.Session.PingInterval)
	v.SetDefault("reassembly.lossless", cfg.Reassembly.Lossless)
	v.SetDefault("reassembly.nack_delay", cfg.Reassembly.NackDelay)
	v.SetDefault("reassembly.nack_min_interval", cfg.Reassembly.NackMinInterval)
	v.SetDefault("reassembly.max_assemblies", cfg.Reassembly.MaxAssemblies)
	v.SetDefault("reassembly.assembly_timeout", cfg.Reassembly.AssemblyTimeout)
	v.SetDefault("reassembly.queue_len", cfg.Reassembly.QueueLen)
	v.SetDefault("link.mesh_deadline", cfg.Link.MeshDeadline)
	v.SetDefault("link.resolve_timeout", cfg.Link.ResolveTimeout)
	v.SetDefault("relay.address", cfg.Relay.Address)
	v.SetDefault("relay.media_port", cfg.Relay.MediaPort)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("AIRCAST_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `aircast`
		v.SetConfigName("aircast")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".aircast"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Host.ControlPort <= 0 || c.Host.ControlPort > 0xFFFF {
		return fmt.Errorf("invalid host.control_port: %d", c.Host.ControlPort)
	}
	if c.Host.MediaPort <= 0 || c.Host.MediaPort > 0xFFFF {
		return fmt.Errorf("invalid host.media_port: %d", c.Host.MediaPort)
	}
	if c.Session.MaxReconnectAttempts < 0 {
		return fmt.Errorf("invalid session.max_reconnect_attempts: %d", c.Session.MaxReconnectAttempts)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
