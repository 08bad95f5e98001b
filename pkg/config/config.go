// Package config provides YAML-based configuration loading for the CAN
// hardware layer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
	// AppName optional logical name of the application
	AppName string `mapstructure:"app_name"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`

	// CAN holds the hardware interface configuration
	CAN CANConfig `mapstructure:"can"`
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

// CANConfig configures the hardware interface and its channels.
type CANConfig struct {
	// Channels lists one driver definition per channel, in index order
	Channels []ChannelConfig `mapstructure:"channels"`
	// UpdateIntervalMS is the periodic update cadence in milliseconds
	UpdateIntervalMS int `mapstructure:"update_interval_ms"`
	// TxRetryLimit bounds consecutive write retries of a failing head frame;
	// 0 selects the default, negative retries forever
	TxRetryLimit int `mapstructure:"tx_retry_limit"`
	// TraceFile, when set, records all frame activity as CBOR to this path
	TraceFile string `mapstructure:"trace_file"`
	// BridgeListen, when set, serves a CAN-over-QUIC gateway on this address
	// bridging remote peers onto BridgeChannel
	BridgeListen  string `mapstructure:"bridge_listen"`
	BridgeChannel uint8  `mapstructure:"bridge_channel"`
}

// ChannelConfig selects and parameterizes one channel's driver.
type ChannelConfig struct {
	// Kind: mem, socketcan, or netbridge
	Kind string `mapstructure:"kind"`
	// Interface is the network interface name for socketcan (e.g. "can0")
	Interface string `mapstructure:"interface"`
	// Address is the gateway address for netbridge (host:port)
	Address string `mapstructure:"address"`
}

// Default returns a Config populated with sensible defaults: one virtual
// channel, 4ms updates, console logging to stdout.
func Default() *Config {
	return &Config{
		AppName: "canhal-node",
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/canhal.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		CAN: CANConfig{
			Channels:         []ChannelConfig{{Kind: "mem"}},
			UpdateIntervalMS: 4,
		},
	}
}

// Load reads configuration from the provided path (if non-empty), otherwise
// it searches common locations and supports environment overrides.
// Environment variables use the prefix CANHAL and `.`/`-` are replaced with
// `_`. Example: CANHAL_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CANHAL")
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
	v.SetDefault("can.channels", cfg.CAN.Channels)
	v.SetDefault("can.update_interval_ms", cfg.CAN.UpdateIntervalMS)
	v.SetDefault("can.tx_retry_limit", cfg.CAN.TxRetryLimit)
	v.SetDefault("can.trace_file", cfg.CAN.TraceFile)
	v.SetDefault("can.bridge_listen", cfg.CAN.BridgeListen)
	v.SetDefault("can.bridge_channel", cfg.CAN.BridgeChannel)

	// Choose config file
	if path == "" {
		if envPath := os.Getenv("CANHAL_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `canhal`
		v.SetConfigName("canhal")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".canhal"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
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
	if c.CAN.UpdateIntervalMS <= 0 {
		c.CAN.UpdateIntervalMS = 4
	}
	if len(c.CAN.Channels) > 255 {
		return fmt.Errorf("too many channels: %d", len(c.CAN.Channels))
	}
	for i := range c.CAN.Channels {
		ch := &c.CAN.Channels[i]
		ch.Kind = strings.ToLower(strings.TrimSpace(ch.Kind))
		switch ch.Kind {
		case "mem":
		case "socketcan":
			if ch.Interface == "" {
				return fmt.Errorf("channel %d: socketcan requires interface", i)
			}
		case "netbridge":
			if ch.Address == "" {
				return fmt.Errorf("channel %d: netbridge requires address", i)
			}
		default:
			return fmt.Errorf("channel %d: unknown driver kind %q", i, ch.Kind)
		}
	}
	if c.CAN.BridgeListen != "" && int(c.CAN.BridgeChannel) >= len(c.CAN.Channels) {
		return fmt.Errorf("bridge_channel %d out of range", c.CAN.BridgeChannel)
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
