// Package config loads and validates the remoting runtime configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (REMOTING_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration of a remoting server or client host.
type Config struct {
	// ChannelName names this endpoint in logs and metrics.
	ChannelName string `mapstructure:"channel_name" yaml:"channel_name"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server holds the listen endpoint and transport selection.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Encryption controls the handshake's encrypted mode.
	Encryption EncryptionConfig `mapstructure:"encryption" yaml:"encryption"`

	// Timeouts are the independent connect, auth, and invocation budgets.
	Timeouts TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts"`

	// Sessions controls the inactivity sweeper.
	Sessions SessionsConfig `mapstructure:"sessions" yaml:"sessions"`

	// Wire bounds frame sizes.
	Wire WireConfig `mapstructure:"wire" yaml:"wire"`

	// Serializer selects the payload serializer ("json" or "msgpack").
	Serializer string `mapstructure:"serializer" yaml:"serializer"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `mapstructure:"format" yaml:"format"`

	// Output is "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" yaml:"output"`
}

// ServerConfig holds the listen endpoint.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the listen port. Port 0 picks a free port.
	Port int `mapstructure:"port" yaml:"port"`

	// Transport selects "tcp" or "websocket".
	Transport string `mapstructure:"transport" yaml:"transport"`

	// WSPath is the upgrade path for the websocket transport.
	WSPath string `mapstructure:"ws_path" yaml:"ws_path,omitempty"`

	// Workers bounds concurrent invocations per connection.
	// Default: runtime.NumCPU().
	Workers int `mapstructure:"workers" yaml:"workers,omitempty"`
}

// EncryptionConfig controls the encrypted session mode.
type EncryptionConfig struct {
	// Enabled turns on RSA key exchange, AES payload encryption, and
	// envelope signing for every session.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// RSAKeySize is the server keypair size in bits.
	// Default: 4096.
	RSAKeySize int `mapstructure:"rsa_key_size" yaml:"rsa_key_size"`
}

// TimeoutConfig holds the independent operation budgets. Zero means no
// deadline for each of them.
type TimeoutConfig struct {
	// Connect bounds transport dial plus handshake. Default: 10s.
	Connect time.Duration `mapstructure:"connect" yaml:"connect"`

	// Auth bounds the server-side wait for the auth request.
	// Default: 30s.
	Auth time.Duration `mapstructure:"auth" yaml:"auth"`

	// Invocation bounds one remote call awaiting its result.
	Invocation time.Duration `mapstructure:"invocation" yaml:"invocation"`
}

// SessionsConfig controls the inactivity sweeper.
type SessionsConfig struct {
	// SweepInterval is how often the sweeper scans. Default: 60s.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// MaxInactiveAge disposes sessions idle longer than this. Zero
	// disables sweeping.
	MaxInactiveAge time.Duration `mapstructure:"max_inactive_age" yaml:"max_inactive_age"`
}

// WireConfig bounds frame sizes.
type WireConfig struct {
	// MaxFrameBytes caps a single frame. Values above the hard 1 GiB
	// ceiling are clamped. Default: 128 MiB.
	MaxFrameBytes int64 `mapstructure:"max_frame_bytes" yaml:"max_frame_bytes"`
}

// MetricsConfig configures the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	// Enabled controls whether metrics collection and the HTTP endpoint
	// are active.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for /metrics. Default: 9090.
	Port int `mapstructure:"port" yaml:"port,omitempty"`
}

// Load loads configuration from file, environment, and defaults. An empty
// configPath uses the default location and falls back to pure defaults
// when no file exists there.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := Default()
		return cfg, nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes the configuration to path in YAML form. Restricted
// permissions because the file may carry credentials.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// REMOTING_SERVER_PORT=9090 overrides server.port, and so on.
	v.SetEnvPrefix("REMOTING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults for keys the file leaves unset; an explicit zero survives
	// and means no deadline.
	v.SetDefault("timeouts.connect", DefaultConnectTimeout)
	v.SetDefault("timeouts.auth", DefaultAuthTimeout)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(DefaultConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// decodeHooks converts "30s"-style strings to time.Duration.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// DefaultConfigDir returns the configuration directory:
// $XDG_CONFIG_HOME/remoting, falling back to ~/.config/remoting.
func DefaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "remoting")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "remoting")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}
