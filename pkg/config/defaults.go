package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/marmos91/remoting/pkg/crypt"
	"github.com/marmos91/remoting/pkg/wire"
)

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Timeouts.Connect = DefaultConnectTimeout
	cfg.Timeouts.Auth = DefaultAuthTimeout
	return cfg
}

// Handshake budgets. Zero in a loaded configuration means no deadline,
// so these are injected as viper defaults and by Default, never forced
// onto an explicit zero.
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultAuthTimeout    = 30 * time.Second
)

// ApplyDefaults fills zero-valued fields with defaults. Explicit values
// are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.ChannelName == "" {
		cfg.ChannelName = "remoting"
	}
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyEncryptionDefaults(&cfg.Encryption)
	applySessionsDefaults(&cfg.Sessions)
	applyWireDefaults(&cfg.Wire)
	if cfg.Serializer == "" {
		cfg.Serializer = "json"
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 9099
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/remoting"
	}
}

func applyEncryptionDefaults(cfg *EncryptionConfig) {
	if cfg.RSAKeySize == 0 {
		cfg.RSAKeySize = crypt.DefaultRSAKeySize
	}
}

func applySessionsDefaults(cfg *SessionsConfig) {
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 60 * time.Second
	}
}

func applyWireDefaults(cfg *WireConfig) {
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
}

// Validate checks constraints that defaults cannot repair.
func Validate(cfg *Config) error {
	switch cfg.Logging.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("logging.level %q is not one of DEBUG, INFO, WARN, ERROR", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", cfg.Logging.Format)
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	switch cfg.Server.Transport {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("server.transport %q is not one of tcp, websocket", cfg.Server.Transport)
	}
	if cfg.Server.Workers < 0 {
		return fmt.Errorf("server.workers must not be negative")
	}

	if cfg.Encryption.Enabled && cfg.Encryption.RSAKeySize < crypt.MinRSAKeySize {
		return fmt.Errorf("encryption.rsa_key_size %d below minimum %d",
			cfg.Encryption.RSAKeySize, crypt.MinRSAKeySize)
	}

	if cfg.Wire.MaxFrameBytes < 0 {
		return fmt.Errorf("wire.max_frame_bytes must not be negative")
	}

	switch cfg.Serializer {
	case "json", "msgpack":
	default:
		return fmt.Errorf("serializer %q is not one of json, msgpack", cfg.Serializer)
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", cfg.Metrics.Port)
	}
	return nil
}
