// SPDX-License-Identifier: MIT

// Package config defines the daemon configuration, its defaults, and
// the loading precedence: environment variables override the YAML file,
// which overrides built-in defaults. A Holder provides atomic hot
// reload from file changes or SIGHUP.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/proofcast/proofcast/internal/domain/room/model"
	"github.com/proofcast/proofcast/internal/receipt/store"
)

// Duration is a time.Duration that parses Go duration strings ("30s",
// "24h") in YAML.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Ops       OpsConfig       `yaml:"ops"`
	Store     StoreConfig     `yaml:"store"`
	Room      RoomPolicy      `yaml:"room"`
	Control   ControlConfig   `yaml:"control"`
	Signer    SignerConfig    `yaml:"signer"`
	Sink      SinkConfig      `yaml:"sink"`
	Directory DirectoryConfig `yaml:"directory"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace..panic
	Format string `yaml:"format"` // json or console
}

// OpsConfig configures the observer HTTP server.
type OpsConfig struct {
	Addr            string   `yaml:"addr"`
	RateLimit       int      `yaml:"rateLimit"` // requests per window per IP
	RateWindow      Duration `yaml:"rateWindow"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// StoreConfig selects the receipt store backend.
type StoreConfig struct {
	Backend string `yaml:"backend"` // memory, badger, or sqlite
	DataDir string `yaml:"dataDir"`
}

// RoomPolicy is the default per-room policy applied to rooms created
// without explicit options.
type RoomPolicy struct {
	WindowDuration       Duration `yaml:"windowDuration"`
	PendingTTL           Duration `yaml:"pendingTTL"`
	LicensedAllowed      bool     `yaml:"licensedAllowed"`
	SessionIdleTimeout   Duration `yaml:"sessionIdleTimeout"`
	MaxEntriesPerReceipt int      `yaml:"maxEntriesPerReceipt"`
	ResubmitCooldown     Duration `yaml:"resubmitCooldown"`
	GracePeriod          Duration `yaml:"gracePeriod"`
}

// Model converts the policy to the domain record, normalizing unset
// fields to the documented defaults.
func (r RoomPolicy) Model() model.RoomConfig {
	return model.RoomConfig{
		WindowDuration:       r.WindowDuration.Std(),
		PendingTTL:           r.PendingTTL.Std(),
		LicensedAllowed:      r.LicensedAllowed,
		SessionIdleTimeout:   r.SessionIdleTimeout.Std(),
		MaxEntriesPerReceipt: r.MaxEntriesPerReceipt,
		ResubmitCooldown:     r.ResubmitCooldown.Std(),
		GracePeriod:          r.GracePeriod.Std(),
	}.Normalize()
}

// ControlConfig bounds the control plane.
type ControlConfig struct {
	OpDeadline         Duration `yaml:"opDeadline"`
	CheckpointEvery    Duration `yaml:"checkpointEvery"`
	MaxSessionsPerRoom int      `yaml:"maxSessionsPerRoom"` // 0 = unbounded
	PendingWindowBound int      `yaml:"pendingWindowBound"`
}

// SignerConfig names the receipt signing key. The key file holds a
// hex-encoded ed25519 seed; when empty an ephemeral key is generated
// at startup, which is only acceptable for development.
type SignerConfig struct {
	KeyID   string `yaml:"keyId"`
	KeyFile string `yaml:"keyFile"`
}

// SinkConfig selects the external receipt consumer.
type SinkConfig struct {
	Kind        string `yaml:"kind"` // none or redis
	RedisAddr   string `yaml:"redisAddr"`
	RedisDB     int    `yaml:"redisDB"`
	RedisStream string `yaml:"redisStream"`
	RedisMaxLen int64  `yaml:"redisMaxLen"`
}

// DirectoryConfig selects the track directory backend.
type DirectoryConfig struct {
	Kind      string `yaml:"kind"` // none or redis
	RedisAddr string `yaml:"redisAddr"`
	RedisDB   int    `yaml:"redisDB"`
	Prefix    string `yaml:"prefix"`
}

// TelemetryConfig configures the OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Protocol    string  `yaml:"protocol"` // grpc or http
	SampleRatio float64 `yaml:"sampleRatio"`
	Insecure    bool    `yaml:"insecure"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Ops: OpsConfig{
			Addr:            ":8090",
			RateLimit:       100,
			RateWindow:      Duration(time.Minute),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Store: StoreConfig{Backend: "badger", DataDir: "./data"},
		Control: ControlConfig{
			OpDeadline:         Duration(5 * time.Second),
			CheckpointEvery:    Duration(30 * time.Second),
			PendingWindowBound: 6,
		},
		Signer:    SignerConfig{KeyID: "local-dev"},
		Sink:      SinkConfig{Kind: "none", RedisStream: "proofcast:receipts"},
		Directory: DirectoryConfig{Kind: "none", Prefix: "proofcast:directory"},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			SampleRatio: 1.0,
		},
	}
}

// Validate rejects configurations the daemon cannot run with. It is
// called after every load, including hot reloads.
func Validate(cfg Config) error {
	switch cfg.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: log.format %q must be json or console", cfg.Log.Format)
	}
	if cfg.Ops.Addr == "" {
		return fmt.Errorf("config: ops.addr must be set")
	}
	if cfg.Ops.RateLimit < 0 {
		return fmt.Errorf("config: ops.rateLimit must be non-negative")
	}
	if !store.Backend(cfg.Store.Backend).Valid() {
		return fmt.Errorf("config: store.backend %q must be memory, badger, or sqlite", cfg.Store.Backend)
	}
	if cfg.Store.Backend != "memory" && cfg.Store.DataDir == "" {
		return fmt.Errorf("config: store.dataDir required for backend %q", cfg.Store.Backend)
	}
	if err := cfg.Room.Model().Validate(); err != nil {
		return fmt.Errorf("config: room: %w", err)
	}
	if cfg.Control.OpDeadline <= 0 {
		return fmt.Errorf("config: control.opDeadline must be positive")
	}
	if cfg.Control.PendingWindowBound < 1 {
		return fmt.Errorf("config: control.pendingWindowBound must be >= 1")
	}
	if cfg.Signer.KeyID == "" {
		return fmt.Errorf("config: signer.keyId must be set")
	}
	switch cfg.Sink.Kind {
	case "none":
	case "redis":
		if cfg.Sink.RedisAddr == "" || cfg.Sink.RedisStream == "" {
			return fmt.Errorf("config: sink.redisAddr and sink.redisStream required for redis sink")
		}
	default:
		return fmt.Errorf("config: sink.kind %q must be none or redis", cfg.Sink.Kind)
	}
	switch cfg.Directory.Kind {
	case "none":
	case "redis":
		if cfg.Directory.RedisAddr == "" {
			return fmt.Errorf("config: directory.redisAddr required for redis directory")
		}
	default:
		return fmt.Errorf("config: directory.kind %q must be none or redis", cfg.Directory.Kind)
	}
	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Endpoint == "" {
			return fmt.Errorf("config: telemetry.endpoint required when telemetry is enabled")
		}
		if cfg.Telemetry.Protocol != "grpc" && cfg.Telemetry.Protocol != "http" {
			return fmt.Errorf("config: telemetry.protocol %q must be grpc or http", cfg.Telemetry.Protocol)
		}
		if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("config: telemetry.sampleRatio %g outside [0,1]", cfg.Telemetry.SampleRatio)
		}
	}
	return nil
}
