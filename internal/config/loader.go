// SPDX-License-Identifier: MIT
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load builds the configuration with precedence ENV > file > defaults.
// path may be empty for ENV-only operation. The returned config is
// validated; on error the caller must not start.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := strictUnmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// strictUnmarshal rejects unknown YAML keys so typos fail fast instead
// of silently falling back to defaults.
func strictUnmarshal(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays PROOFCAST_* environment variables. Only scalar
// settings are exposed; structured room policy stays in the file.
func applyEnv(cfg *Config) {
	envString("PROOFCAST_LOG_LEVEL", &cfg.Log.Level)
	envString("PROOFCAST_LOG_FORMAT", &cfg.Log.Format)

	envString("PROOFCAST_OPS_ADDR", &cfg.Ops.Addr)
	envInt("PROOFCAST_OPS_RATE_LIMIT", &cfg.Ops.RateLimit)
	envDuration("PROOFCAST_OPS_RATE_WINDOW", &cfg.Ops.RateWindow)

	envString("PROOFCAST_STORE_BACKEND", &cfg.Store.Backend)
	envString("PROOFCAST_DATA_DIR", &cfg.Store.DataDir)

	envDuration("PROOFCAST_OP_DEADLINE", &cfg.Control.OpDeadline)
	envDuration("PROOFCAST_CHECKPOINT_EVERY", &cfg.Control.CheckpointEvery)
	envInt("PROOFCAST_MAX_SESSIONS_PER_ROOM", &cfg.Control.MaxSessionsPerRoom)
	envInt("PROOFCAST_PENDING_WINDOW_BOUND", &cfg.Control.PendingWindowBound)

	envString("PROOFCAST_SIGNER_KEY_ID", &cfg.Signer.KeyID)
	envString("PROOFCAST_SIGNER_KEY_FILE", &cfg.Signer.KeyFile)

	envString("PROOFCAST_SINK_KIND", &cfg.Sink.Kind)
	envString("PROOFCAST_SINK_REDIS_ADDR", &cfg.Sink.RedisAddr)
	envInt("PROOFCAST_SINK_REDIS_DB", &cfg.Sink.RedisDB)
	envString("PROOFCAST_SINK_REDIS_STREAM", &cfg.Sink.RedisStream)

	envString("PROOFCAST_DIRECTORY_KIND", &cfg.Directory.Kind)
	envString("PROOFCAST_DIRECTORY_REDIS_ADDR", &cfg.Directory.RedisAddr)
	envInt("PROOFCAST_DIRECTORY_REDIS_DB", &cfg.Directory.RedisDB)

	envBool("PROOFCAST_TELEMETRY_ENABLED", &cfg.Telemetry.Enabled)
	envString("PROOFCAST_TELEMETRY_ENDPOINT", &cfg.Telemetry.Endpoint)
	envString("PROOFCAST_TELEMETRY_PROTOCOL", &cfg.Telemetry.Protocol)
	envFloat("PROOFCAST_TELEMETRY_SAMPLE_RATIO", &cfg.Telemetry.SampleRatio)
	envBool("PROOFCAST_TELEMETRY_INSECURE", &cfg.Telemetry.Insecure)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
