// SPDX-License-Identifier: MIT
package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config controls process-wide logger behavior. Zero value is usable:
// info level, stderr output, service identity from buildinfo defaults.
type Config struct {
	Level   string
	Format  string // "json" (default) or "console"
	Output  *os.File
	Service string
	Version string
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initializes the global logger exactly once. Later calls are
// no-ops so tests and library users cannot re-route output mid-flight.
func Configure(cfg Config) {
	once.Do(func() {
		lvl := parseLevel(cfg.Level)
		zerolog.SetGlobalLevel(lvl)
		zerolog.TimeFieldFormat = time.RFC3339

		var out io.Writer = cfg.Output
		if cfg.Output == nil {
			out = os.Stderr
		}
		if cfg.Format == "console" {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		svc := cfg.Service
		if svc == "" {
			svc = "proofcast"
		}
		ver := cfg.Version
		if ver == "" {
			ver = "dev"
		}

		base = zerolog.New(out).With().
			Timestamp().
			Str("service", svc).
			Str("version", ver).
			Logger()
	})
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "", "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetLevel changes the global level at runtime. Used by config hot
// reload; everything else about the logger stays fixed after Configure.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

// L returns the process-wide base logger. Packages that log on hot paths
// should capture a derived logger once instead of calling L per event.
func L() zerolog.Logger {
	Configure(Config{Level: os.Getenv("PROOFCAST_LOG_LEVEL")})
	return base
}

// Base is an alias of L kept for call sites that read better with it.
func Base() zerolog.Logger { return L() }

// WithComponent derives a logger tagged with the owning component, e.g.
// "coordinator", "receipt-engine", "forwarder".
func WithComponent(component string) zerolog.Logger {
	return L().With().Str(FieldComponent, component).Logger()
}

// Derive returns a child logger carrying extra static key/value pairs.
// Values are stringified; use zerolog's typed fields directly when the
// type matters.
func Derive(parent zerolog.Logger, kv map[string]string) zerolog.Logger {
	ctx := parent.With()
	for k, v := range kv {
		ctx = ctx.Str(k, v)
	}
	return ctx.Logger()
}
