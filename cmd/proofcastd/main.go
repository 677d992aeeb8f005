// SPDX-License-Identifier: MIT

// Command proofcastd runs the proofcast coordinator daemon: room
// control plane, receipt engine, and the operator HTTP surface.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/proofcast/proofcast/internal/bus"
	"github.com/proofcast/proofcast/internal/clock"
	"github.com/proofcast/proofcast/internal/config"
	"github.com/proofcast/proofcast/internal/daemon"
	"github.com/proofcast/proofcast/internal/directory"
	"github.com/proofcast/proofcast/internal/domain/room/manager"
	"github.com/proofcast/proofcast/internal/domain/room/ports"
	"github.com/proofcast/proofcast/internal/health"
	"github.com/proofcast/proofcast/internal/log"
	"github.com/proofcast/proofcast/internal/ops"
	"github.com/proofcast/proofcast/internal/receipt/store"
	"github.com/proofcast/proofcast/internal/signer"
	"github.com/proofcast/proofcast/internal/sink"
	"github.com/proofcast/proofcast/internal/telemetry"
	"github.com/proofcast/proofcast/internal/transport"
	"github.com/proofcast/proofcast/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := strings.TrimSpace(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proofcastd: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: "proofcastd",
		Version: version.Version,
	})
	logger := log.WithComponent("main")

	if path != "" {
		logger.Info().Str("event", "config.loaded").Str("source", "file").Str("path", path).Msg("loaded configuration from file")
	} else {
		logger.Info().Str("event", "config.loaded").Str("source", "env+defaults").Msg("loaded configuration from environment and defaults")
	}

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and permissions.")
	}

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "proofcastd",
		ServiceVersion: version.Version,
		Environment:    os.Getenv("PROOFCAST_ENVIRONMENT"),
		Protocol:       cfg.Telemetry.Protocol,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tracing")
	}
	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	st, err := store.New(store.Backend(cfg.Store.Backend), cfg.Store.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.Store.Backend).Msg("failed to open receipt store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn().Err(err).Msg("store close failed")
		}
	}()

	signing, err := loadSigner(cfg.Signer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load signing key")
	}
	verifier := signer.NewLocalVerifier(signing.PublicKeys())

	receiptSink, closeSink, err := buildSink(cfg.Sink)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect receipt sink")
	}
	defer closeSink()

	index, closeDirectory, err := buildDirectory(cfg.Directory)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect track directory")
	}
	defer closeDirectory()

	loop := transport.NewLoopback()

	coord := manager.New(manager.Config{
		Clock:              clock.NewSystem(),
		Store:              st,
		Bus:                bus.NewMemory(),
		Signer:             signing,
		SignerKeyID:        cfg.Signer.KeyID,
		Transport:          loop,
		Index:              index,
		Sink:               receiptSink,
		Defaults:           cfg.Room.Model(),
		OpDeadline:         cfg.Control.OpDeadline.Std(),
		CheckpointEvery:    cfg.Control.CheckpointEvery.Std(),
		MaxSessionsPerRoom: cfg.Control.MaxSessionsPerRoom,
		PendingWindowBound: cfg.Control.PendingWindowBound,
	})
	if err := coord.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start coordinator")
	}
	defer coord.Shutdown()

	holder := config.NewHolder(cfg, path)

	healthMgr := health.NewManager(version.Version)
	healthMgr.RegisterChecker(health.NewStoreChecker(st))
	if cfg.Signer.KeyFile != "" {
		healthMgr.RegisterChecker(health.NewFileChecker("signer_key", cfg.Signer.KeyFile))
	}

	opsServer := ops.New(cfg.Ops, coord, st, verifier, healthMgr, ops.WithReloader(holder))

	logger.Info().
		Str("event", "startup").
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("build_date", version.Date).
		Str("addr", cfg.Ops.Addr).
		Str("store", cfg.Store.Backend).
		Str("sink", cfg.Sink.Kind).
		Str("directory", cfg.Directory.Kind).
		Msg("starting proofcastd")

	app := daemon.NewApp(holder, opsServer)
	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("daemon failed")
	}

	logger.Info().Msg("proofcastd exiting")
}

// loadSigner reads the hex-encoded ed25519 seed from the configured key
// file, or generates an ephemeral key when no file is set.
func loadSigner(cfg config.SignerConfig) (*signer.Local, error) {
	s := signer.NewLocal()

	var priv ed25519.PrivateKey
	if cfg.KeyFile != "" {
		raw, err := os.ReadFile(cfg.KeyFile) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("key file %s is not hex: %w", cfg.KeyFile, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: seed must be %d bytes, got %d", cfg.KeyFile, ed25519.SeedSize, len(seed))
		}
		priv = ed25519.NewKeyFromSeed(seed)
	} else {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
		priv = generated
	}

	if err := s.AddKey(cfg.KeyID, priv); err != nil {
		return nil, err
	}
	return s, nil
}

func buildSink(cfg config.SinkConfig) (ports.ReceiptSink, func(), error) {
	switch cfg.Kind {
	case "redis":
		rs, err := sink.NewRedis(sink.RedisConfig{
			Addr:   cfg.RedisAddr,
			DB:     cfg.RedisDB,
			Stream: cfg.RedisStream,
			MaxLen: cfg.RedisMaxLen,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

func buildDirectory(cfg config.DirectoryConfig) (ports.IndexPublisher, func(), error) {
	switch cfg.Kind {
	case "redis":
		d, err := directory.NewRedis(directory.RedisConfig{
			Addr:   cfg.RedisAddr,
			DB:     cfg.RedisDB,
			Prefix: cfg.Prefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return d, func() { _ = d.Close() }, nil
	default:
		return directory.Noop{}, func() {}, nil
	}
}
