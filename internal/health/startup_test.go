// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proofcast/proofcast/internal/config"
)

func TestPerformStartupChecks_MemoryBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Store.DataDir = ""

	require.NoError(t, PerformStartupChecks(context.Background(), cfg))
}

func TestPerformStartupChecks_CreatesDataDir(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DataDir = filepath.Join(t.TempDir(), "data")

	require.NoError(t, PerformStartupChecks(context.Background(), cfg))
	assert.DirExists(t, cfg.Store.DataDir)
}

func TestPerformStartupChecks_BadListenAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Ops.Addr = "no-port"

	require.Error(t, PerformStartupChecks(context.Background(), cfg))
}

func TestPerformStartupChecks_BadRedisAddr(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Sink.Kind = "redis"
	cfg.Sink.RedisAddr = "not-an-addr"

	require.Error(t, PerformStartupChecks(context.Background(), cfg))
}

func TestPerformStartupChecks_MissingKeyFile(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Backend = "memory"
	cfg.Signer.KeyFile = filepath.Join(t.TempDir(), "missing.key")

	require.Error(t, PerformStartupChecks(context.Background(), cfg))
}
