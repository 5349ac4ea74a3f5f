package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/baptistecolle/cmdclaw-sub005/internal/config"
	"github.com/baptistecolle/cmdclaw-sub005/internal/kvstore"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.DatabaseURL = ":memory:"
	cfg.SandboxProvider = "e2b"
	cfg.KVBackend = "sqlite"
	return cfg
}

func TestNewAppWiresComponents(t *testing.T) {
	a, err := newApp(testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.daemons)
	assert.IsType(t, &kvstore.SQLite{}, a.kv)

	n, err := a.svc.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewAppDaemonProvider(t *testing.T) {
	cfg := testConfig()
	cfg.SandboxProvider = "daemon"
	cfg.KVBackend = "memory"

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.daemons)
	assert.IsType(t, &kvstore.Memory{}, a.kv)
}

func TestNewAppRejectsUnknownBackends(t *testing.T) {
	cfg := testConfig()
	cfg.KVBackend = "redis"
	_, err := newApp(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown kv backend")

	cfg = testConfig()
	cfg.SandboxProvider = "firecracker"
	_, err = newApp(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown sandbox provider")
}

func TestCallbackEnv(t *testing.T) {
	cfg := testConfig()
	cfg.InternalPort = 9090
	cfg.CallbackSecret = "s3cret"
	cfg.PublicURL = "https://cp.example.com"
	cfg.PlatformURL = ""

	env := callbackEnv(cfg)
	assert.Equal(t, map[string]string{
		"CMDCLAW_PORT":            "9090",
		"CMDCLAW_CALLBACK_SECRET": "s3cret",
		"CMDCLAW_PUBLIC_URL":      "https://cp.example.com",
	}, env)
}

func TestReconcileCommandRunsLocalPass(t *testing.T) {
	t.Setenv("DATABASE_URL", ":memory:")
	t.Setenv("SANDBOX_PROVIDER", "e2b")
	t.Setenv("LOG_LEVEL", "error")

	cmd := newReconcileCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "corrected 0 run(s)\n", out.String())
}
