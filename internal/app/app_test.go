package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtbridge/internal/config"
	"mtbridge/pkg/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Stream.BindAddress = "127.0.0.1:0"
	cfg.Signals.JournalPath = filepath.Join(t.TempDir(), "signals.json")
	cfg.Telemetry.EnableMetrics = false
	return cfg
}

func TestNewComposesMockBridge(t *testing.T) {
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	a, err := New(testConfig(t), logger)
	require.NoError(t, err)

	assert.NotNil(t, a.Mock())
	assert.NotNil(t, a.Hub())
	assert.NotNil(t, a.Approvals())

	info, err := a.Mock().SymbolInfo("EURUSD")
	assert.Error(t, err, "mock starts disconnected")
	assert.Nil(t, info)
}

func TestNewRefusesNativeBackend(t *testing.T) {
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	cfg := testConfig(t)
	cfg.Manager.MockMode = false
	cfg.Manager.Host = "broker.example.com"
	cfg.Manager.Port = 443
	cfg.Manager.Login = 1

	_, err = New(cfg, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mock_mode")
}

func TestRunStopsOnCancel(t *testing.T) {
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	a, err := New(testConfig(t), logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		return a.Mock().IsConnected() && a.pump.Stats().State == "running"
	}, 3*time.Second, 20*time.Millisecond, "bridge never reached running state")

	cancel()

	select {
	case runErr := <-errCh:
		require.NoError(t, runErr)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not shut down after cancel")
	}

	assert.False(t, a.Mock().IsConnected())
	assert.Equal(t, "idle", a.pump.Stats().State)
	assert.Equal(t, 0, a.hub.ClientCount())
}
