package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/lenslink/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lenslink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, 60*time.Second, cfg.Session.GracePeriod.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Session.DebounceWindow.Std())
	assert.Equal(t, 15*time.Second, cfg.Stream.HeartbeatInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.Stream.AckTimeout.Std())
	assert.Equal(t, 3, cfg.Stream.MaxMissedHeartbeats)
	assert.True(t, cfg.CleanupEnabled())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
auth:
  token_secret: "s3cret"
session:
  grace_period: "30s"
  cleanup_enabled: false
stream:
  heartbeat_interval: "5s"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.Session.GracePeriod.Std())
	assert.Equal(t, 5*time.Second, cfg.Stream.HeartbeatInterval.Std())
	assert.False(t, cfg.CleanupEnabled())
	// Untouched fields keep defaults
	assert.Equal(t, "/ws/device", cfg.Server.DevicePath)
}

func TestLoadSecretFromEnv(t *testing.T) {
	t.Setenv("LENSLINK_TOKEN_SECRET", "from-env")
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.TokenSecret)
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	t.Setenv("LENSLINK_TOKEN_SECRET", "")
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
session:
  grace_period: "soon"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestValidateRejectsSamePaths(t *testing.T) {
	cfg := Default()
	cfg.Auth.TokenSecret = "x"
	cfg.Server.AppPath = cfg.Server.DevicePath

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
