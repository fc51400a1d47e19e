package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, env, body string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "config."+env+".yaml"), []byte(body), 0o644))
	t.Chdir(dir)
	t.Setenv("CONFIG_ENV", env)
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_ENV", "missing")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "release", cfg.Mode)
	assert.Equal(t, 54*time.Second, cfg.PingPeriod)
	assert.Equal(t, 60*time.Second, cfg.PongWait)
	assert.Equal(t, 32, cfg.SendBuffer)
	assert.Equal(t, 10, cfg.Presence.Limit)
	assert.Equal(t, time.Second, cfg.Presence.Interval)
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	writeConfig(t, "test", "port: 9000\nmode: debug\npresence:\n  limit: 4\n")
	t.Setenv("ROOMCALL_PORT", "9100")
	t.Setenv("ROOMCALL_PRESENCE_INTERVAL", "3s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "debug", cfg.Mode)
	assert.Equal(t, 4, cfg.Presence.Limit)
	assert.Equal(t, 3*time.Second, cfg.Presence.Interval)
}

func TestLoadRejectsPingSlowerThanPong(t *testing.T) {
	writeConfig(t, "test", "ping_period: 90s\npong_wait: 60s\n")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadPeerFlagsWin(t *testing.T) {
	writeConfig(t, "test", "server: ws://file/api/ws/signal\ncall_timeout: 10s\n")

	flags := pflag.NewFlagSet("peer", pflag.ContinueOnError)
	flags.String("server", "", "")
	flags.String("codec", "json", "")
	flags.Duration("call-timeout", 0, "")
	require.NoError(t, flags.Parse([]string{"--codec", "msgpack"}))

	cfg, err := LoadPeer(flags)
	require.NoError(t, err)
	assert.Equal(t, "ws://file/api/ws/signal", cfg.Server)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, 10*time.Second, cfg.CallTimeout)
	assert.Equal(t, 5*time.Second, cfg.GatherTimeout)
}
