package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8085", cfg.ListenAddr)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "ws://localhost:8085", cfg.RelayURL)
	assert.Nil(t, cfg.AllowedOrigins)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, "canvas-snapshots.db", cfg.SnapshotPath)
	assert.Equal(t, 30*time.Second, cfg.SnapshotInterval)
	assert.Equal(t, 60*time.Second, cfg.RoomGracePeriod)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceInterval)
	assert.True(t, cfg.Flags.DocumentFirst)
	assert.True(t, cfg.Flags.RelayEnabled)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9999")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("SNAPSHOT_INTERVAL", "5s")
	t.Setenv("DOCUMENT_FIRST", "false")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.SnapshotInterval)
	assert.False(t, cfg.Flags.DocumentFirst)
	assert.True(t, cfg.Flags.RelayEnabled)
}

func TestLoadConfigYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listenAddr: ":7070"
snapshotInterval: 10s
flags:
  documentFirst: false
  relayEnabled: false
`), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.SnapshotInterval)
	assert.False(t, cfg.Flags.DocumentFirst)
	assert.False(t, cfg.Flags.RelayEnabled)
}

func TestLoadConfigMissingOverlayFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestFlagsWatcherInitialRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flags:\n  documentFirst: true\n  relayEnabled: false\n"), 0o600))

	w, err := NewFlagsWatcher(path, FeatureFlags{}, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, w.Current().DocumentFirst)
	assert.False(t, w.Current().RelayEnabled)
}

func TestFlagsWatcherMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	defaults := FeatureFlags{DocumentFirst: true, RelayEnabled: true}

	w, err := NewFlagsWatcher(path, defaults, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, defaults, w.Current())
}

func TestFlagsWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flags:\n  documentFirst: false\n"), 0o600))

	w, err := NewFlagsWatcher(path, FeatureFlags{}, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()

	changed := make(chan FeatureFlags, 1)
	w.OnChange(func(f FeatureFlags) {
		select {
		case changed <- f:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("flags:\n  documentFirst: true\n  relayEnabled: true\n"), 0o600))

	select {
	case f := <-changed:
		assert.True(t, f.DocumentFirst)
		assert.True(t, f.RelayEnabled)
	case <-time.After(5 * time.Second):
		t.Fatal("flags change never observed")
	}
	assert.True(t, w.Current().DocumentFirst)
}

func TestFlagsWatcherKeepsPreviousOnBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("flags:\n  documentFirst: true\n"), 0o600))

	w, err := NewFlagsWatcher(path, FeatureFlags{}, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()
	require.True(t, w.Current().DocumentFirst)

	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))

	// Give the watcher a moment; the bad content must be ignored.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, w.Current().DocumentFirst)
}
