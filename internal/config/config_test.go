package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-mtp/mtpd/internal/bytesize"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, "localhost:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/dev/functionfs/mtp", cfg.Transport.MountPoint)
	assert.Equal(t, 64*bytesize.KiB, cfg.Transport.BulkPacketSize)
	assert.Equal(t, "/etc/fsstorage.d", cfg.StorageConfigDir)
	assert.Equal(t, 512, cfg.EventBusCapacity)
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := Config{}
	cfg.Logging.Level = "debug"
	cfg.Metrics.Port = 9999
	ApplyDefaults(&cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level is normalized to uppercase")
	assert.Equal(t, 9999, cfg.Metrics.Port)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)
	cfg.Logging.Level = "CHATTY"
	require.Error(t, Validate(&cfg))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
  format: json
  output: stderr
shutdown_timeout: 5s
transport:
  mount_point: /dev/ffs/mtp
  bulk_packet_size: 128Ki
state_dir: /tmp/mtpd-state
storage_config_dir: /tmp/fsstorage.d
device_info_path: /tmp/deviceinfo.xml
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "/dev/ffs/mtp", cfg.Transport.MountPoint)
	assert.Equal(t, 128*bytesize.KiB, cfg.Transport.BulkPacketSize)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestSaveConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	var cfg Config
	ApplyDefaults(&cfg)
	cfg.Logging.Level = "WARN"
	require.NoError(t, SaveConfig(&cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "WARN", loaded.Logging.Level)
}
