package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := NewCfg().Load(&CommandLineArgs{})
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.PageSize)
	assert.Equal(t, 50*time.Second, cfg.LockWaitTimeout)
}

func TestLoadIni(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "falcon.ini")
	content := `
[falcon]
data_dir = /tmp/falcon
page_size = 8192
page_cache_size = 512
serial_log_block_size = 131072
serial_log_window_size = 1048576
lock_wait_timeout = 3s
checksums = false
debug_mask = 5

[logs]
log_level = debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/falcon", cfg.DataDir)
	assert.Equal(t, "/tmp/falcon", cfg.SerialLogDir)
	assert.Equal(t, 8192, cfg.PageSize)
	assert.Equal(t, 512, cfg.PageCacheSize)
	assert.Equal(t, 3*time.Second, cfg.LockWaitTimeout)
	assert.False(t, cfg.Checksums)
	assert.Equal(t, uint32(5), cfg.DebugMask)
	assert.Equal(t, "debug", cfg.LogConfig().LogLevel)
}

func TestLoadToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "falcon.toml")
	content := `
[falcon]
page_size = 2048
serial_log_block_size = 65536
lock_wait_timeout = "2s"
use_sector_cache = false

[logs]
log_level = "warn"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := NewCfg().Load(&CommandLineArgs{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, 2048, cfg.PageSize)
	assert.Equal(t, 2*time.Second, cfg.LockWaitTimeout)
	assert.False(t, cfg.UseSectorCache)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestValidate(t *testing.T) {
	t.Run("页大小", func(t *testing.T) {
		cfg := NewCfg()
		cfg.PageSize = 3000
		assert.Error(t, cfg.Validate())
	})
	t.Run("block too small", func(t *testing.T) {
		cfg := NewCfg()
		cfg.PageSize = 32768
		cfg.SerialLogBlockSize = 32768
		assert.Error(t, cfg.Validate())
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := NewCfg().Load(&CommandLineArgs{ConfigPath: filepath.Join(t.TempDir(), "none.ini")})
		assert.Error(t, err)
	})
}
