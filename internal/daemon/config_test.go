package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDir(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("CACHEFS_CONFIG_DIR", "")

		dir := ConfigDir()
		assert.NotEmpty(t, dir)
		assert.True(t, strings.HasSuffix(dir, ".cachefs"), "should end with .cachefs")
	})

	t.Run("override with CACHEFS_CONFIG_DIR", func(t *testing.T) {
		t.Setenv("CACHEFS_CONFIG_DIR", "/tmp/test-cachefs-config")
		assert.Equal(t, "/tmp/test-cachefs-config", ConfigDir())
	})
}

func TestPathFunctions(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CACHEFS_CONFIG_DIR", tmpDir)
	t.Setenv("CACHEFS_LOG", "")

	assert.Equal(t, filepath.Join(tmpDir, "settings.yaml"), GlobalSettingsPath())
	assert.Equal(t, filepath.Join(tmpDir, "cachefs.log"), LogPath())
	assert.Equal(t, "/var/cache/x/lock", LockPath("/var/cache/x"))

	t.Setenv("CACHEFS_LOG", "/tmp/other.log")
	assert.Equal(t, "/tmp/other.log", LogPath())
}

func TestInitConfigDir(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "cfg")
	t.Setenv("CACHEFS_CONFIG_DIR", tmpDir)

	require.NoError(t, InitConfigDir())

	info, err := os.Stat(ConfigDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	// existing settings are left alone
	require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("rw: true\n"), 0600))
	require.NoError(t, InitConfigDir())
	data, err := os.ReadFile(GlobalSettingsPath())
	require.NoError(t, err)
	assert.Equal(t, "rw: true\n", string(data))
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults from embedded artifact", func(t *testing.T) {
		t.Setenv("CACHEFS_CONFIG_DIR", t.TempDir())

		cfg, err := LoadConfig("")
		require.NoError(t, err)
		assert.Equal(t, "0", cfg.CacheSize)
		assert.Equal(t, "128KiB", cfg.BlockSize)
		assert.Equal(t, 0.9, cfg.TargetRatio)
		assert.Equal(t, 1024, cfg.Buckets)
		assert.False(t, cfg.Writable)
		assert.Equal(t, FrontendFUSE, cfg.Frontend)
		assert.Equal(t, "off", cfg.LogLevel)
		assert.Equal(t, LogPath(), cfg.LogFile)
	})

	t.Run("global then per-mount overlay", func(t *testing.T) {
		t.Setenv("CACHEFS_CONFIG_DIR", t.TempDir())
		require.NoError(t, EnsureConfigDir())
		require.NoError(t, os.WriteFile(GlobalSettingsPath(), []byte("cache_size: 10GiB\nrw: true\nno_cache: ['*.log']\n"), 0600))

		mountFile := filepath.Join(t.TempDir(), "mount.yaml")
		require.NoError(t, os.WriteFile(mountFile, []byte("backing: /data\ncache_size: 1GiB\nfrontend: nfs\n"), 0600))

		cfg, err := LoadConfig(mountFile)
		require.NoError(t, err)
		assert.Equal(t, "/data", cfg.Backing)
		assert.Equal(t, "1GiB", cfg.CacheSize)
		assert.True(t, cfg.Writable, "global value kept when the mount file is silent")
		assert.Equal(t, []string{"*.log"}, cfg.NoCache)
		assert.Equal(t, FrontendNFS, cfg.Frontend)
		assert.Equal(t, "128KiB", cfg.BlockSize)
	})

	t.Run("missing per-mount file", func(t *testing.T) {
		t.Setenv("CACHEFS_CONFIG_DIR", t.TempDir())
		_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		t.Setenv("CACHEFS_CONFIG_DIR", t.TempDir())
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("buckets: [1, 2\n"), 0600))
		_, err := LoadConfig(bad)
		assert.Error(t, err)
	})
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := &Config{
		Backing:    filepath.Join(root, "data"),
		CacheDir:   filepath.Join(root, "cache"),
		MountPoint: filepath.Join(root, "mnt"),
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{"defaults", func(cfg *Config) {}, ""},
		{"human sizes", func(cfg *Config) { cfg.CacheSize = "2 GiB"; cfg.BlockSize = "64k" }, ""},
		{"missing backing", func(cfg *Config) { cfg.Backing = "" }, "backing directory is required"},
		{"missing cache dir", func(cfg *Config) { cfg.CacheDir = "" }, "cache_dir is required"},
		{"bad cache size", func(cfg *Config) { cfg.CacheSize = "lots" }, "cache_size"},
		{"zero block size", func(cfg *Config) { cfg.BlockSize = "0" }, "block_size must be"},
		{"cache smaller than a block", func(cfg *Config) { cfg.CacheSize = "1KiB" }, "smaller than one block"},
		{"ratio above one", func(cfg *Config) { cfg.TargetRatio = 1.5 }, "target_ratio"},
		{"too many buckets", func(cfg *Config) { cfg.Buckets = 1 << 20 }, "buckets"},
		{"unknown frontend", func(cfg *Config) { cfg.Frontend = "smb" }, "frontend must be"},
		{"unknown log level", func(cfg *Config) { cfg.LogLevel = "loud" }, "log_level"},
		{"log level case", func(cfg *Config) { cfg.LogLevel = "DEBUG" }, ""},
		{"mount inside backing", func(cfg *Config) { cfg.MountPoint = filepath.Join(cfg.Backing, "mnt") }, "must not contain each other"},
		{"backing inside mount", func(cfg *Config) { cfg.Backing = filepath.Join(cfg.MountPoint, "data") }, "must not contain each other"},
		{"cache inside mount", func(cfg *Config) { cfg.CacheDir = filepath.Join(cfg.MountPoint, "c") }, "inside the mount point"},
		{"cache inside backing", func(cfg *Config) { cfg.CacheDir = filepath.Join(cfg.Backing, ".cache") }, "inside the backing directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidateResolvesValues(t *testing.T) {
	cfg := &Config{Backing: "data", CacheDir: "cache", CacheSize: "1MiB", BlockSize: "4KiB"}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	assert.True(t, filepath.IsAbs(cfg.Backing))
	assert.True(t, filepath.IsAbs(cfg.CacheDir))
	assert.Equal(t, int64(1<<20), cfg.CacheBytes())
	assert.Equal(t, int64(4096), cfg.BlockBytes())
}

func TestConfigValidateJoinsErrors(t *testing.T) {
	cfg := &Config{}
	cfg.ApplyDefaults()
	cfg.Frontend = "smb"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backing directory is required")
	assert.Contains(t, err.Error(), "cache_dir is required")
	assert.Contains(t, err.Error(), "frontend must be")
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/a/b", "/a"))
	assert.True(t, within("/a", "/a"))
	assert.False(t, within("/ab", "/a"))
	assert.False(t, within("/a", "/a/b"))
	assert.False(t, within("", "/a"))
}
