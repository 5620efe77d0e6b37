package daemon

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"cachefs/internal/artifacts"
)

// getConfigDir returns the config directory path.
// Uses CACHEFS_CONFIG_DIR env var if set, otherwise defaults to ~/.cachefs.
// This is computed dynamically to support test isolation.
func getConfigDir() string {
	if dir := os.Getenv("CACHEFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cachefs")
}

// ConfigDir returns the configuration directory path
func ConfigDir() string {
	return getConfigDir()
}

// GlobalSettingsPath returns the settings file shared by every mount.
func GlobalSettingsPath() string {
	return filepath.Join(getConfigDir(), "settings.yaml")
}

// LogPath returns the default log file of a background mount. Mounts of
// different backing directories share the file; entries carry the mount point.
// Uses CACHEFS_LOG env var if set.
func LogPath() string {
	if envPath := os.Getenv("CACHEFS_LOG"); envPath != "" {
		return envPath
	}
	return filepath.Join(getConfigDir(), "cachefs.log")
}

// LockPath returns the lock file guarding a cache directory.
func LockPath(cacheDir string) string {
	return filepath.Join(cacheDir, "lock")
}

// EnsureConfigDir creates the config directory if it doesn't exist
func EnsureConfigDir() error {
	return os.MkdirAll(getConfigDir(), 0700)
}

// InitConfigDir creates the config directory and seeds settings.yaml from the
// embedded defaults.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	settingsPath := GlobalSettingsPath()
	if _, err := os.Stat(settingsPath); os.IsNotExist(err) {
		if err := os.WriteFile(settingsPath, artifacts.GlobalSettings, 0600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// Config describes one mount.
type Config struct {
	Backing    string `yaml:"backing"`
	CacheDir   string `yaml:"cache_dir"`
	MountPoint string `yaml:"mount_point"`

	CacheSize   string   `yaml:"cache_size"`   // human size, "0" = size of the cache device
	BlockSize   string   `yaml:"block_size"`   // human size, default 128KiB
	TargetRatio float64  `yaml:"target_ratio"` // eviction watermark, fraction of cache_size
	Buckets     int      `yaml:"buckets"`
	Writable    bool     `yaml:"rw"`
	NoCache     []string `yaml:"no_cache"` // gitignore-style patterns

	Frontend   string `yaml:"frontend"`   // fuse or nfs
	NFSListen  string `yaml:"nfs_listen"` // address of the NFS front end
	AllowOther bool   `yaml:"allow_other"`

	LogLevel      string `yaml:"log_level"` // trace, debug, info, warn, off
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`

	cacheBytes int64
	blockBytes int64
}

const (
	FrontendFUSE = "fuse"
	FrontendNFS  = "nfs"
)

var logLevels = []string{"trace", "debug", "info", "warn", "off"}

// ApplyDefaults fills zero-value fields with their defaults.
func (cfg *Config) ApplyDefaults() {
	if cfg.CacheSize == "" {
		cfg.CacheSize = "0"
	}
	if cfg.BlockSize == "" {
		cfg.BlockSize = "128KiB"
	}
	if cfg.TargetRatio == 0 {
		cfg.TargetRatio = 0.9
	}
	if cfg.Buckets == 0 {
		cfg.Buckets = 1024
	}
	if cfg.Frontend == "" {
		cfg.Frontend = FrontendFUSE
	}
	if cfg.NFSListen == "" {
		cfg.NFSListen = "127.0.0.1:0"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "off"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = LogPath()
	}
	if cfg.LogMaxSizeMB == 0 {
		cfg.LogMaxSizeMB = 50
	}
	if cfg.LogMaxBackups == 0 {
		cfg.LogMaxBackups = 3
	}
}

// Validate checks the configuration and resolves sizes and paths. It must run
// before CacheBytes or BlockBytes are used.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Backing == "" {
		errs = append(errs, errors.New("backing directory is required"))
	}
	if cfg.CacheDir == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}

	var err error
	if cfg.cacheBytes, err = parseSize(cfg.CacheSize); err != nil {
		errs = append(errs, fmt.Errorf("cache_size: %w", err))
	}
	if cfg.blockBytes, err = parseSize(cfg.BlockSize); err != nil {
		errs = append(errs, fmt.Errorf("block_size: %w", err))
	} else if cfg.blockBytes <= 0 || cfg.blockBytes > 1<<30 {
		errs = append(errs, fmt.Errorf("block_size must be between 1 byte and 1GiB, got %s", cfg.BlockSize))
	}
	if cfg.cacheBytes > 0 && cfg.blockBytes > 0 && cfg.cacheBytes < cfg.blockBytes {
		errs = append(errs, fmt.Errorf("cache_size %s is smaller than one block", cfg.CacheSize))
	}
	if cfg.TargetRatio <= 0 || cfg.TargetRatio > 1 {
		errs = append(errs, fmt.Errorf("target_ratio must be in (0, 1], got %v", cfg.TargetRatio))
	}
	if cfg.Buckets <= 0 || cfg.Buckets > 1<<16 {
		errs = append(errs, fmt.Errorf("buckets must be between 1 and 65536, got %d", cfg.Buckets))
	}
	if cfg.Frontend != FrontendFUSE && cfg.Frontend != FrontendNFS {
		errs = append(errs, fmt.Errorf("frontend must be %q or %q, got %q", FrontendFUSE, FrontendNFS, cfg.Frontend))
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if !contains(logLevels, cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of %s, got %q", strings.Join(logLevels, ", "), cfg.LogLevel))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	for _, p := range []*string{&cfg.Backing, &cfg.CacheDir, &cfg.MountPoint} {
		if *p == "" {
			continue
		}
		if *p, err = filepath.Abs(*p); err != nil {
			return err
		}
	}
	if cfg.MountPoint != "" {
		// the overlay reads the backing directory by path; mounting over it,
		// or keeping the cache under the mount, would route those reads
		// through the mount itself
		if within(cfg.Backing, cfg.MountPoint) || within(cfg.MountPoint, cfg.Backing) {
			return fmt.Errorf("mount point %s and backing directory %s must not contain each other", cfg.MountPoint, cfg.Backing)
		}
		if within(cfg.CacheDir, cfg.MountPoint) {
			return fmt.Errorf("cache_dir %s must not be inside the mount point %s", cfg.CacheDir, cfg.MountPoint)
		}
	}
	if within(cfg.CacheDir, cfg.Backing) {
		return fmt.Errorf("cache_dir %s must not be inside the backing directory %s", cfg.CacheDir, cfg.Backing)
	}
	return nil
}

// CacheBytes is the configured maximum, 0 when the cache device size decides.
func (cfg *Config) CacheBytes() int64 {
	return cfg.cacheBytes
}

// BlockBytes is the configured block size.
func (cfg *Config) BlockBytes() int64 {
	return cfg.blockBytes
}

// LoadConfig builds a mount configuration from the embedded defaults, the
// global settings file and, when path is set, a per-mount config file. Later
// sources override earlier ones field by field.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &cfg); err != nil {
		panic("failed to parse embedded global settings: " + err.Error())
	}
	sources := []string{GlobalSettingsPath()}
	if path != "" {
		sources = append(sources, path)
	}
	for i, src := range sources {
		data, err := os.ReadFile(src)
		if err != nil {
			if i == 0 && os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", src, err)
		}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("%s is too large", s)
	}
	return int64(n), nil
}

// within reports whether p is dir or below it.
func within(p, dir string) bool {
	if p == "" || dir == "" {
		return false
	}
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
