// Copyright 2024 CacheFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"cachefs/internal/cache"
	"cachefs/internal/daemon"
	"cachefs/internal/util"
	"cachefs/internal/vfs"
)

var mountCmd = &cobra.Command{
	Use:   "mount <backing> <mount-point> --cache-dir <dir>",
	Short: "Mount a backing directory through the block cache",
	Long: `Mounts <backing> at <mount-point>. Reads are cached in blocks under
--cache-dir, which holds at most --cache-size bytes (0 = the free space of its
device). The mount is read-only unless --rw is given.

Without --foreground the mount runs in the background and this command
returns once it is ready. Stop it with 'cachefs unmount <mount-point>'.

Examples:
  cachefs mount /mnt/nas ~/nas --cache-dir ~/.cache/nas --cache-size 20GiB
  cachefs mount /mnt/s3 ./data --cache-dir /ssd/cache --rw -f -v
  cachefs mount /mnt/nas ~/nas --config nas.yaml --nfs 127.0.0.1:0`,
	Args: cobra.RangeArgs(0, 2),
	RunE: runMount,
}

var (
	mountConfigFile string
	mountCacheDir   string
	mountCacheSize  string
	mountBlockSize  string
	mountWritable   bool
	mountForeground bool
	mountVerbose    bool
	mountNFS        string
	mountAllowOther bool
	mountNoCache    []string
	mountLogLevel   string
	mountDaemonized bool
)

func init() {
	f := mountCmd.Flags()
	f.StringVar(&mountConfigFile, "config", "", "Per-mount YAML config file")
	f.StringVar(&mountCacheDir, "cache-dir", "", "Cache directory (one mount per cache directory)")
	f.StringVar(&mountCacheSize, "cache-size", "", "Maximum cache size, e.g. 10GiB (0 = free space of the cache device)")
	f.StringVar(&mountBlockSize, "block-size", "", "Cache block size, e.g. 128KiB")
	f.BoolVar(&mountWritable, "rw", false, "Allow writes (forwarded to the backing directory)")
	f.BoolVarP(&mountForeground, "foreground", "f", false, "Run in foreground, logging to stderr")
	f.BoolVarP(&mountVerbose, "verbose", "v", false, "Debug logging")
	f.StringVar(&mountNFS, "nfs", "", "Serve over NFS on this address instead of FUSE")
	f.BoolVar(&mountAllowOther, "allow-other", false, "Let other users access the FUSE mount")
	f.StringSliceVar(&mountNoCache, "no-cache", nil, "gitignore-style pattern of paths never cached (repeatable)")
	f.StringVar(&mountLogLevel, "log-level", "", "Log level: trace, debug, info, warn, off")
	f.BoolVar(&mountDaemonized, "daemonized", false, "Run as the background mount process")
	_ = f.MarkHidden("daemonized")
	rootCmd.AddCommand(mountCmd)
}

// mountConfig merges settings files and flags into a validated configuration.
func mountConfig(cmd *cobra.Command, args []string) (*daemon.Config, error) {
	cfg, err := daemon.LoadConfig(mountConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if len(args) > 0 {
		cfg.Backing = args[0]
	}
	if len(args) > 1 {
		cfg.MountPoint = args[1]
	}
	if cfg.Backing == "" || cfg.MountPoint == "" {
		return nil, fmt.Errorf("backing directory and mount point are required")
	}

	flags := cmd.Flags()
	if flags.Changed("cache-dir") {
		cfg.CacheDir = mountCacheDir
	}
	if flags.Changed("cache-size") {
		cfg.CacheSize = mountCacheSize
	}
	if flags.Changed("block-size") {
		cfg.BlockSize = mountBlockSize
	}
	if flags.Changed("rw") {
		cfg.Writable = mountWritable
	}
	if flags.Changed("nfs") {
		cfg.Frontend = daemon.FrontendNFS
		cfg.NFSListen = mountNFS
	}
	if flags.Changed("allow-other") {
		cfg.AllowOther = mountAllowOther
	}
	if flags.Changed("no-cache") {
		cfg.NoCache = append(cfg.NoCache, mountNoCache...)
	}
	switch {
	case mountVerbose:
		cfg.LogLevel = "debug"
	case flags.Changed("log-level"):
		cfg.LogLevel = mountLogLevel
	case mountForeground && cfg.LogLevel == "off":
		cfg.LogLevel = "info"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if info, err := os.Stat(cfg.Backing); err != nil {
		return nil, fmt.Errorf("backing directory: %w", err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("backing path is not a directory: %s", cfg.Backing)
	}
	if daemon.IsMounted(cfg.MountPoint) {
		return nil, fmt.Errorf("already mounted: %s", cfg.MountPoint)
	}
	return cfg, nil
}

func runMount(cmd *cobra.Command, args []string) error {
	cfg, err := mountConfig(cmd, args)
	if err != nil {
		return err
	}

	if !mountForeground && !mountDaemonized {
		return startBackgroundMount(cfg)
	}

	closer, err := daemon.SetupLogging(cfg, mountForeground)
	if err != nil {
		return err
	}
	defer closer.Close()

	d := daemon.New(cfg, version)
	if mountForeground {
		go func() {
			<-d.Ready()
			fmt.Fprintf(os.Stderr, "Mounted %s at %s (Ctrl-C to unmount)\n", cfg.Backing, cfg.MountPoint)
		}()
	}
	return d.Run(context.Background())
}

// startBackgroundMount re-executes this command detached from the terminal
// and waits until the mount answers on its control file.
func startBackgroundMount(cfg *daemon.Config) error {
	if inUse, err := daemon.CacheInUse(cfg.CacheDir); err == nil && inUse {
		return fmt.Errorf("%w by another mount: %s", cache.ErrLocked, cfg.CacheDir)
	}

	args := append([]string{}, os.Args[1:]...)
	args = append(args, "--daemonized")
	ready := func() bool {
		_, err := os.Stat(filepath.Join(cfg.MountPoint, vfs.ControlFile))
		return err == nil
	}
	pid, err := util.StartDetached(context.Background(), util.DefaultDetachConfig(), ready, args)
	if err != nil {
		if cfg.LogLevel != "off" {
			return fmt.Errorf("%w (see %s)", err, cfg.LogFile)
		}
		return fmt.Errorf("%w (run with --foreground to see why)", err)
	}
	fmt.Printf("Mounted %s at %s (pid %d)\n", cfg.Backing, cfg.MountPoint, pid)
	return nil
}
