package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"cachefs/internal/cache"
	"cachefs/internal/daemon"
	"cachefs/internal/vfs"
)

var statusCmd = &cobra.Command{
	Use:   "status <mount-point | cache-dir>",
	Short: "Show cache usage and counters",
	Long: `Shows the state of a cache.

Given a mount point, the live counters are read from the mount's control
file. Given a cache directory, the summary recorded at the last shutdown is
shown without opening the cache.

Examples:
  cachefs status ~/nas
  cachefs status ~/.cache/nas`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if data, err := os.ReadFile(filepath.Join(target, vfs.ControlFile)); err == nil {
		st, err := vfs.ParseStatus(data)
		if err != nil {
			return err
		}
		printLiveStatus(target, st)
		return nil
	}
	return printCacheDirStatus(target)
}

func printLiveStatus(mountPoint string, st *vfs.Status) {
	fmt.Printf("Mount: %s\n", mountPoint)
	fmt.Printf("Version: %s\n", st.Version)
	fmt.Printf("Writable: %v\n", st.Writable)
	fmt.Printf("Open handles: %d\n", st.OpenHandles)
	if st.Cache == nil {
		fmt.Println("Cache: disabled")
	} else {
		c := st.Cache
		fmt.Printf("Cache: %d blocks, %s used", c.Blocks, humanize.IBytes(uint64(c.UsedBytes)))
		if c.MaxBytes > 0 {
			fmt.Printf(" of %s (target %s)", humanize.IBytes(uint64(c.MaxBytes)), humanize.IBytes(uint64(c.TargetBytes)))
		}
		fmt.Println()
		fmt.Printf("  hits %d, misses %d, hit ratio %s\n", c.Hits, c.Misses, hitRatio(c.Hits, c.Misses))
		fmt.Printf("  fetches %d (shared %d, in flight %d)\n", c.Fetches, c.SharedFetches, st.InFlight)
		fmt.Printf("  evictions %d, invalidations %d, store failures %d, corrupt %d\n",
			c.Evictions, c.Invalidations, c.StoreFailures, c.Corrupt)
	}
	if len(st.Ops) > 0 {
		names := make([]string, 0, len(st.Ops))
		for name := range st.Ops {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Println("Operations:")
		for _, name := range names {
			op := st.Ops[name]
			fmt.Printf("  %-10s %s calls, %s errors\n", name, humanize.Comma(int64(op.Calls)), humanize.Comma(int64(op.Errors)))
		}
	}
}

func printCacheDirStatus(dir string) error {
	sum, err := cache.ReadSummary(osfs.New(dir, osfs.WithBoundOS()))
	if err != nil {
		return err
	}
	if sum == nil {
		return errors.New("not a mount point or cache directory: " + dir)
	}
	inUse, _ := daemon.CacheInUse(dir)

	fmt.Printf("Cache directory: %s\n", dir)
	fmt.Printf("Block size: %s\n", humanize.IBytes(uint64(sum.BlockSize)))
	fmt.Printf("Buckets: %d\n", sum.Buckets)
	fmt.Printf("Blocks: %s\n", humanize.Comma(int64(sum.Blocks)))
	fmt.Printf("Used: %s\n", humanize.IBytes(uint64(sum.UsedBytes)))
	switch {
	case inUse:
		fmt.Println("State: mounted (figures are from mount time)")
	case sum.Clean:
		fmt.Printf("State: clean, last closed %s\n", humanize.Time(sum.UpdatedAt))
	default:
		fmt.Println("State: not closed cleanly, the next mount rescans it")
	}
	return nil
}

func hitRatio(hits, misses uint64) string {
	if hits+misses == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", float64(hits)*100/float64(hits+misses))
}
