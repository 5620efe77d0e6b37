package commands

import (
	"fmt"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"cachefs/internal/cache"
	"cachefs/internal/daemon"
)

var checkCmd = &cobra.Command{
	Use:   "check <cache-dir>",
	Short: "Verify an unmounted cache directory",
	Long: `Scans a cache directory that no mount is using and reports leftover
temporary files, block files whose header does not verify and block files
stored in the wrong bucket.

--deep also verifies the checksum of every block. --repair removes what was
reported and rewrites the recorded totals.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

var (
	checkRepair bool
	checkDeep   bool
)

func init() {
	checkCmd.Flags().BoolVar(&checkRepair, "repair", false, "Remove bad files and fix the recorded totals")
	checkCmd.Flags().BoolVar(&checkDeep, "deep", false, "Verify block checksums")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	dir, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	inUse, err := daemon.CacheInUse(dir)
	if err != nil {
		return err
	}
	if inUse {
		return fmt.Errorf("%w: %s (unmount it first)", cache.ErrLocked, dir)
	}

	rep, err := cache.Check(osfs.New(dir, osfs.WithBoundOS()), checkDeep, checkRepair)
	if err != nil {
		return err
	}
	fmt.Printf("Blocks: %s (%s)\n", humanize.Comma(int64(rep.Blocks)), humanize.IBytes(uint64(rep.UsedBytes)))
	fmt.Printf("Temporary files: %d\n", rep.Temps)
	fmt.Printf("Corrupt blocks: %d\n", rep.Corrupt)
	fmt.Printf("Misplaced blocks: %d\n", rep.Misplaced)

	problems := rep.Temps + rep.Corrupt + rep.Misplaced
	switch {
	case problems == 0:
		fmt.Println("OK")
	case rep.Repaired:
		fmt.Printf("Repaired %d problems\n", problems)
	default:
		return fmt.Errorf("%d problems found (run with --repair to fix)", problems)
	}
	return nil
}
