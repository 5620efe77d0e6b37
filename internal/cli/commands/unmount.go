package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"cachefs/internal/daemon"
)

var unmountCmd = &cobra.Command{
	Use:     "unmount <mount-point>",
	Aliases: []string{"umount"},
	Short:   "Unmount a cachefs mount",
	Long: `Unmounts a cachefs mount. The mount process then drains in-flight
fetches, records the cache as cleanly closed and exits.

A busy mount is retried a few times before a forced unmount.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnmount,
}

func init() {
	rootCmd.AddCommand(unmountCmd)
}

func runUnmount(cmd *cobra.Command, args []string) error {
	target, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve mount point: %w", err)
	}
	if !daemon.IsMounted(target) {
		return fmt.Errorf("not mounted: %s", target)
	}
	if err := daemon.Unmount(target); err != nil {
		return err
	}
	fmt.Printf("Unmounted %s\n", target)
	return nil
}
