package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"cachefs/internal/vfs"
)

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <mount-point> <path>...",
	Short: "Drop the cached blocks of files",
	Long: `Drops every cached block of each path so the next read fetches it from
the backing directory again. Paths are relative to the mount point, or
absolute paths inside it.

Examples:
  cachefs invalidate ~/nas reports/q3.csv
  cachefs invalidate ~/nas ~/nas/video/big.mkv`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInvalidate,
}

func init() {
	rootCmd.AddCommand(invalidateCmd)
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	mountPoint, err := filepath.Abs(args[0])
	if err != nil {
		return fmt.Errorf("failed to resolve mount point: %w", err)
	}
	for _, p := range args[1:] {
		rel, err := mountRelative(mountPoint, p)
		if err != nil {
			return err
		}
		if err := sendControl(mountPoint, "invalidate "+rel); err != nil {
			return fmt.Errorf("invalidate %s: %w", p, err)
		}
		fmt.Printf("Invalidated %s\n", rel)
	}
	return nil
}

// mountRelative turns p into a path relative to the mount root.
func mountRelative(mountPoint, p string) (string, error) {
	if !filepath.IsAbs(p) {
		return filepath.ToSlash(filepath.Clean(p)), nil
	}
	rel, err := filepath.Rel(mountPoint, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is not inside %s", p, mountPoint)
	}
	return filepath.ToSlash(rel), nil
}

// sendControl writes one command to the mount's control file.
func sendControl(mountPoint, command string) error {
	f, err := os.OpenFile(filepath.Join(mountPoint, vfs.ControlFile), os.O_WRONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("not a cachefs mount: %s", mountPoint)
		}
		return err
	}
	if _, err := f.Write([]byte(command + "\n")); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
