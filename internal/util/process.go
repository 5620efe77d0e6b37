package util

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Spawn starts executable in a new session so it outlives the caller and
// its terminal. Its stdio is /dev/null; extraEnv is appended to the
// caller's environment.
func Spawn(executable string, args []string, extraEnv ...string) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", filepath.Base(executable), err)
	}
	return cmd.Process, nil
}
