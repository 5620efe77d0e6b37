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

package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"

	"cachefs/internal/util"
)

// unmountTimeout is the maximum time to wait for each unmount attempt.
// With the NFS front end the kernel client may block an unmount until its
// soft timeout expires.
const unmountTimeout = 3 * time.Second

// unmountCommands lists the regular unmount commands of this platform, in
// the order they are tried.
func unmountCommands(mountPoint string) [][]string {
	if runtime.GOOS == "darwin" {
		return [][]string{
			{"diskutil", "unmount", mountPoint},
			{"umount", mountPoint},
		}
	}
	return [][]string{
		{"fusermount3", "-u", mountPoint},
		{"fusermount", "-u", mountPoint},
		{"umount", mountPoint},
	}
}

func forceUnmountCommand(mountPoint string) []string {
	if runtime.GOOS == "darwin" {
		return []string{"umount", "-f", mountPoint}
	}
	return []string{"umount", "-l", mountPoint}
}

// Unmount unmounts mountPoint. Busy mounts are retried a few times before a
// forced (darwin) or lazy (linux) unmount.
func Unmount(mountPoint string) error {
	if !IsMounted(mountPoint) {
		log.Debugf("Unmount: %s is not mounted, nothing to do", mountPoint)
		return nil
	}

	ctx := context.Background()
	err := util.Retry(ctx, func() error {
		var lastErr error
		for _, args := range unmountCommands(mountPoint) {
			if lastErr = runUnmount(args); lastErr == nil {
				return nil
			}
			log.Debugf("Unmount: %v", lastErr)
			if !IsMounted(mountPoint) {
				return nil
			}
		}
		return lastErr
	}, util.BusyRetryOptions(ctx, 5)...)
	if err == nil {
		log.Infof("Unmount: unmounted %s", mountPoint)
		return nil
	}

	log.Warnf("Unmount: trying forced unmount for %s", mountPoint)
	if ferr := runUnmount(forceUnmountCommand(mountPoint)); ferr != nil {
		return fmt.Errorf("all unmount attempts failed for %s: %w", mountPoint, err)
	}
	return nil
}

func runUnmount(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), unmountTimeout)
	defer cancel()
	output, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w: %s", args[0], err, bytes.TrimSpace(output))
	}
	return nil
}

// IsMounted checks if a path is a mount point by checking the mount table
func IsMounted(mountPoint string) bool {
	output, err := exec.Command("mount").Output()
	if err != nil {
		return false
	}

	// On macOS, /tmp -> /private/tmp and /var -> /private/var, so paths like
	// /tmp/foo appear as /private/tmp/foo in the mount table.
	realPath, err := filepath.EvalSymlinks(mountPoint)
	if err != nil {
		realPath = mountPoint
	}
	return containsMount(string(output), realPath)
}

// containsMount checks if a mount point is in the mount output.
// Format is typically: "something on /mount/point (type options)" on darwin
// and "something on /mount/point type fuse.cachefs (options)" on linux.
func containsMount(mountOutput, mountPoint string) bool {
	for _, line := range bytes.Split([]byte(mountOutput), []byte("\n")) {
		if bytes.Contains(line, []byte(" on "+mountPoint+" ")) ||
			bytes.HasSuffix(line, []byte(" on "+mountPoint)) {
			return true
		}
	}
	return false
}
