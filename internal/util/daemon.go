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

package util

import (
	"context"
	"fmt"
	"os"
)

// DetachConfig configures StartDetached.
type DetachConfig struct {
	Notify     bool       // Print status messages to stderr
	PollConfig PollConfig // Polling config for waiting
}

// DefaultDetachConfig waits up to 10s for the child to come up.
func DefaultDetachConfig() DetachConfig {
	cfg := DefaultPollConfig()
	cfg.Timeout *= 2
	return DetachConfig{Notify: true, PollConfig: cfg}
}

// StartDetached re-executes the current binary with args in a new session
// and waits until isReady reports true. Returns nil at once when isReady
// already holds.
func StartDetached(ctx context.Context, cfg DetachConfig, isReady func() bool, args []string) (int, error) {
	if isReady() {
		return 0, nil
	}

	if cfg.Notify {
		fmt.Fprint(os.Stderr, "Mounting in background...")
	}

	exe, err := os.Executable()
	if err != nil {
		if cfg.Notify {
			fmt.Fprintln(os.Stderr, " failed")
		}
		return 0, err
	}

	proc, err := Spawn(exe, args)
	if err != nil {
		if cfg.Notify {
			fmt.Fprintln(os.Stderr, " failed")
		}
		return 0, err
	}

	exited := make(chan struct{})
	go func() {
		_, _ = proc.Wait()
		close(exited)
	}()
	err = PollUntil(ctx, cfg.PollConfig, func() bool {
		select {
		case <-exited:
			return true
		default:
		}
		return isReady()
	})
	if err != nil || !isReady() {
		if cfg.Notify {
			fmt.Fprintln(os.Stderr, " failed")
		}
		if err != nil {
			return proc.Pid, fmt.Errorf("background mount did not come up in time")
		}
		return proc.Pid, fmt.Errorf("background mount exited before it was ready")
	}

	if cfg.Notify {
		fmt.Fprintln(os.Stderr, " done")
	}
	return proc.Pid, nil
}
