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
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cachefs/internal/cache"
	"cachefs/internal/vfs"
)

const defaultTestTimeout = 3 * time.Second

var fixedTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

// fakeFrontend records mount calls without touching the kernel.
type fakeFrontend struct {
	mu         sync.Mutex
	mountPoint string
	unmounts   int
	mountErr   error
	done       chan struct{}
	once       sync.Once
}

func newFakeFrontend() *fakeFrontend {
	return &fakeFrontend{done: make(chan struct{})}
}

func (f *fakeFrontend) Mount(mountPoint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mountErr != nil {
		return f.mountErr
	}
	f.mountPoint = mountPoint
	return nil
}

func (f *fakeFrontend) Unmount() error {
	f.mu.Lock()
	f.unmounts++
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeFrontend) Done() <-chan struct{} { return f.done }
func (f *fakeFrontend) Type() string          { return "fake" }

// externalUnmount simulates `umount` run by someone else.
func (f *fakeFrontend) externalUnmount() {
	f.once.Do(func() { close(f.done) })
}

type daemonEnv struct {
	cfg *Config
	fe  *fakeFrontend
	d   *Daemon
	err chan error

	stopped chan struct{}
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	root := t.TempDir()
	cfg := &Config{
		Backing:    filepath.Join(root, "data"),
		CacheDir:   filepath.Join(root, "cache"),
		MountPoint: filepath.Join(root, "mnt"),
		CacheSize:  "1MiB",
		BlockSize:  "4KiB",
		Buckets:    4,
	}
	cfg.ApplyDefaults()
	require.NoError(t, os.MkdirAll(cfg.Backing, 0755))
	require.NoError(t, cfg.Validate())
	return cfg
}

func startDaemon(t *testing.T, cfg *Config) *daemonEnv {
	t.Helper()
	env := &daemonEnv{cfg: cfg, fe: newFakeFrontend(), err: make(chan error, 1), stopped: make(chan struct{})}
	env.d = New(cfg, "v-test")
	env.d.newFrontend = func(*Config, *vfs.Dispatcher) (Frontend, error) { return env.fe, nil }
	go func() {
		env.err <- env.d.Run(context.Background())
		close(env.stopped)
	}()

	select {
	case <-env.d.Ready():
	case err := <-env.err:
		t.Fatalf("daemon exited before ready: %v", err)
	case <-time.After(defaultTestTimeout):
		t.Fatal("daemon not ready")
	}
	t.Cleanup(func() {
		env.d.Stop()
		select {
		case <-env.stopped:
		case <-time.After(defaultTestTimeout):
		}
	})
	return env
}

func (env *daemonEnv) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-env.err:
		return err
	case <-time.After(defaultTestTimeout):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func TestDaemonMountAndStop(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Backing, "hello.txt"), []byte("hello"), 0644))
	env := startDaemon(t, cfg)

	assert.Equal(t, cfg.MountPoint, env.fe.mountPoint)
	disp := env.d.Dispatcher()
	require.NotNil(t, disp)

	h, err := disp.Open("/hello.txt", os.O_RDONLY)
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := disp.Read(context.Background(), h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	require.NoError(t, disp.Release(h))

	inUse, err := CacheInUse(cfg.CacheDir)
	require.NoError(t, err)
	assert.True(t, inUse)

	env.d.Stop()
	require.NoError(t, env.wait(t))
	assert.Equal(t, 1, env.fe.unmounts)

	inUse, err = CacheInUse(cfg.CacheDir)
	require.NoError(t, err)
	assert.False(t, inUse)

	sum, err := cache.ReadSummary(osfs.New(cfg.CacheDir, osfs.WithBoundOS()))
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.True(t, sum.Clean)
	assert.Equal(t, int64(4096), sum.BlockSize)
	assert.Equal(t, 1, sum.Blocks)
}

func TestDaemonCacheDirLocked(t *testing.T) {
	cfg := testConfig(t)
	startDaemon(t, cfg)

	second := New(cfg, "v-test")
	second.newFrontend = func(*Config, *vfs.Dispatcher) (Frontend, error) {
		t.Fatal("second daemon must not mount")
		return nil, nil
	}
	err := second.Run(context.Background())
	assert.ErrorIs(t, err, cache.ErrLocked)
}

func TestDaemonExternalUnmount(t *testing.T) {
	cfg := testConfig(t)
	env := startDaemon(t, cfg)

	env.fe.externalUnmount()
	require.NoError(t, env.wait(t))
	assert.Equal(t, 0, env.fe.unmounts, "no unmount after the mount is already gone")
}

func TestDaemonExitStopsParentWatcher(t *testing.T) {
	t.Setenv("CACHEFS_PARENT_PID", strconv.Itoa(os.Getpid()))
	cfg := testConfig(t)
	env := startDaemon(t, cfg)

	env.fe.externalUnmount()
	require.NoError(t, env.wait(t))

	g := NewWithT(t)
	g.Expect(env.d.stopCh).To(BeClosed(), "the parent watcher exits with Run")
}

func TestDaemonContextCancel(t *testing.T) {
	cfg := testConfig(t)
	fe := newFakeFrontend()
	d := New(cfg, "v-test")
	d.newFrontend = func(*Config, *vfs.Dispatcher) (Frontend, error) { return fe, nil }

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- d.Run(ctx) }()
	<-d.Ready()
	cancel()

	g := NewWithT(t)
	g.Eventually(errCh).WithTimeout(defaultTestTimeout).Should(Receive(BeNil()))
	g.Eventually(func() bool {
		inUse, _ := CacheInUse(cfg.CacheDir)
		return inUse
	}).WithTimeout(time.Second).WithPolling(20 * time.Millisecond).Should(BeFalse())
}

func TestDaemonMountFailure(t *testing.T) {
	cfg := testConfig(t)
	fe := newFakeFrontend()
	fe.mountErr = errors.New("no fuse device")
	d := New(cfg, "v-test")
	d.newFrontend = func(*Config, *vfs.Dispatcher) (Frontend, error) { return fe, nil }

	err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no fuse device")

	// the lock is released so a retry can proceed
	inUse, err := CacheInUse(cfg.CacheDir)
	require.NoError(t, err)
	assert.False(t, inUse)
}

func TestDaemonMissingBacking(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.RemoveAll(cfg.Backing))
	err := New(cfg, "v-test").Run(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}
