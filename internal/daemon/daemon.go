package daemon

// The overlay reads the backing directory by path while it serves requests.
// If the mount point were reachable from the backing directory (or the cache
// directory from the mount point), a request could re-enter the mount and
// deadlock the serving goroutine. Config.Validate rejects such layouts.

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/gofrs/flock"
	log "github.com/sirupsen/logrus"

	"cachefs/internal/backing"
	"cachefs/internal/cache"
	"cachefs/internal/util"
	"cachefs/internal/vfs"
)

// drainTimeout bounds how long shutdown waits for in-flight block fetches.
const drainTimeout = 5 * time.Second

// Daemon runs one mount: it owns the cache directory, the dispatcher and the
// front end serving it.
type Daemon struct {
	cfg     *Config
	version string
	lock    *flock.Flock

	// newFrontend builds the front end; tests replace it.
	newFrontend func(cfg *Config, d *vfs.Dispatcher) (Frontend, error)

	mu   sync.Mutex
	disp *vfs.Dispatcher

	ready    chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a daemon for a validated configuration.
func New(cfg *Config, version string) *Daemon {
	return &Daemon{
		cfg:         cfg,
		version:     version,
		newFrontend: newFrontend,
		ready:       make(chan struct{}),
		stopCh:      make(chan struct{}),
	}
}

// Ready is closed once the filesystem is mounted.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Stop asks Run to unmount and return.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Dispatcher returns the running dispatcher, nil before Ready.
func (d *Daemon) Dispatcher() *vfs.Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.disp
}

// Run mounts the filesystem and blocks until a signal, Stop, ctx
// cancellation or an external unmount.
func (d *Daemon) Run(ctx context.Context) error {
	// stopCh also ends the parent watcher however Run returns
	defer d.Stop()
	cfg := d.cfg
	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// One daemon per cache directory
	d.lock = flock.New(LockPath(cfg.CacheDir))
	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", cache.ErrLocked, cfg.CacheDir)
	}
	defer d.lock.Unlock()

	b, err := backing.Open(cfg.Backing)
	if err != nil {
		return fmt.Errorf("failed to open backing directory: %w", err)
	}

	store, err := d.openStore()
	if err != nil {
		return err
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				log.Warnf("Failed to close cache: %v", err)
			}
		}()
	}

	disp := vfs.NewDispatcher(vfs.Options{
		Backing:  b,
		Store:    store,
		Filter:   vfs.LoadFilter(b, cfg.NoCache),
		Writable: cfg.Writable,
		Version:  d.version,
	})
	d.mu.Lock()
	d.disp = disp
	d.mu.Unlock()

	fe, err := d.newFrontend(cfg, disp)
	if err != nil {
		return err
	}
	if err := fe.Mount(cfg.MountPoint); err != nil {
		return err
	}
	log.Infof("Mounted %s at %s (%s, rw=%v, pid %d)", cfg.Backing, cfg.MountPoint, fe.Type(), cfg.Writable, os.Getpid())
	close(d.ready)

	d.watchParent()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	externallyUnmounted := false
	select {
	case sig := <-sigCh:
		log.Infof("Received signal %v, shutting down...", sig)
	case <-d.stopCh:
		log.Infof("Stop requested, shutting down...")
	case <-ctx.Done():
		log.Infof("Context done, shutting down...")
	case <-fe.Done():
		log.Infof("Filesystem unmounted externally, shutting down...")
		externallyUnmounted = true
	}

	var unmountErr error
	if !externallyUnmounted {
		if unmountErr = fe.Unmount(); unmountErr != nil {
			log.Warnf("Unmount failed: %v", unmountErr)
		}
	}
	d.drain(disp)
	if n := disp.Close(); n > 0 {
		log.Infof("Released %d open handles", n)
	}
	if store != nil {
		st := store.Stats()
		log.Infof("Cache: %d blocks, %d bytes, hits=%d misses=%d evictions=%d",
			st.Blocks, st.UsedBytes, st.Hits, st.Misses, st.Evictions)
	}
	log.Infof("Daemon stopped")
	return unmountErr
}

// openStore opens the block cache, or returns nil when caching is disabled.
// With cache_size 0 the budget is the space the cache could grow to: what it
// already uses plus what is free on its device.
func (d *Daemon) openStore() (*cache.Store, error) {
	if cache.Disabled {
		log.Warnf("CACHEFS_CACHE=0, running without a block cache")
		return nil, nil
	}
	cfg := d.cfg
	opts := cache.Options{
		FS:          osfs.New(cfg.CacheDir, osfs.WithBoundOS()),
		BlockSize:   cfg.BlockBytes(),
		Buckets:     cfg.Buckets,
		MaxBytes:    cfg.CacheBytes(),
		TargetRatio: cfg.TargetRatio,
	}
	if opts.MaxBytes == 0 {
		opts.AutoSize = func(used int64) int64 {
			free, err := backing.FreeBytes(cfg.CacheDir)
			if err != nil {
				log.Warnf("Cannot size cache from free space: %v", err)
				return 0
			}
			return used + free
		}
	}
	store, err := cache.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return store, nil
}

// drain waits for block fetches that are still writing into the cache.
func (d *Daemon) drain(disp *vfs.Dispatcher) {
	f := disp.Fetcher()
	if f == nil {
		return
	}
	cfg := util.PollConfig{Timeout: drainTimeout, Interval: 20 * time.Millisecond}
	if err := util.PollUntil(context.Background(), cfg, func() bool { return f.InFlight() == 0 }); err != nil {
		log.Warnf("Timeout waiting for %d in-flight fetches", f.InFlight())
	}
}

// watchParent stops the daemon when the process named by CACHEFS_PARENT_PID
// exits. Test runners set it so a killed test does not leave a mount behind.
func (d *Daemon) watchParent() {
	ppid, err := strconv.Atoi(os.Getenv("CACHEFS_PARENT_PID"))
	if err != nil || ppid <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-d.stopCh:
				return
			case <-ticker.C:
				if err := syscall.Kill(ppid, 0); err != nil {
					log.Infof("Parent process (PID %d) died, shutting down", ppid)
					d.Stop()
					return
				}
			}
		}
	}()
	log.Debugf("Watching parent process PID %d", ppid)
}

// CacheInUse reports whether a daemon holds the lock of cacheDir.
func CacheInUse(cacheDir string) (bool, error) {
	lock := flock.New(LockPath(cacheDir))
	locked, err := lock.TryLock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if locked {
		_ = lock.Unlock()
		return false, nil
	}
	return true, nil
}
