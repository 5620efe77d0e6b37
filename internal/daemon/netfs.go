package daemon

import (
	"fmt"

	"cachefs/internal/vfs"
)

// Frontend presents a Dispatcher to the host kernel.
type Frontend interface {
	// Mount attaches the filesystem at mountPoint and returns once it serves requests.
	Mount(mountPoint string) error

	// Unmount detaches the filesystem and stops serving.
	Unmount() error

	// Done is closed when the filesystem is no longer mounted, including
	// when it was unmounted from outside.
	Done() <-chan struct{}

	// Type names the front end ("fuse" or "nfs").
	Type() string
}

// newFrontend creates the front end selected by cfg.Frontend.
func newFrontend(cfg *Config, d *vfs.Dispatcher) (Frontend, error) {
	switch cfg.Frontend {
	case FrontendFUSE:
		return NewFUSEServer(d, cfg.Backing, cfg.AllowOther), nil
	case FrontendNFS:
		return NewNFSServer(d, cfg.NFSListen), nil
	default:
		return nil, fmt.Errorf("unknown frontend %q", cfg.Frontend)
	}
}
