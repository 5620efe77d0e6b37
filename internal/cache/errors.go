package cache

import (
	"errors"
	"syscall"
)

var (
	// ErrNotCached is returned by Store.Read when no block exists for the key.
	ErrNotCached = errors.New("block not cached")
	// ErrCacheCorrupt means a block record is unreadable or does not match its file.
	ErrCacheCorrupt = errors.New("cache block corrupt")
	// ErrCacheDiskFull means the cache volume ran out of space during a block write.
	ErrCacheDiskFull = errors.New("cache disk full")
	// ErrCacheIO wraps any other failure of the cache volume.
	ErrCacheIO = errors.New("cache I/O failure")
	// ErrBlockSizeMismatch means the cache directory was created with another block size.
	ErrBlockSizeMismatch = errors.New("cache block size mismatch")
	// ErrLocked means another process holds the cache directory lock.
	ErrLocked = errors.New("cache directory in use")
	// ErrBlockTooLarge means a write carried more than one block of data.
	ErrBlockTooLarge = errors.New("block larger than block size")
)

// classify maps a cache volume error onto the cache error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCacheCorrupt), errors.Is(err, ErrCacheDiskFull), errors.Is(err, ErrCacheIO):
		return err
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return errors.Join(ErrCacheDiskFull, err)
	default:
		return errors.Join(ErrCacheIO, err)
	}
}

// IsCacheError reports whether err belongs to the cache layer rather than the
// backing filesystem. Cache errors degrade to uncached operation.
func IsCacheError(err error) bool {
	return errors.Is(err, ErrCacheCorrupt) || errors.Is(err, ErrCacheDiskFull) ||
		errors.Is(err, ErrCacheIO) || errors.Is(err, ErrNotCached)
}
