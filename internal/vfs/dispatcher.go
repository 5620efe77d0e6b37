// Package vfs implements the operation dispatcher that sits between a host
// front end (FUSE or NFS) and the backing filesystem. Reads go through the
// block cache; writes go through to the backing filesystem and invalidate the
// blocks they touch.
package vfs

import (
	"context"
	"hash/maphash"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"cachefs/internal/backing"
	"cachefs/internal/cache"
	"cachefs/internal/common"
)

const writeStripes = 64

// Options configures a Dispatcher.
type Options struct {
	Backing backing.Adapter
	// Store is the block cache. When nil every read goes to the backing filesystem.
	Store *cache.Store
	// Fetcher populates Store; created from Store when nil.
	Fetcher *cache.Fetcher
	// Filter lists paths that bypass the cache.
	Filter *Filter
	// Writable allows writes and truncation. Read-only mounts mask write bits.
	Writable bool
	Version  string
}

// Dispatcher serves the filesystem operations of one mount.
type Dispatcher struct {
	backing  backing.Adapter
	store    *cache.Store
	fetcher  *cache.Fetcher
	geo      cache.Geometry
	filter   *Filter
	writable bool
	version  string

	handles *HandleManager
	ops     opCounters

	// writers to the same path are serialized so the stamps taken around a
	// write describe that write only
	writeLocks [writeStripes]sync.Mutex
	seed       maphash.Seed
}

// NewDispatcher creates a dispatcher over opts.Backing.
func NewDispatcher(opts Options) *Dispatcher {
	d := &Dispatcher{
		backing:  opts.Backing,
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		filter:   opts.Filter,
		writable: opts.Writable,
		version:  opts.Version,
		handles:  NewHandleManager(),
		seed:     maphash.MakeSeed(),
	}
	if d.store != nil && cache.Disabled {
		log.Warnf("[VFS] CACHEFS_CACHE=0, block cache bypassed")
		d.store = nil
	}
	if d.store != nil {
		d.geo = d.store.Geometry()
		if d.fetcher == nil {
			d.fetcher = cache.NewFetcher(d.store)
		}
	}
	if d.version == "" {
		d.version = "dev"
	}
	return d
}

// Store returns the block cache, nil when running uncached.
func (d *Dispatcher) Store() *cache.Store {
	return d.store
}

// Fetcher returns the fetch coordinator, nil when running uncached.
func (d *Dispatcher) Fetcher() *cache.Fetcher {
	return d.fetcher
}

// Writable reports whether the mount accepts writes.
func (d *Dispatcher) Writable() bool {
	return d.writable
}

// Open opens a backing file (or a virtual file) and records its identity.
func (d *Dispatcher) Open(path string, flags int) (h HandleID, err error) {
	path = common.NormalizePath(path)
	defer d.finish(OpOpen, path, time.Now(), &err)
	log.Debugf("[VFS] Open: path=%q flags=%#x", path, flags)

	wantWrite := flags&(os.O_WRONLY|os.O_RDWR) != 0
	if name := virtualName(path); name != "" {
		if name == VersionFile && wantWrite {
			return 0, EACCES
		}
		return d.handles.AllocateVirtual(name, flags, d.virtualContent(name)), nil
	}
	if wantWrite && !d.writable {
		return 0, EROFS
	}

	attr, err := d.backing.Stat(path)
	if err != nil {
		return 0, err
	}
	if attr.Kind == backing.KindDirectory {
		return 0, EISDIR
	}
	if flags&os.O_TRUNC != 0 && wantWrite {
		if err := d.truncate(path, 0); err != nil {
			return 0, err
		}
		if attr, err = d.backing.Stat(path); err != nil {
			return 0, err
		}
	}

	id := cache.Identity{Path: path, Stamp: cache.StampOf(attr.Mtime, attr.Size)}
	nocache := d.store == nil || d.filter.Excluded(path)
	return d.handles.Allocate(id, flags, nocache), nil
}

// Read fills buf from offset off of the file open as h. Blocks are served
// from the cache when their stamp matches the backing file's current stamp
// and fetched (once, however many callers ask) otherwise.
func (d *Dispatcher) Read(ctx context.Context, h HandleID, buf []byte, off int64) (n int, err error) {
	oh, ok := d.handles.Get(h)
	if !ok {
		return 0, EBADF
	}
	defer d.finish(OpRead, oh.path, time.Now(), &err)

	if oh.virtual != "" {
		return d.readVirtual(oh, buf, off), nil
	}
	if off < 0 {
		return 0, EINVAL
	}
	if len(buf) == 0 {
		return 0, nil
	}

	attr, err := d.backing.Stat(oh.path)
	if err != nil {
		return 0, err
	}
	if attr.Kind == backing.KindDirectory {
		return 0, EISDIR
	}
	id := d.observe(oh, cache.StampOf(attr.Mtime, attr.Size))
	if off >= id.Size {
		return 0, nil
	}
	want := min(int64(len(buf)), id.Size-off)

	if oh.nocache {
		return d.backing.ReadAt(oh.path, buf[:want], off)
	}

	first, last := d.geo.Span(off, want)
	for idx := first; idx <= last; idx++ {
		k := cache.BlockKey{Path: id.Path, Index: idx}
		data, err := d.block(ctx, id, k)
		if err != nil {
			if n > 0 {
				return n, nil
			}
			return 0, err
		}
		start, _ := d.geo.RangeFor(k)
		lo := max(off, start)
		if lo-start < int64(len(data)) {
			n += copy(buf[lo-off:want], data[lo-start:])
		}
		if int64(len(data)) < d.geo.BlockLen(k, id.Size) {
			// the file shrank after the stat
			break
		}
	}
	return n, nil
}

// observe records st as the current stamp of the handle's file. When it
// differs from the stamp the handle last saw, cached blocks taken under any
// other stamp are dropped.
func (d *Dispatcher) observe(oh *openHandle, st cache.Stamp) cache.Identity {
	prev := oh.refresh(st)
	if prev != st && d.store != nil && !oh.nocache {
		if n := d.store.InvalidateStale(oh.path, st); n > 0 {
			log.Debugf("[VFS] %s changed (%v → %v), dropped %d stale blocks", oh.path, prev, st, n)
		}
	}
	return cache.Identity{Path: oh.path, Stamp: st}
}

// block returns the bytes of block k valid for id.
func (d *Dispatcher) block(ctx context.Context, id cache.Identity, k cache.BlockKey) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		data, meta, err := d.store.Read(k)
		switch {
		case err == nil && meta.Stamp == id.Stamp:
			d.store.CountLookup(true)
			return data, nil
		case err == nil:
			log.Tracef("[VFS] %s cached under %v, file is at %v", k, meta.Stamp, id.Stamp)
			d.store.Invalidate(k)
		case !cache.IsCacheError(err):
			log.Debugf("[VFS] cache read %s: %v", k, err)
		}
		d.store.CountLookup(false)

		blk, err := d.fetcher.Fetch(ctx, k, id.Stamp, d.fetchFunc(id, k))
		if err != nil {
			return nil, err
		}
		if blk.Stamp == id.Stamp {
			return blk.Data, nil
		}
		// joined a fetch started for another version of the file
	}
	return d.fetchFunc(id, k)()
}

func (d *Dispatcher) fetchFunc(id cache.Identity, k cache.BlockKey) cache.FetchFunc {
	return func() ([]byte, error) {
		start, _ := d.geo.RangeFor(k)
		buf := make([]byte, d.geo.BlockLen(k, id.Size))
		n, err := d.backing.ReadAt(id.Path, buf, start)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}
}

// Write forwards data to the backing file and invalidates the blocks it
// covers. Blocks outside the written range stay valid.
func (d *Dispatcher) Write(h HandleID, data []byte, off int64) (n int, err error) {
	oh, ok := d.handles.Get(h)
	if !ok {
		return 0, EBADF
	}
	defer d.finish(OpWrite, oh.path, time.Now(), &err)

	switch oh.virtual {
	case ControlFile:
		return d.control(data)
	case VersionFile:
		return 0, EACCES
	}
	if !d.writable {
		return 0, EROFS
	}
	if oh.flags&(os.O_WRONLY|os.O_RDWR) == 0 {
		return 0, EBADF
	}
	if off < 0 {
		return 0, EINVAL
	}

	mu := d.writeLock(oh.path)
	mu.Lock()
	defer mu.Unlock()

	before, err := d.backing.Stat(oh.path)
	if err != nil {
		return 0, err
	}
	n, err = d.backing.WriteAt(oh.path, data, off)
	if n > 0 && d.store != nil {
		first, last := d.geo.Span(off, int64(n))
		if off+int64(n) > before.Size && before.Size > 0 {
			// the old final block grows
			first = min(first, (before.Size-1)/d.geo.BlockSize)
		}
		if after, ok := d.afterWrite(oh.path, cache.StampOf(before.Mtime, before.Size), first, last); ok {
			oh.refresh(after)
		}
	}
	return n, err
}

// Truncate sets the size of a backing file.
func (d *Dispatcher) Truncate(path string, size int64) (err error) {
	path = common.NormalizePath(path)
	defer d.finish(OpTruncate, path, time.Now(), &err)

	if virtualName(path) != "" {
		return nil
	}
	if !d.writable {
		return EROFS
	}
	if size < 0 {
		return EINVAL
	}
	return d.truncate(path, size)
}

func (d *Dispatcher) truncate(path string, size int64) error {
	mu := d.writeLock(path)
	mu.Lock()
	defer mu.Unlock()

	before, err := d.backing.Stat(path)
	if err != nil {
		return err
	}
	if err := d.backing.Truncate(path, size); err != nil {
		return err
	}
	if d.store == nil {
		return nil
	}
	// the block holding the lower of the two sizes changes length, and
	// everything past it appears or disappears
	first := min(before.Size, size) / d.geo.BlockSize
	d.afterWrite(path, cache.StampOf(before.Mtime, before.Size), first, -1)
	return nil
}

// afterWrite moves the blocks outside [first, last] to the post-write stamp
// and drops the blocks inside it. Restamping first means a block fetched
// under the old stamp inside the range is never carried over.
func (d *Dispatcher) afterWrite(path string, before cache.Stamp, first, last int64) (cache.Stamp, bool) {
	attr, err := d.backing.Stat(path)
	if err != nil {
		log.Debugf("[VFS] stat after write %s: %v, dropping all blocks", path, err)
		d.store.InvalidatePath(path)
		return cache.Stamp{}, false
	}
	after := cache.StampOf(attr.Mtime, attr.Size)
	moved := d.store.Restamp(path, before, after, first, last)
	dropped := d.store.InvalidateRange(path, first, last)
	log.Debugf("[VFS] write %s blocks [%d,%d]: dropped %d, restamped %d", path, first, last, dropped, moved)
	return after, true
}

// Release frees a handle. No cache action.
func (d *Dispatcher) Release(h HandleID) (err error) {
	defer d.finish(OpRelease, "", time.Now(), &err)
	if !d.handles.Release(h) {
		return EBADF
	}
	return nil
}

// GetAttr stats path on the backing filesystem. Read-only mounts report no
// write permission.
func (d *Dispatcher) GetAttr(path string) (attr Attr, err error) {
	path = common.NormalizePath(path)
	defer d.finish(OpGetAttr, path, time.Now(), &err)

	if name := virtualName(path); name != "" {
		return d.virtualAttr(name), nil
	}
	attr, err = d.backing.Stat(path)
	if err != nil {
		return Attr{}, err
	}
	if !d.writable {
		attr.Mode &^= 0222
	}
	return attr, nil
}

// ReadDir lists a backing directory. The root also lists the virtual files.
func (d *Dispatcher) ReadDir(path string) (entries []DirEntry, err error) {
	path = common.NormalizePath(path)
	defer d.finish(OpReadDir, path, time.Now(), &err)

	entries, err = d.backing.ListDir(path)
	if err != nil {
		return nil, err
	}
	if path == "" {
		entries = append(entries, d.virtualEntries()...)
	}
	return entries, nil
}

// Readlink returns the target of a backing symlink.
func (d *Dispatcher) Readlink(path string) (target string, err error) {
	path = common.NormalizePath(path)
	defer d.finish(OpReadlink, path, time.Now(), &err)
	return d.backing.Readlink(path)
}

// Statfs reports the backing volume.
func (d *Dispatcher) Statfs() (st StatFS, err error) {
	defer d.finish(OpStatfs, "", time.Now(), &err)
	return d.backing.Statfs()
}

// InvalidatePath drops every cached block of path.
func (d *Dispatcher) InvalidatePath(path string) int {
	if d.store == nil {
		return 0
	}
	return d.store.InvalidatePath(common.NormalizePath(path))
}

// Close releases all handles. The store is closed by its owner.
func (d *Dispatcher) Close() int {
	return d.handles.Clear()
}

func (d *Dispatcher) writeLock(path string) *sync.Mutex {
	return &d.writeLocks[maphash.String(d.seed, path)%writeStripes]
}
