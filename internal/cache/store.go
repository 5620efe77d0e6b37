package cache

import (
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultTargetRatio is the eviction watermark as a fraction of the maximum.
	DefaultTargetRatio = 0.9

	defaultTouchInterval = time.Minute
	stripeCount          = 64
)

// Options configures a Store.
type Options struct {
	// FS is rooted at the cache directory.
	FS        billy.Filesystem
	BlockSize int64
	Buckets   int
	// MaxBytes is the cache budget. When zero, AutoSize decides it after the
	// startup scan; when both are unset the cache is unbounded.
	MaxBytes int64
	AutoSize func(used int64) int64
	// TargetRatio is the fraction of MaxBytes eviction restores usage to.
	TargetRatio float64
	// TouchInterval throttles how often a hit rewrites the block's access time.
	TouchInterval time.Duration
}

// Store owns the block files under the cache directory and the in-memory
// index describing them.
type Store struct {
	fs     billy.Filesystem
	geo    Geometry
	ledger *Ledger

	mu  sync.Mutex // guards idx and entry fields
	idx *index

	// stripes serialize file replacement per key; never held while taking evictMu.
	stripes [stripeCount]sync.Mutex
	seed    maphash.Seed
	evictMu sync.Mutex
	buckets sync.Map // bucket dirs known to exist

	touchInterval time.Duration
	stats         counters
	closed        atomic.Bool
}

// Open opens or initializes the cache directory, reconciles the index and
// ledger from a scan of its contents, and shrinks the cache if it is over
// budget.
func Open(opts Options) (*Store, error) {
	if opts.FS == nil {
		return nil, errors.New("cache: filesystem is nil")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.BlockSize > 1<<31 {
		return nil, fmt.Errorf("cache: block size %d too large", opts.BlockSize)
	}
	if opts.Buckets <= 0 {
		opts.Buckets = DefaultBuckets
	}
	if opts.TargetRatio <= 0 || opts.TargetRatio > 1 {
		opts.TargetRatio = DefaultTargetRatio
	}
	if opts.TouchInterval == 0 {
		opts.TouchInterval = defaultTouchInterval
	}

	prev, err := readLayout(opts.FS)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if prev.BlockSize != opts.BlockSize {
			return nil, fmt.Errorf("%w: directory uses %d, configured %d", ErrBlockSizeMismatch, prev.BlockSize, opts.BlockSize)
		}
		if prev.Buckets != opts.Buckets {
			log.Warnf("[Cache] keeping %d buckets from existing layout (configured %d)", prev.Buckets, opts.Buckets)
			opts.Buckets = prev.Buckets
		}
		if !prev.Clean {
			log.Warnf("[Cache] previous mount did not shut down cleanly, rebuilding from scan")
		}
	}

	s := &Store{
		fs:            opts.FS,
		geo:           Geometry{BlockSize: opts.BlockSize, Buckets: opts.Buckets},
		idx:           newIndex(),
		seed:          maphash.MakeSeed(),
		touchInterval: opts.TouchInterval,
	}
	if err := s.fs.MkdirAll(bucketsDir, 0700); err != nil {
		return nil, classify(err)
	}

	res, err := scanBlocks(s.fs, s.geo, true)
	if err != nil {
		return nil, err
	}
	for _, e := range res.entries {
		s.idx.put(e)
	}
	if res.temps > 0 || res.corrupt > 0 || res.misplaced > 0 {
		log.Infof("[Cache] startup scan removed %d temp, %d corrupt, %d misplaced files", res.temps, res.corrupt, res.misplaced)
	}
	if prev != nil && prev.UsedBytes != res.total {
		log.Warnf("[Cache] persisted total %d differs from scanned total %d, using scan", prev.UsedBytes, res.total)
	}

	maxBytes := opts.MaxBytes
	if maxBytes <= 0 && opts.AutoSize != nil {
		maxBytes = opts.AutoSize(res.total)
	}
	target := int64(float64(maxBytes) * opts.TargetRatio)
	if maxBytes > 0 && target < opts.BlockSize {
		target = min(opts.BlockSize, maxBytes)
	}
	s.ledger = NewLedger(maxBytes, target)
	s.ledger.reset(res.total)

	log.Infof("[Cache] opened: %d blocks, %d bytes used, max %d, target %d, block size %d",
		s.idx.len(), res.total, maxBytes, target, opts.BlockSize)

	if s.ledger.OverLimit() {
		freed := s.evictTo(s.ledger.Target())
		log.Infof("[Cache] over budget at startup, evicted %d bytes", freed)
	}

	if err := s.persist(false); err != nil {
		return nil, classify(err)
	}
	return s, nil
}

// Geometry returns the block addressing used by the store.
func (s *Store) Geometry() Geometry {
	return s.geo
}

// Ledger returns the space ledger.
func (s *Store) Ledger() *Ledger {
	return s.ledger
}

// Lookup returns the metadata of k without touching its recency.
func (s *Store) Lookup(k BlockKey) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.idx.peek(k)
	if e == nil {
		return Metadata{}, false
	}
	return e.meta(), true
}

// Read returns the bytes stored for k and marks it most recently used. The
// entry is pinned for the duration of the read. A block that fails to verify
// is evicted and reported as ErrCacheCorrupt.
func (s *Store) Read(k BlockKey) ([]byte, Metadata, error) {
	now := time.Now().UnixNano()

	s.mu.Lock()
	e := s.idx.touch(k)
	if e == nil {
		s.mu.Unlock()
		return nil, Metadata{}, ErrNotCached
	}
	e.pins++
	meta := e.meta()
	stored := e.stored
	persist := now-e.accessed > int64(s.touchInterval)
	if persist {
		e.accessed = now
	}
	s.mu.Unlock()
	defer s.unpin(e)

	buf, err := util.ReadFile(s.fs, e.file)
	if err != nil {
		s.drop(e)
		if errors.Is(err, os.ErrNotExist) {
			return nil, Metadata{}, ErrNotCached
		}
		return nil, Metadata{}, classify(err)
	}
	rec, data, err := decodeRecord(buf)
	if err == nil && rec.key != k {
		err = fmt.Errorf("%w: block file holds %s", ErrCacheCorrupt, rec.key)
	}
	if err != nil {
		s.stats.corrupt.Add(1)
		log.Warnf("[Cache] dropping %s: %v", k, err)
		s.drop(e)
		return nil, Metadata{}, err
	}
	if rec.stamp != stored {
		// a concurrent Write replaced the file after meta was taken
		log.Tracef("[Cache] %s replaced during read (%v, expected %v)", k, rec.stamp, stored)
		return nil, Metadata{}, ErrNotCached
	}
	if persist {
		s.persistAccess(e.file, now)
	}
	return data, meta, nil
}

// Write stores data as block k fetched under stamp st. A write whose stamp is
// older than the stored one is a no-op that returns the stored metadata.
// Space is reserved (evicting if needed) before the block file is written.
func (s *Store) Write(k BlockKey, data []byte, st Stamp) (Metadata, error) {
	if k.Index < 0 {
		return Metadata{}, fmt.Errorf("cache: negative block index %d", k.Index)
	}
	if int64(len(data)) > s.geo.BlockSize {
		return Metadata{}, ErrBlockTooLarge
	}
	if meta, ok := s.newer(k, st); ok {
		return meta, nil
	}

	now := time.Now().UnixNano()
	buf, err := encodeRecord(k, st, now, data)
	if err != nil {
		return Metadata{}, err
	}
	size := int64(len(data))
	file := s.geo.BlockPath(k)

	s.reserve(size)

	mu := s.stripe(k)
	mu.Lock()
	if meta, ok := s.newer(k, st); ok {
		mu.Unlock()
		s.ledger.Commit(-size)
		return meta, nil
	}
	if err := s.writeFile(file, buf); err != nil {
		mu.Unlock()
		s.ledger.Commit(-size)
		s.stats.storeFailures.Add(1)
		err = classify(err)
		if errors.Is(err, ErrCacheDiskFull) {
			log.Warnf("[Cache] cache volume full writing %s, evicting", k)
			s.evictTo(min(s.ledger.Target(), s.ledger.Usage()-s.geo.BlockSize))
		}
		return Metadata{}, err
	}
	e := &entry{key: k, stamp: st, stored: st, size: size, file: file, accessed: now}
	s.mu.Lock()
	old := s.idx.put(e)
	meta := e.meta()
	s.mu.Unlock()
	mu.Unlock()

	if old != nil {
		s.ledger.Commit(-old.size)
	}
	if s.ledger.OverLimit() {
		s.evictTo(s.ledger.Target())
	}
	return meta, nil
}

// Invalidate removes block k. Reports whether it was cached.
func (s *Store) Invalidate(k BlockKey) bool {
	if s.discard(k) {
		s.stats.invalidations.Add(1)
		return true
	}
	return false
}

// Evict removes block k as the eviction engine would.
func (s *Store) Evict(k BlockKey) bool {
	if s.discard(k) {
		s.stats.evictions.Add(1)
		return true
	}
	return false
}

// InvalidatePath removes every cached block of path.
func (s *Store) InvalidatePath(p string) int {
	return s.InvalidateRange(p, 0, -1)
}

// InvalidateRange removes the cached blocks of path with index in
// [first, last]. A negative last means no upper bound.
func (s *Store) InvalidateRange(p string, first, last int64) int {
	s.mu.Lock()
	keys := s.idx.blocksOf(p)
	s.mu.Unlock()
	n := 0
	for _, k := range keys {
		if k.Index < first || (last >= 0 && k.Index > last) {
			continue
		}
		if s.Invalidate(k) {
			n++
		}
	}
	if n > 0 {
		log.Debugf("[Cache] invalidated %d blocks of %s [%d,%d]", n, p, first, last)
	}
	return n
}

// InvalidateStale removes the cached blocks of path not fetched under st.
func (s *Store) InvalidateStale(p string, st Stamp) int {
	s.mu.Lock()
	var stale []BlockKey
	for _, k := range s.idx.blocksOf(p) {
		if e := s.idx.peek(k); e != nil && e.stamp != st {
			stale = append(stale, k)
		}
	}
	s.mu.Unlock()
	n := 0
	for _, k := range stale {
		if s.Invalidate(k) {
			n++
		}
	}
	return n
}

// Restamp moves the blocks of path cached under from to stamp to, leaving
// out the blocks with index in [first, last] (a negative last means no upper
// bound). It is used after a write through the overlay, when the blocks
// outside the written range are known to be unchanged. The new stamp is kept
// in memory only.
func (s *Store) Restamp(p string, from, to Stamp, first, last int64) int {
	if from == to {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, k := range s.idx.blocksOf(p) {
		if k.Index >= first && (last < 0 || k.Index <= last) {
			continue
		}
		if e := s.idx.peek(k); e != nil && e.stamp == from {
			e.stamp = to
			n++
		}
	}
	return n
}

// CountLookup records the outcome of a validity-checked lookup.
func (s *Store) CountLookup(hit bool) {
	if hit {
		s.stats.hits.Add(1)
	} else {
		s.stats.misses.Add(1)
	}
}

// Shrink evicts least recently used blocks until usage is at the target.
func (s *Store) Shrink() int64 {
	return s.evictTo(s.ledger.Target())
}

// Keys returns the cached keys from least to most recently used.
func (s *Store) Keys() []BlockKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.idx.all()
	keys := make([]BlockKey, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys
}

// Usage returns the bytes accounted to cached blocks.
func (s *Store) Usage() int64 {
	return s.ledger.Usage()
}

// Stats returns a snapshot of the cache counters.
func (s *Store) Stats() Stats {
	st := s.stats.snapshot()
	s.mu.Lock()
	st.Blocks = s.idx.len()
	s.mu.Unlock()
	st.UsedBytes = s.ledger.Usage()
	st.MaxBytes = s.ledger.Max()
	st.TargetBytes = s.ledger.Target()
	return st
}

// Close persists the summary and marks the directory as cleanly closed.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.persist(true)
}

func (s *Store) persist(clean bool) error {
	s.mu.Lock()
	blocks := s.idx.len()
	s.mu.Unlock()
	return writeLayout(s.fs, &Summary{
		BlockSize: s.geo.BlockSize,
		Buckets:   s.geo.Buckets,
		UsedBytes: s.ledger.Usage(),
		Blocks:    blocks,
		Clean:     clean,
	})
}

// newer returns the stored metadata of k when it is newer than st.
func (s *Store) newer(k BlockKey, st Stamp) (Metadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.idx.peek(k); cur != nil && st.Older(cur.stamp) {
		return cur.meta(), true
	}
	return Metadata{}, false
}

// reserve accounts n bytes, evicting down to the target watermark when they
// do not fit. If every block is pinned the bytes are committed anyway.
func (s *Store) reserve(n int64) {
	if s.ledger.Reserve(n) {
		return
	}
	goal := max(min(s.ledger.Target(), s.ledger.Max()-n), 0)
	s.evictTo(goal)
	if s.ledger.Reserve(n) {
		return
	}
	log.Warnf("[Evict] no evictable blocks, cache exceeds its %d byte limit", s.ledger.Max())
	s.ledger.Commit(n)
}

func (s *Store) discard(k BlockKey) bool {
	mu := s.stripe(k)
	mu.Lock()
	defer mu.Unlock()
	s.mu.Lock()
	e := s.idx.remove(k)
	s.mu.Unlock()
	if e == nil {
		return false
	}
	s.removeFile(e.file)
	s.ledger.Commit(-e.size)
	return true
}

// drop removes e if it is still the indexed entry for its key.
func (s *Store) drop(e *entry) {
	mu := s.stripe(e.key)
	mu.Lock()
	defer mu.Unlock()
	s.mu.Lock()
	if s.idx.peek(e.key) != e {
		s.mu.Unlock()
		return
	}
	s.idx.remove(e.key)
	s.mu.Unlock()
	s.removeFile(e.file)
	s.ledger.Commit(-e.size)
}

// release deletes the file of an entry already taken out of the index. If a
// newer block for the same key was installed meanwhile, the rename already
// replaced the old file.
func (s *Store) release(e *entry) {
	mu := s.stripe(e.key)
	mu.Lock()
	s.mu.Lock()
	replaced := s.idx.peek(e.key) != nil
	s.mu.Unlock()
	if !replaced {
		s.removeFile(e.file)
	}
	mu.Unlock()
	s.ledger.Commit(-e.size)
}

func (s *Store) unpin(e *entry) {
	s.mu.Lock()
	e.pins--
	s.mu.Unlock()
}

func (s *Store) stripe(k BlockKey) *sync.Mutex {
	var h maphash.Hash
	h.SetSeed(s.seed)
	_, _ = h.WriteString(k.Path)
	return &s.stripes[(h.Sum64()+uint64(k.Index))%stripeCount]
}

func (s *Store) writeFile(file string, buf []byte) error {
	dir := path.Dir(file)
	if _, ok := s.buckets.Load(dir); !ok {
		if err := s.fs.MkdirAll(dir, 0700); err != nil {
			return err
		}
		s.buckets.Store(dir, struct{}{})
	}
	tmp := path.Join(dir, tempPrefix+uuid.NewString())
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	_, werr := f.Write(buf)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = s.fs.Remove(tmp)
		return werr
	}
	if err := s.fs.Rename(tmp, file); err != nil {
		_ = s.fs.Remove(tmp)
		return err
	}
	return nil
}

func (s *Store) removeFile(file string) {
	if err := s.fs.Remove(file); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warnf("[Cache] failed to remove %s: %v", file, err)
	}
}

// persistAccess rewrites the access time field in place. Best effort.
func (s *Store) persistAccess(file string, ns int64) {
	f, err := s.fs.OpenFile(file, os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.Seek(accessOffset, io.SeekStart); err != nil {
		return
	}
	if _, err := f.Write(encodeAccess(ns)); err != nil {
		log.Debugf("[Cache] failed to record access time of %s: %v", file, err)
	}
}

func bucketOf(file string) string {
	return path.Base(path.Dir(file))
}
