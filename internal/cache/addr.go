package cache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// DefaultBlockSize is the block size used when none is configured (128 KiB).
	DefaultBlockSize int64 = 0x20000
	// DefaultBuckets is the number of bucket directories used when none is configured.
	DefaultBuckets = 1024

	bucketsDir = "buckets"
	blockExt   = ".blk"
	tempPrefix = ".tmp-"
)

// Stamp is the version of a backing file a block was fetched under.
// Two stamps are interchangeable only when both fields match.
type Stamp struct {
	Mtime int64 // modification time, unix nanoseconds
	Size  int64
}

// StampOf builds a Stamp from a backing file's modification time and size.
func StampOf(mtime time.Time, size int64) Stamp {
	return Stamp{Mtime: mtime.UnixNano(), Size: size}
}

// Older reports whether s was taken before o.
func (s Stamp) Older(o Stamp) bool {
	return s.Mtime < o.Mtime
}

func (s Stamp) String() string {
	return fmt.Sprintf("%s/%d", time.Unix(0, s.Mtime).UTC().Format(time.RFC3339Nano), s.Size)
}

// Identity is a backing file as observed by an open handle.
type Identity struct {
	Path string
	Stamp
}

// BlockKey identifies one cached block.
type BlockKey struct {
	Path  string
	Index int64
}

func (k BlockKey) String() string {
	return fmt.Sprintf("%s#%d", k.Path, k.Index)
}

// Geometry maps file offsets to blocks and blocks to their on-disk location.
// It holds no state beyond its two constants.
type Geometry struct {
	BlockSize int64
	Buckets   int
}

// KeyFor returns the block containing off in the file identified by id.
func (g Geometry) KeyFor(id Identity, off int64) BlockKey {
	return BlockKey{Path: id.Path, Index: off / g.BlockSize}
}

// RangeFor returns the half-open byte range [start, end) covered by k.
func (g Geometry) RangeFor(k BlockKey) (start, end int64) {
	start = k.Index * g.BlockSize
	return start, start + g.BlockSize
}

// Span returns the first and last block index touched by length bytes at off.
// length must be positive.
func (g Geometry) Span(off, length int64) (first, last int64) {
	return off / g.BlockSize, (off + length - 1) / g.BlockSize
}

// BlockLen returns how many bytes block k holds in a file of fileSize bytes.
func (g Geometry) BlockLen(k BlockKey, fileSize int64) int64 {
	start, end := g.RangeFor(k)
	if end > fileSize {
		end = fileSize
	}
	if end < start {
		return 0
	}
	return end - start
}

// BucketFor returns the bucket index holding k. Blocks of one file spread
// uniformly over all buckets.
func (g Geometry) BucketFor(k BlockKey) int {
	d := digest(k)
	return int(binary.LittleEndian.Uint64(d[:8]) % uint64(g.Buckets))
}

// BlockPath returns the path of k's block file relative to the cache root.
func (g Geometry) BlockPath(k BlockKey) string {
	d := digest(k)
	bucket := int(binary.LittleEndian.Uint64(d[:8]) % uint64(g.Buckets))
	return path.Join(bucketsDir, bucketName(bucket), hex.EncodeToString(d[:])+blockExt)
}

func bucketName(b int) string {
	return fmt.Sprintf("%04x", b)
}

func digest(k BlockKey) [32]byte {
	h := blake3.New()
	var idx [8]byte
	binary.LittleEndian.PutUint64(idx[:], uint64(k.Index))
	_, _ = h.WriteString(k.Path)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(idx[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}
