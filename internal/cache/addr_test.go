package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGeometryKeyFor(t *testing.T) {
	t.Parallel()
	g := Geometry{BlockSize: 4096, Buckets: 16}
	id := Identity{Path: "dir/file.bin"}

	tests := []struct {
		off  int64
		want int64
	}{
		{0, 0},
		{4095, 0},
		{4096, 1},
		{8191, 1},
		{1 << 20, 256},
	}
	for _, tt := range tests {
		k := g.KeyFor(id, tt.off)
		assert.Equal(t, "dir/file.bin", k.Path)
		assert.Equal(t, tt.want, k.Index, "offset %d", tt.off)
	}
}

func TestGeometryRangeAndSpan(t *testing.T) {
	t.Parallel()
	g := Geometry{BlockSize: 4096, Buckets: 16}

	start, end := g.RangeFor(BlockKey{Path: "f", Index: 3})
	assert.Equal(t, int64(12288), start)
	assert.Equal(t, int64(16384), end)

	first, last := g.Span(4000, 200)
	assert.Equal(t, int64(0), first)
	assert.Equal(t, int64(1), last)

	first, last = g.Span(4096, 4096)
	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(1), last)
}

func TestGeometryBlockLen(t *testing.T) {
	t.Parallel()
	g := Geometry{BlockSize: 4096, Buckets: 16}

	assert.Equal(t, int64(4096), g.BlockLen(BlockKey{Index: 0}, 10000))
	assert.Equal(t, int64(10000-8192), g.BlockLen(BlockKey{Index: 2}, 10000))
	assert.Equal(t, int64(0), g.BlockLen(BlockKey{Index: 3}, 10000))
	assert.Equal(t, int64(0), g.BlockLen(BlockKey{Index: 0}, 0))
}

func TestGeometryBuckets(t *testing.T) {
	t.Parallel()
	g := Geometry{BlockSize: 4096, Buckets: 8}

	t.Run("deterministic", func(t *testing.T) {
		k := BlockKey{Path: "a/b", Index: 7}
		assert.Equal(t, g.BucketFor(k), g.BucketFor(k))
		assert.Equal(t, g.BlockPath(k), g.BlockPath(k))
	})

	t.Run("blocks of one file spread over buckets", func(t *testing.T) {
		seen := make(map[int]int)
		for i := int64(0); i < 256; i++ {
			b := g.BucketFor(BlockKey{Path: "big.iso", Index: i})
			assert.GreaterOrEqual(t, b, 0)
			assert.Less(t, b, 8)
			seen[b]++
		}
		assert.Len(t, seen, 8)
	})

	t.Run("path names bucket and hash", func(t *testing.T) {
		k := BlockKey{Path: "x", Index: 1}
		p := g.BlockPath(k)
		parts := strings.Split(p, "/")
		if assert.Len(t, parts, 3) {
			assert.Equal(t, bucketsDir, parts[0])
			assert.Equal(t, bucketName(g.BucketFor(k)), parts[1])
			assert.True(t, strings.HasSuffix(parts[2], blockExt))
			assert.Len(t, strings.TrimSuffix(parts[2], blockExt), 64)
		}
	})

	t.Run("index and path both matter", func(t *testing.T) {
		assert.NotEqual(t, g.BlockPath(BlockKey{Path: "a", Index: 1}), g.BlockPath(BlockKey{Path: "a", Index: 2}))
		assert.NotEqual(t, g.BlockPath(BlockKey{Path: "a", Index: 1}), g.BlockPath(BlockKey{Path: "b", Index: 1}))
	})
}

func TestStampOlder(t *testing.T) {
	t.Parallel()
	a := Stamp{Mtime: 100, Size: 10}
	b := Stamp{Mtime: 200, Size: 10}
	assert.True(t, a.Older(b))
	assert.False(t, b.Older(a))
	assert.False(t, a.Older(a))
}
