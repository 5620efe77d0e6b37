package cache

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// entry is the in-memory record of one cached block. Entries are owned by the
// index; other components refer to blocks by BlockKey only.
type entry struct {
	key      BlockKey
	stamp    Stamp
	stored   Stamp // stamp in the block file; Restamp moves only stamp
	size     int64
	file     string // block file path relative to the cache root
	access   uint64 // logical clock value of the last hit
	accessed int64  // wall clock of the last persisted access, unix ns
	pins     int32
}

// Metadata describes a cached block.
type Metadata struct {
	Key    BlockKey
	Stamp  Stamp
	Size   int64
	Bucket string
	Access uint64
}

func (e *entry) meta() Metadata {
	return Metadata{
		Key:    e.key,
		Stamp:  e.stamp,
		Size:   e.size,
		Bucket: bucketOf(e.file),
		Access: e.access,
	}
}

// index keeps every cached block in recency order plus a per-path key set.
// Not safe for concurrent use; the Store guards it.
type index struct {
	lru   *simplelru.LRU[BlockKey, *entry]
	paths map[string]map[int64]struct{}
	clock uint64
}

func newIndex() *index {
	// Capacity is managed in bytes by the Ledger, so the LRU itself never evicts.
	lru, err := simplelru.NewLRU[BlockKey, *entry](math.MaxInt, nil)
	if err != nil {
		panic(err)
	}
	return &index{
		lru:   lru,
		paths: make(map[string]map[int64]struct{}),
	}
}

func (ix *index) len() int {
	return ix.lru.Len()
}

// peek returns the entry for k without touching its recency.
func (ix *index) peek(k BlockKey) *entry {
	e, _ := ix.lru.Peek(k)
	return e
}

// touch marks k as most recently used.
func (ix *index) touch(k BlockKey) *entry {
	e, ok := ix.lru.Get(k)
	if !ok {
		return nil
	}
	ix.clock++
	e.access = ix.clock
	return e
}

// put inserts or replaces the entry for e.key as most recently used and
// returns the entry it replaced, if any.
func (ix *index) put(e *entry) *entry {
	old, _ := ix.lru.Peek(e.key)
	ix.clock++
	e.access = ix.clock
	ix.lru.Add(e.key, e)
	blocks := ix.paths[e.key.Path]
	if blocks == nil {
		blocks = make(map[int64]struct{})
		ix.paths[e.key.Path] = blocks
	}
	blocks[e.key.Index] = struct{}{}
	return old
}

func (ix *index) remove(k BlockKey) *entry {
	e, ok := ix.lru.Peek(k)
	if !ok {
		return nil
	}
	ix.lru.Remove(k)
	if blocks := ix.paths[k.Path]; blocks != nil {
		delete(blocks, k.Index)
		if len(blocks) == 0 {
			delete(ix.paths, k.Path)
		}
	}
	return e
}

// blocksOf returns the keys cached for path.
func (ix *index) blocksOf(path string) []BlockKey {
	blocks := ix.paths[path]
	keys := make([]BlockKey, 0, len(blocks))
	for idx := range blocks {
		keys = append(keys, BlockKey{Path: path, Index: idx})
	}
	return keys
}

// victims removes and returns least recently used unpinned entries, oldest
// first, until their sizes add up to at least need or none are left.
func (ix *index) victims(need int64) []*entry {
	var out []*entry
	var got int64
	for got < need {
		_, e, ok := ix.lru.GetOldest()
		if !ok {
			return out
		}
		if e.pins > 0 {
			break
		}
		ix.remove(e.key)
		out = append(out, e)
		got += e.size
	}
	if got >= need {
		return out
	}
	// The oldest entry is pinned: walk past it.
	for _, k := range ix.lru.Keys() {
		if got >= need {
			break
		}
		e, _ := ix.lru.Peek(k)
		if e == nil || e.pins > 0 {
			continue
		}
		ix.remove(k)
		out = append(out, e)
		got += e.size
	}
	return out
}

// all returns every entry from oldest to newest.
func (ix *index) all() []*entry {
	return ix.lru.Values()
}
