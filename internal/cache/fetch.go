package cache

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// FetchFunc reads one block's worth of data from the backing filesystem.
type FetchFunc func() ([]byte, error)

// Block is the result of a fetch.
type Block struct {
	Data  []byte
	Stamp Stamp
	// Cached reports whether the bytes are held by the Store after the fetch.
	Cached bool
	// Shared reports whether this caller joined a fetch started by another.
	Shared bool
}

// Fetcher guarantees at most one backing fetch per block key at a time.
// Callers asking for a key that is already being fetched wait for that fetch
// and receive its result or its error. Failures are never remembered.
type Fetcher struct {
	store    *Store
	group    singleflight.Group
	inflight atomic.Int64
}

// NewFetcher creates a Fetcher that populates store.
func NewFetcher(store *Store) *Fetcher {
	return &Fetcher{store: store}
}

// InFlight returns the number of fetches currently running.
func (f *Fetcher) InFlight() int64 {
	return f.inflight.Load()
}

// Fetch returns block k fetched under stamp st. If the caller's context ends
// first it returns ctx.Err(), but the fetch itself runs to completion and
// still populates the cache.
//
// The returned Stamp is the one the block was fetched under; a caller that
// joined a fetch started for another stamp must check it.
func (f *Fetcher) Fetch(ctx context.Context, k BlockKey, st Stamp, fn FetchFunc) (Block, error) {
	ch := f.group.DoChan(flightKey(k), func() (any, error) {
		f.inflight.Add(1)
		defer f.inflight.Add(-1)

		// A previous flight may have stored the block after our caller missed.
		if data, meta, err := f.store.Read(k); err == nil && meta.Stamp == st {
			return Block{Data: data, Stamp: st, Cached: true}, nil
		}

		f.store.stats.fetches.Add(1)
		data, err := fn()
		if err != nil {
			return nil, err
		}
		blk := Block{Data: data, Stamp: st}
		if len(data) == 0 {
			return blk, nil
		}
		if _, err := f.store.Write(k, data, st); err != nil {
			if errors.Is(err, ErrCacheDiskFull) {
				log.Debugf("[Fetch] %s served uncached: %v", k, err)
			} else {
				log.Warnf("[Fetch] failed to cache %s: %v", k, err)
			}
			return blk, nil
		}
		blk.Cached = true
		return blk, nil
	})

	select {
	case <-ctx.Done():
		return Block{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Block{}, res.Err
		}
		blk := res.Val.(Block)
		if res.Shared {
			f.store.stats.sharedFetches.Add(1)
			blk.Shared = true
		}
		return blk, nil
	}
}

func flightKey(k BlockKey) string {
	return k.Path + "\x00" + strconv.FormatInt(k.Index, 10)
}
