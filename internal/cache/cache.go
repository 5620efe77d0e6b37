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

// Package cache implements the on-disk block cache used by the cachefs overlay.
//
// Design Principles:
// 1. Block granularity - validity, recency and eviction all operate on fixed-size blocks
// 2. Single ownership - the Store owns block files and their records; the Ledger only holds totals
// 3. The directory scan is authoritative - persisted summaries are hints checked at startup
//
// Currently provides:
// - Geometry: block addressing (block index, bucket, block file name)
// - Store: block files with an embedded record header, atomic writes, invalidation
// - Ledger: space accounting against a maximum and a target watermark
// - Fetcher: de-duplicated backing fetches that populate the Store
package cache

import (
	"os"
	"sync/atomic"
)

// Disabled bypasses the block cache entirely so every read goes to the backing
// filesystem. Set via CACHEFS_CACHE=0 environment variable.
//
// This is useful for testing and debugging to verify behavior without caching,
// and to isolate cache-related bugs.
var Disabled = os.Getenv("CACHEFS_CACHE") == "0"

// Invalidator is implemented by caches that support dropping every block of a path.
type Invalidator interface {
	// InvalidatePath removes all cached blocks of path and returns how many were dropped.
	InvalidatePath(path string) int
}

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits          uint64 `yaml:"hits"`
	Misses        uint64 `yaml:"misses"`
	Fetches       uint64 `yaml:"fetches"`
	SharedFetches uint64 `yaml:"shared_fetches"`
	Evictions     uint64 `yaml:"evictions"`
	Invalidations uint64 `yaml:"invalidations"`
	StoreFailures uint64 `yaml:"store_failures"`
	Corrupt       uint64 `yaml:"corrupt"`
	Blocks        int    `yaml:"blocks"`
	UsedBytes     int64  `yaml:"used_bytes"`
	MaxBytes      int64  `yaml:"max_bytes"`
	TargetBytes   int64  `yaml:"target_bytes"`
}

type counters struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	fetches       atomic.Uint64
	sharedFetches atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
	storeFailures atomic.Uint64
	corrupt       atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Fetches:       c.fetches.Load(),
		SharedFetches: c.sharedFetches.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		StoreFailures: c.storeFailures.Load(),
		Corrupt:       c.corrupt.Load(),
	}
}
