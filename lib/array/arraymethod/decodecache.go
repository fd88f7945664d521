// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraymethod

import (
	"fmt"
	"sort"
	"sync"

	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/containers"
)

// decodeKey is a sorted set of excluded shard indexes, padded with
// -1.
type decodeKey [2]int

// decodePlan says which shards to read to reconstruct the excluded
// ones.
type decodePlan struct {
	excluded decodeKey
	sources  []int
}

// decodeCache memoizes decode plans by the set of excluded shards.
// It is sized to hold every possible set, so nothing is ever evicted.
// A plan only names the shards to read; the inverted matrices
// themselves are cached by the reedsolomon encoder.
type decodeCache struct {
	dataShards  int
	totalShards int

	mu    sync.Mutex
	plans *containers.LRUCache[decodeKey, *decodePlan]
}

func newDecodeCache(dataShards, totalShards int) *decodeCache {
	n := totalShards
	return &decodeCache{
		dataShards:  dataShards,
		totalShards: totalShards,
		plans:       containers.NewLRUCache[decodeKey, *decodePlan](1 + n + n*(n-1)/2),
	}
}

func (c *decodeCache) get(excluded []int) (*decodePlan, error) {
	if len(excluded) > len(decodeKey{}) || len(excluded) > c.totalShards-c.dataShards {
		return nil, fmt.Errorf("%w: %d shards lost", arrayprim.ErrNotRecoverable, len(excluded))
	}
	sorted := append([]int(nil), excluded...)
	sort.Ints(sorted)
	key := decodeKey{-1, -1}
	copy(key[:], sorted)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plans.GetOrElse(key, func() *decodePlan {
		plan := &decodePlan{excluded: key}
		for shard := 0; shard < c.totalShards && len(plan.sources) < c.dataShards; shard++ {
			if shard != key[0] && shard != key[1] {
				plan.sources = append(plan.sources, shard)
			}
		}
		return plan
	}), nil
}

func (c *decodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plans.Len()
}
