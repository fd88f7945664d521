// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"git.lukeshu.com/ssdarray-ng/lib/containers"
	"git.lukeshu.com/ssdarray-ng/lib/slices"
)

func TestLRUCacheGetOrElse(t *testing.T) {
	t.Parallel()
	cache := containers.NewLRUCache[int, string](4)
	calls := 0
	fn := func() string {
		calls++
		return "v"
	}
	assert.Equal(t, "v", cache.GetOrElse(1, fn))
	assert.Equal(t, "v", cache.GetOrElse(1, fn))
	assert.Equal(t, 1, calls)

	for i := 2; i <= 4; i++ {
		cache.Add(i, "x")
	}
	assert.Equal(t, 4, cache.Len())
	keys := cache.Keys()
	slices.Sort(keys)
	assert.Equal(t, []int{1, 2, 3, 4}, keys)
	v, ok := cache.Get(3)
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}
