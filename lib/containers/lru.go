// Copyright (C) 2022-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package containers

import (
	lru "github.com/hashicorp/golang-lru"
)

// LRUCache is a typed wrapper around an adaptive replacement cache
// holding at most size entries.  A zero LRUCache is not usable; it
// must be initialized with NewLRUCache.  It is safe for concurrent
// use, but GetOrElse is not atomic; callers that need the value to
// be computed once must hold their own lock.
type LRUCache[K comparable, V any] struct {
	inner *lru.ARCCache
}

func NewLRUCache[K comparable, V any](size int) *LRUCache[K, V] {
	c := new(LRUCache[K, V])
	c.inner, _ = lru.NewARC(size)
	return c
}

func (c *LRUCache[K, V]) Add(key K, value V) {
	c.inner.Add(key, value)
}

func (c *LRUCache[K, V]) Get(key K) (value V, ok bool) {
	_value, ok := c.inner.Get(key)
	if ok {
		//nolint:forcetypeassert // Typed wrapper around untyped lib.
		value = _value.(V)
	}
	return value, ok
}

func (c *LRUCache[K, V]) Keys() []K {
	untyped := c.inner.Keys()
	typed := make([]K, len(untyped))
	for i := range untyped {
		//nolint:forcetypeassert // Typed wrapper around untyped lib.
		typed[i] = untyped[i].(K)
	}
	return typed
}

func (c *LRUCache[K, V]) Len() int {
	return c.inner.Len()
}

func (c *LRUCache[K, V]) GetOrElse(key K, fn func() V) V {
	value, ok := c.Get(key)
	if !ok {
		value = fn()
		c.Add(key, value)
	}
	return value
}
