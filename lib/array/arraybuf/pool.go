// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraybuf

import (
	"fmt"
	"sync"
	"sync/atomic"

	"git.lukeshu.com/go/typedsync"

	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

// Provider creates and deletes buffer pools.
type Provider interface {
	NUMANodes() int
	CreateBufferPool(owner string, chunkSize, count, numaNode int) (*Pool, error)
	DeleteBufferPool(*Pool)
}

// Pool is a fixed-capacity set of equally sized buffers tied to one
// NUMA node.  Buffers are allocated on first use, never more than
// count at a time.  A Pool is safe for concurrent use.
type Pool struct {
	owner     string
	chunkSize int
	count     int
	numaNode  int

	free      chan []byte
	allocated atomic.Int64
	inUse     atomic.Int64
	fallbacks atomic.Uint64
	closed    atomic.Bool
}

type PoolStats struct {
	Owner     string
	NUMANode  int
	Count     int
	Allocated int64
	InUse     int64
	Fallbacks uint64
}

func (s PoolStats) String() string {
	return fmt.Sprintf("%s@numa%d: in-use=%d allocated=%d/%d heap-fallbacks=%d",
		s.Owner, s.NUMANode, s.InUse, s.Allocated, s.Count, s.Fallbacks)
}

func (p *Pool) Owner() string  { return p.owner }
func (p *Pool) ChunkSize() int { return p.chunkSize }
func (p *Pool) NUMANode() int  { return p.numaNode }

// TryAcquire returns a buffer, or nil if all count buffers are in
// use.  It never blocks.  Each call returns a new handle, even when
// the bytes behind it are reused, so releasing an old handle never
// touches the new owner's buffer.
func (p *Pool) TryAcquire() *Memory {
	if p.closed.Load() {
		return nil
	}
	var dat []byte
	select {
	case dat = <-p.free:
	default:
		if p.allocated.Add(1) > int64(p.count) {
			p.allocated.Add(-1)
			return nil
		}
		dat = make([]byte, p.chunkSize)
	}
	p.inUse.Add(1)
	return &Memory{
		dat:  dat,
		pool: p,
	}
}

// Acquire is like TryAcquire, but when the pool is exhausted it
// returns an unpooled heap buffer instead of nil, and counts the
// fallback.
func (p *Pool) Acquire() *Memory {
	if mem := p.TryAcquire(); mem != nil {
		return mem
	}
	p.fallbacks.Add(1)
	return &Memory{dat: make([]byte, p.chunkSize)}
}

func (p *Pool) put(dat []byte) {
	p.inUse.Add(-1)
	if p.closed.Load() {
		return
	}
	select {
	case p.free <- dat:
	default:
	}
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Owner:     p.owner,
		NUMANode:  p.numaNode,
		Count:     p.count,
		Allocated: p.allocated.Load(),
		InUse:     p.inUse.Load(),
		Fallbacks: p.fallbacks.Load(),
	}
}

// MemoryManager is the Provider used outside of tests: it keeps
// track of every live pool and enforces a total byte budget.
type MemoryManager struct {
	numaNodes int
	budget    uint64

	mu       sync.Mutex
	reserved uint64
	pools    typedsync.Map[*Pool, struct{}]
}

var _ Provider = (*MemoryManager)(nil)

// NewMemoryManager returns a manager for the given number of NUMA
// nodes.  A budget of 0 means unlimited.
func NewMemoryManager(numaNodes int, budget uint64) *MemoryManager {
	if numaNodes < 1 {
		numaNodes = 1
	}
	return &MemoryManager{
		numaNodes: numaNodes,
		budget:    budget,
	}
}

func (mm *MemoryManager) NUMANodes() int { return mm.numaNodes }

func (mm *MemoryManager) CreateBufferPool(owner string, chunkSize, count, numaNode int) (*Pool, error) {
	switch {
	case chunkSize <= 0 || chunkSize%arrayprim.BlockSize != 0:
		return nil, fmt.Errorf("%w: %s: chunk size %d", arrayprim.ErrPoolAllocation, owner, chunkSize)
	case count <= 0:
		return nil, fmt.Errorf("%w: %s: count %d", arrayprim.ErrPoolAllocation, owner, count)
	case numaNode < 0 || numaNode >= mm.numaNodes:
		return nil, fmt.Errorf("%w: %s: no NUMA node %d", arrayprim.ErrPoolAllocation, owner, numaNode)
	}
	size := uint64(chunkSize) * uint64(count)

	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.budget > 0 && mm.reserved+size > mm.budget {
		return nil, fmt.Errorf("%w: %s: %d bytes would exceed the budget (%d of %d reserved)",
			arrayprim.ErrPoolAllocation, owner, size, mm.reserved, mm.budget)
	}
	mm.reserved += size
	pool := &Pool{
		owner:     owner,
		chunkSize: chunkSize,
		count:     count,
		numaNode:  numaNode,
		free:      make(chan []byte, count),
	}
	mm.pools.Store(pool, struct{}{})
	return pool, nil
}

func (mm *MemoryManager) DeleteBufferPool(pool *Pool) {
	if pool == nil {
		return
	}
	if _, ok := mm.pools.LoadAndDelete(pool); !ok {
		return
	}
	pool.closed.Store(true)
	mm.mu.Lock()
	mm.reserved -= uint64(pool.chunkSize) * uint64(pool.count)
	mm.mu.Unlock()
}

// Reserved returns the number of bytes promised to live pools.
func (mm *MemoryManager) Reserved() uint64 {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.reserved
}

// Stats returns the statistics of every live pool.
func (mm *MemoryManager) Stats() []PoolStats {
	var ret []PoolStats
	mm.pools.Range(func(pool *Pool, _ struct{}) bool {
		ret = append(ret, pool.Stats())
		return true
	})
	return ret
}
