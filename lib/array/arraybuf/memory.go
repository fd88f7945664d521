// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arraybuf implements the block buffers that flow through
// address translation: owned memory (optionally drawn from a
// NUMA-local pool) and block-granular views of it.
package arraybuf

import (
	"fmt"
	"sync/atomic"

	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

// Memory is a run of whole blocks.  Memory drawn from a Pool goes
// back to it on Release; Memory wrapping a caller's slice ignores
// Release.
type Memory struct {
	dat      []byte
	pool     *Pool
	released atomic.Bool
}

// NewMemory wraps a caller-owned slice.  The length must be a whole
// number of blocks.
func NewMemory(dat []byte) *Memory {
	if len(dat)%arrayprim.BlockSize != 0 {
		panic(fmt.Errorf("arraybuf.NewMemory: len=%d is not a multiple of the block size", len(dat)))
	}
	return &Memory{dat: dat}
}

func (m *Memory) Bytes() []byte { return m.dat }

func (m *Memory) Blocks() uint32 { return uint32(len(m.dat) / arrayprim.BlockSize) }

// Pooled reports whether the memory belongs to a Pool (as opposed to
// being caller-owned or a heap fallback).
func (m *Memory) Pooled() bool { return m.pool != nil }

// Release returns pooled memory to its pool.  It is safe to call
// more than once; only the first call has an effect.  The handle
// must not be used after Release.
func (m *Memory) Release() {
	if m.pool == nil {
		return
	}
	if !m.released.CompareAndSwap(false, true) {
		return
	}
	m.pool.put(m.dat)
}

// BufferEntry is a view of BlkCnt blocks of Mem, starting Offset
// blocks in.
type BufferEntry struct {
	Mem    *Memory
	Offset uint32
	BlkCnt uint32
	// Parity is set on entries carrying generated parity rather
	// than host data.
	Parity bool
}

// WholeEntry returns a view of all of mem.
func WholeEntry(mem *Memory) BufferEntry {
	return BufferEntry{Mem: mem, BlkCnt: mem.Blocks()}
}

func (e BufferEntry) Bytes() []byte {
	beg := int(e.Offset) * arrayprim.BlockSize
	end := beg + int(e.BlkCnt)*arrayprim.BlockSize
	return e.Mem.Bytes()[beg:end]
}

// Slice returns the sub-view [off, off+cnt) of e.  It panics if the
// sub-view does not fit.
func (e BufferEntry) Slice(off, cnt uint32) BufferEntry {
	if uint64(off)+uint64(cnt) > uint64(e.BlkCnt) {
		panic(fmt.Errorf("arraybuf.BufferEntry.Slice: [%d,+%d) does not fit in %d blocks", off, cnt, e.BlkCnt))
	}
	e.Offset += off
	e.BlkCnt = cnt
	return e
}

func TotalBlocks(bufs []BufferEntry) uint64 {
	var ret uint64
	for _, buf := range bufs {
		ret += uint64(buf.BlkCnt)
	}
	return ret
}

// Slice treats bufs as one contiguous run of blocks and returns the
// views covering [off, off+cnt) of that run.
func Slice(bufs []BufferEntry, off, cnt uint32) ([]BufferEntry, error) {
	if uint64(off)+uint64(cnt) > TotalBlocks(bufs) {
		return nil, fmt.Errorf("%w: [%d,+%d) of %d blocks", arrayprim.ErrBufferMismatch, off, cnt, TotalBlocks(bufs))
	}
	var ret []BufferEntry
	for _, buf := range bufs {
		if cnt == 0 {
			break
		}
		if off >= buf.BlkCnt {
			off -= buf.BlkCnt
			continue
		}
		n := buf.BlkCnt - off
		if n > cnt {
			n = cnt
		}
		ret = append(ret, buf.Slice(off, n))
		off = 0
		cnt -= n
	}
	return ret, nil
}

// Release releases the memory behind every entry.
func Release(bufs []BufferEntry) {
	for _, buf := range bufs {
		buf.Mem.Release()
	}
}
