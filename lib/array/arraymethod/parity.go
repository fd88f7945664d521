// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraymethod

import (
	"crypto/subtle"
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/containers"
)

const defaultPoolDepth = 32

// chunkScratch holds the temporary chunk copies used when a data
// chunk is split across several host buffers.
var chunkScratch containers.SlicePool[byte]

// parityPools is one parity pool per NUMA node.
type parityPools struct {
	provider arraybuf.Provider
	pools    []*arraybuf.Pool
}

func newParityPools(opts Options, tag string, chunkSize int) (*parityPools, error) {
	provider := opts.Memory
	if provider == nil {
		provider = arraybuf.NewMemoryManager(1, 0)
	}
	depth := opts.PoolDepth
	if depth <= 0 {
		depth = defaultPoolDepth
	}
	pp := &parityPools{provider: provider}
	for node := 0; node < provider.NUMANodes(); node++ {
		pool, err := provider.CreateBufferPool(opts.Owner+"/"+tag, chunkSize, depth, node)
		if err != nil {
			pp.close()
			return nil, err
		}
		pp.pools = append(pp.pools, pool)
	}
	if len(pp.pools) == 0 {
		return nil, fmt.Errorf("%w: %s/%s: no NUMA nodes", arrayprim.ErrPoolAllocation, opts.Owner, tag)
	}
	return pp, nil
}

// acquire never fails: an exhausted pool falls back to the heap.
func (pp *parityPools) acquire(numaNode int) *arraybuf.Memory {
	if numaNode < 0 {
		numaNode = 0
	}
	return pp.pools[numaNode%len(pp.pools)].Acquire()
}

func (pp *parityPools) close() {
	if pp == nil {
		return
	}
	for _, pool := range pp.pools {
		pp.provider.DeleteBufferPool(pool)
	}
	pp.pools = nil
}

// xorStream XORs the concatenation of bufs into dst, wrapping around
// every len(dst) bytes.
func xorStream(dst []byte, bufs []arraybuf.BufferEntry) {
	pos := 0
	for _, buf := range bufs {
		dat := buf.Bytes()
		for len(dat) > 0 {
			off := pos % len(dst)
			n := len(dst) - off
			if n > len(dat) {
				n = len(dat)
			}
			subtle.XORBytes(dst[off:off+n], dst[off:off+n], dat[:n])
			dat = dat[n:]
			pos += n
		}
	}
}

// xorRecover rebuilds dst as the XOR of srcs.  With a single source
// that is a plain copy, which is mirror recovery.
func xorRecover(dst []byte, srcs [][]byte) error {
	if len(srcs) == 0 {
		return fmt.Errorf("%w: no sources", arrayprim.ErrBufferMismatch)
	}
	for i, src := range srcs {
		if len(src) != len(dst) {
			return fmt.Errorf("%w: source %d is %d bytes, want %d",
				arrayprim.ErrBufferMismatch, i, len(src), len(dst))
		}
	}
	copy(dst, srcs[0])
	for _, src := range srcs[1:] {
		subtle.XORBytes(dst, dst, src)
	}
	return nil
}
