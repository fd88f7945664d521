// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraymethod

import (
	"fmt"

	"github.com/klauspost/reedsolomon"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/slices"
)

// raid6 keeps two Reed-Solomon parity chunks per stripe, P and Q,
// in adjacent columns that rotate together.
//
// Shard numbering, as seen by the encoder: shards 0..k-1 are the
// data chunks in logical order, shard k is P, shard k+1 is Q.
type raid6 struct {
	base
	dataChunks uint32
	enc        reedsolomon.Encoder
	plans      *decodeCache
	pPools     *parityPools
	qPools     *parityPools
}

var _ Method = (*raid6)(nil)

func newRaid6(b base, opts Options) (*raid6, error) {
	k := b.phys.ChunksPerStripe - 2
	// The encoder keeps its own cache of inverted decode matrices,
	// keyed by which shards are missing.
	enc, err := reedsolomon.New(int(k), 2, reedsolomon.WithInversionCache(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v: %v", arrayprim.ErrUnsupportedRaid, b.typ, err)
	}
	chunkSize := int(b.phys.BlocksPerChunk) * arrayprim.BlockSize
	pPools, err := newParityPools(opts, "p", chunkSize)
	if err != nil {
		return nil, err
	}
	qPools, err := newParityPools(opts, "q", chunkSize)
	if err != nil {
		pPools.close()
		return nil, err
	}
	return &raid6{
		base:       b,
		dataChunks: k,
		enc:        enc,
		plans:      newDecodeCache(int(k), int(b.phys.ChunksPerStripe)),
		pPools:     pPools,
		qPools:     qPools,
	}, nil
}

// PQColumns returns the P and Q columns of stripe s, for n columns.
func PQColumns(s arrayprim.StripeID, n uint32) (p, q uint32) {
	p = (uint32(s)%n + n - 2) % n
	q = (p + 1) % n
	return p, q
}

func (m *raid6) pq(s arrayprim.StripeID) (p, q uint32) {
	return PQColumns(s, m.phys.ChunksPerStripe)
}

func (m *raid6) Translate(e arrayprim.LogicalEntry) ([]arrayprim.FtEntry, error) {
	if err := m.logical.CheckEntry(e); err != nil {
		return nil, err
	}
	bpc := m.phys.BlocksPerChunk
	p, q := m.pq(e.Addr.StripeID)
	if q == 0 {
		// P is the last column and Q wrapped to the first:
		// every data chunk moves over by one.
		return shiftAt(e, 0, bpc), nil
	}
	return shiftAt(e, p*bpc, 2*bpc), nil
}

func (m *raid6) Untranslate(addr arrayprim.FtAddr) (arrayprim.LogicalAddr, error) {
	if err := m.checkFt(addr); err != nil {
		return arrayprim.LogicalAddr{}, err
	}
	col := m.column(addr)
	p, q := m.pq(addr.StripeID)
	switch {
	case col == p || col == q:
		return arrayprim.LogicalAddr{}, fmt.Errorf("%w: %v", arrayprim.ErrParityAddress, addr)
	case q == 0:
		addr.Offset -= m.phys.BlocksPerChunk
	case col > q:
		addr.Offset -= 2 * m.phys.BlocksPerChunk
	}
	return arrayprim.LogicalAddr(addr), nil
}

// shardOf maps a column of stripe s to its encoder shard.
func (m *raid6) shardOf(s arrayprim.StripeID, col uint32) int {
	p, q := m.pq(s)
	switch {
	case col == p:
		return int(m.dataChunks)
	case col == q:
		return int(m.dataChunks) + 1
	case q == 0:
		return int(col) - 1
	case col > q:
		return int(col) - 2
	default:
		return int(col)
	}
}

// columnOf is the inverse of shardOf.
func (m *raid6) columnOf(s arrayprim.StripeID, shard int) uint32 {
	p, q := m.pq(s)
	d := uint32(shard)
	switch {
	case d == m.dataChunks:
		return p
	case d == m.dataChunks+1:
		return q
	case q == 0:
		return d + 1
	case d >= p:
		return d + 2
	default:
		return d
	}
}

// chunkBytes returns data chunk i of a full-stripe write.  If the
// chunk spans several buffers it is gathered into scratch memory,
// and the second return value is true.
func (m *raid6) chunkBytes(bufs []arraybuf.BufferEntry, i uint32) ([]byte, bool, error) {
	bpc := m.phys.BlocksPerChunk
	views, err := arraybuf.Slice(bufs, i*bpc, bpc)
	if err != nil {
		return nil, false, err
	}
	if len(views) == 1 {
		return views[0].Bytes(), false, nil
	}
	dat := chunkScratch.Get(int(bpc) * arrayprim.BlockSize)
	pos := 0
	for _, view := range views {
		pos += copy(dat[pos:], view.Bytes())
	}
	return dat, true, nil
}

func (m *raid6) MakeParity(e LogicalWriteEntry) ([]FtWriteEntry, error) {
	if err := m.checkFullStripe(e); err != nil {
		return nil, err
	}
	shards := make([][]byte, m.phys.ChunksPerStripe)
	var scratch [][]byte
	defer func() {
		for _, dat := range scratch {
			chunkScratch.Put(dat)
		}
	}()
	for i := uint32(0); i < m.dataChunks; i++ {
		dat, isScratch, err := m.chunkBytes(e.Buffers, i)
		if err != nil {
			return nil, err
		}
		if isScratch {
			scratch = append(scratch, dat)
		}
		shards[i] = dat
	}
	pMem := m.pPools.acquire(e.NUMANode)
	qMem := m.qPools.acquire(e.NUMANode)
	shards[m.dataChunks] = pMem.Bytes()
	shards[m.dataChunks+1] = qMem.Bytes()
	if err := m.enc.Encode(shards); err != nil {
		pMem.Release()
		qMem.Release()
		return nil, fmt.Errorf("%v: encode: %w", e.Entry(), err)
	}

	p, q := m.pq(e.Addr.StripeID)
	pBuf, qBuf := arraybuf.WholeEntry(pMem), arraybuf.WholeEntry(qMem)
	pBuf.Parity, qBuf.Parity = true, true
	return []FtWriteEntry{
		{
			Addr:    m.columnAddr(e.Addr.StripeID, p, 0),
			BlkCnt:  m.phys.BlocksPerChunk,
			Buffers: []arraybuf.BufferEntry{pBuf},
		},
		{
			Addr:    m.columnAddr(e.Addr.StripeID, q, 0),
			BlkCnt:  m.phys.BlocksPerChunk,
			Buffers: []arraybuf.BufferEntry{qBuf},
		},
	}, nil
}

func (*raid6) IsRecoverable() bool { return true }

func (m *raid6) GetRebuildGroup(addr arrayprim.FtAddr, abnormal []uint32) ([]arrayprim.FtAddr, error) {
	if err := m.checkFt(addr); err != nil {
		return nil, err
	}
	s, target := addr.StripeID, m.column(addr)
	excluded := []int{m.shardOf(s, target)}
	for _, col := range abnormal {
		if col >= m.phys.ChunksPerStripe {
			continue
		}
		if shard := m.shardOf(s, col); !slices.Contains(shard, excluded) {
			excluded = append(excluded, shard)
		}
	}
	plan, err := m.plans.get(excluded)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", addr, err)
	}
	ret := make([]arrayprim.FtAddr, len(plan.sources))
	for i, shard := range plan.sources {
		ret[i] = m.columnAddr(s, m.columnOf(s, shard), m.inChunk(addr))
	}
	return ret, nil
}

func (m *raid6) Recover(addr arrayprim.FtAddr, sources []arrayprim.FtAddr) (RecoverFunc, error) {
	if err := m.checkFt(addr); err != nil {
		return nil, err
	}
	if uint32(len(sources)) != m.dataChunks {
		return nil, fmt.Errorf("%w: %v: RAID6 recovery takes %d sources, got %d",
			arrayprim.ErrNotRecoverable, addr, m.dataChunks, len(sources))
	}
	s := addr.StripeID
	target := m.shardOf(s, m.column(addr))
	srcShards := make([]int, len(sources))
	seen := make([]bool, m.phys.ChunksPerStripe)
	for i, src := range sources {
		if err := m.checkFt(src); err != nil {
			return nil, err
		}
		shard := m.shardOf(s, m.column(src))
		if src.StripeID != s || shard == target || seen[shard] {
			return nil, fmt.Errorf("%w: %v: bad source %v", arrayprim.ErrNotRecoverable, addr, src)
		}
		seen[shard] = true
		srcShards[i] = shard
	}
	dataOnly := target < int(m.dataChunks)

	return func(dst []byte, srcs [][]byte) error {
		if len(dst) == 0 || len(srcs) != len(srcShards) {
			return fmt.Errorf("%w: %d sources for %d-byte target", arrayprim.ErrBufferMismatch, len(srcs), len(dst))
		}
		shards := make([][]byte, m.phys.ChunksPerStripe)
		for i, shard := range srcShards {
			if len(srcs[i]) != len(dst) {
				return fmt.Errorf("%w: source %d is %d bytes, want %d",
					arrayprim.ErrBufferMismatch, i, len(srcs[i]), len(dst))
			}
			shards[shard] = srcs[i]
		}
		shards[target] = dst[:0]
		var err error
		if dataOnly {
			err = m.enc.ReconstructData(shards)
		} else {
			err = m.enc.Reconstruct(shards)
		}
		if err != nil {
			return err
		}
		copy(dst, shards[target])
		return nil
	}, nil
}

func (m *raid6) GetRaidState(states []arraydev.State) arrayprim.RaidState {
	switch cnt := abnormalCount(states, m.phys.ChunksPerStripe); {
	case cnt == 0:
		return arrayprim.RaidStateNormal
	case cnt <= 2:
		return arrayprim.RaidStateDegraded
	default:
		return arrayprim.RaidStateFailure
	}
}

func (m *raid6) Close() {
	m.pPools.close()
	m.qPools.close()
}
