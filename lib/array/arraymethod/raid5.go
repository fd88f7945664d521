// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraymethod

import (
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/slices"
)

// raid5 keeps one XOR parity chunk per stripe, at column
// stripe%chunks.
type raid5 struct {
	base
	pools *parityPools
}

var _ Method = (*raid5)(nil)

func newRaid5(b base, opts Options) (*raid5, error) {
	pools, err := newParityPools(opts, "parity", int(b.phys.BlocksPerChunk)*arrayprim.BlockSize)
	if err != nil {
		return nil, err
	}
	return &raid5{
		base:  b,
		pools: pools,
	}, nil
}

// ParityColumn is the parity column of stripe s, for n columns.
func ParityColumn(s arrayprim.StripeID, n uint32) uint32 {
	return uint32(s) % n
}

func (m *raid5) parityColumn(s arrayprim.StripeID) uint32 {
	return ParityColumn(s, m.phys.ChunksPerStripe)
}

func (m *raid5) Translate(e arrayprim.LogicalEntry) ([]arrayprim.FtEntry, error) {
	if err := m.logical.CheckEntry(e); err != nil {
		return nil, err
	}
	bpc := m.phys.BlocksPerChunk
	return shiftAt(e, m.parityColumn(e.Addr.StripeID)*bpc, bpc), nil
}

func (m *raid5) Untranslate(addr arrayprim.FtAddr) (arrayprim.LogicalAddr, error) {
	if err := m.checkFt(addr); err != nil {
		return arrayprim.LogicalAddr{}, err
	}
	col, p := m.column(addr), m.parityColumn(addr.StripeID)
	switch {
	case col == p:
		return arrayprim.LogicalAddr{}, fmt.Errorf("%w: %v", arrayprim.ErrParityAddress, addr)
	case col > p:
		addr.Offset -= m.phys.BlocksPerChunk
	}
	return arrayprim.LogicalAddr(addr), nil
}

func (m *raid5) MakeParity(e LogicalWriteEntry) ([]FtWriteEntry, error) {
	if err := m.checkFullStripe(e); err != nil {
		return nil, err
	}
	mem := m.pools.acquire(e.NUMANode)
	parity := mem.Bytes()
	clear(parity)
	xorStream(parity, e.Buffers)

	buf := arraybuf.WholeEntry(mem)
	buf.Parity = true
	return []FtWriteEntry{{
		Addr:    m.columnAddr(e.Addr.StripeID, m.parityColumn(e.Addr.StripeID), 0),
		BlkCnt:  m.phys.BlocksPerChunk,
		Buffers: []arraybuf.BufferEntry{buf},
	}}, nil
}

func (*raid5) IsRecoverable() bool { return true }

func (m *raid5) GetRebuildGroup(addr arrayprim.FtAddr, abnormal []uint32) ([]arrayprim.FtAddr, error) {
	if err := m.checkFt(addr); err != nil {
		return nil, err
	}
	target := m.column(addr)
	ret := make([]arrayprim.FtAddr, 0, m.phys.ChunksPerStripe-1)
	for col := uint32(0); col < m.phys.ChunksPerStripe; col++ {
		if col == target {
			continue
		}
		if slices.Contains(col, abnormal) {
			return nil, fmt.Errorf("%w: %v: columns %d and %d are both abnormal",
				arrayprim.ErrNotRecoverable, addr, target, col)
		}
		ret = append(ret, m.columnAddr(addr.StripeID, col, m.inChunk(addr)))
	}
	return ret, nil
}

func (m *raid5) Recover(addr arrayprim.FtAddr, sources []arrayprim.FtAddr) (RecoverFunc, error) {
	if uint32(len(sources)) != m.phys.ChunksPerStripe-1 {
		return nil, fmt.Errorf("%w: %v: RAID5 recovery takes %d sources, got %d",
			arrayprim.ErrNotRecoverable, addr, m.phys.ChunksPerStripe-1, len(sources))
	}
	return xorRecover, nil
}

func (m *raid5) GetRaidState(states []arraydev.State) arrayprim.RaidState {
	switch abnormalCount(states, m.phys.ChunksPerStripe) {
	case 0:
		return arrayprim.RaidStateNormal
	case 1:
		return arrayprim.RaidStateDegraded
	default:
		return arrayprim.RaidStateFailure
	}
}

func (m *raid5) Close() { m.pools.close() }
