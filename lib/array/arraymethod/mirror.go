// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraymethod

import (
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/slices"
)

// mirror is Raid1 and Raid10.  The first half of the columns hold
// the data; the second half hold the copies, column i mirrored at
// column i+mirrorCount.
type mirror struct {
	base
	mirrorCount uint32
	// backupBlocks is the offset from a block to its copy.
	backupBlocks uint32
}

var _ Method = (*mirror)(nil)

func newMirror(b base) *mirror {
	m := b.phys.ChunksPerStripe / 2
	return &mirror{
		base:         b,
		mirrorCount:  m,
		backupBlocks: m * b.phys.BlocksPerChunk,
	}
}

// MirrorIndex returns the column that mirrors column i, given the
// number of mirrored pairs.
func MirrorIndex(i, mirrorCount uint32) uint32 {
	if i >= mirrorCount {
		return i - mirrorCount
	}
	return i + mirrorCount
}

func (m *mirror) Translate(e arrayprim.LogicalEntry) ([]arrayprim.FtEntry, error) {
	if err := m.logical.CheckEntry(e); err != nil {
		return nil, err
	}
	return []arrayprim.FtEntry{{
		Addr:   arrayprim.FtAddr(e.Addr),
		BlkCnt: e.BlkCnt,
	}}, nil
}

func (m *mirror) Untranslate(addr arrayprim.FtAddr) (arrayprim.LogicalAddr, error) {
	if err := m.checkFt(addr); err != nil {
		return arrayprim.LogicalAddr{}, err
	}
	if addr.Offset >= m.backupBlocks {
		addr.Offset -= m.backupBlocks
	}
	return arrayprim.LogicalAddr(addr), nil
}

func (m *mirror) MakeParity(e LogicalWriteEntry) ([]FtWriteEntry, error) {
	if err := m.checkWrite(e); err != nil {
		return nil, err
	}
	return []FtWriteEntry{{
		Addr: arrayprim.FtAddr{
			StripeID: e.Addr.StripeID,
			Offset:   e.Addr.Offset + m.backupBlocks,
		},
		BlkCnt:  e.BlkCnt,
		Buffers: e.Buffers,
	}}, nil
}

func (*mirror) IsRecoverable() bool { return true }

func (m *mirror) GetRebuildGroup(addr arrayprim.FtAddr, abnormal []uint32) ([]arrayprim.FtAddr, error) {
	if err := m.checkFt(addr); err != nil {
		return nil, err
	}
	partner := MirrorIndex(m.column(addr), m.mirrorCount)
	if slices.Contains(partner, abnormal) {
		return nil, fmt.Errorf("%w: %v: column %d and its mirror %d are both abnormal",
			arrayprim.ErrNotRecoverable, addr, m.column(addr), partner)
	}
	return []arrayprim.FtAddr{m.columnAddr(addr.StripeID, partner, m.inChunk(addr))}, nil
}

func (m *mirror) Recover(addr arrayprim.FtAddr, sources []arrayprim.FtAddr) (RecoverFunc, error) {
	if len(sources) != 1 {
		return nil, fmt.Errorf("%w: %v: mirror recovery takes 1 source, got %d",
			arrayprim.ErrNotRecoverable, addr, len(sources))
	}
	return xorRecover, nil
}

func (m *mirror) GetRaidState(states []arraydev.State) arrayprim.RaidState {
	ret := arrayprim.RaidStateNormal
	for i, s := range states {
		if uint32(i) >= m.phys.ChunksPerStripe {
			break
		}
		if !s.Abnormal() {
			continue
		}
		partner := MirrorIndex(uint32(i), m.mirrorCount)
		if int(partner) < len(states) && states[partner].Abnormal() {
			return arrayprim.RaidStateFailure
		}
		ret = arrayprim.RaidStateDegraded
	}
	return ret
}

func (*mirror) Close() {}
