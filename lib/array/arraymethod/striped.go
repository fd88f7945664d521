// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraymethod

import (
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

// striped is RaidNone and Raid0: the FT space is the logical space.
type striped struct {
	base
}

var _ Method = (*striped)(nil)

func (m *striped) Translate(e arrayprim.LogicalEntry) ([]arrayprim.FtEntry, error) {
	if err := m.logical.CheckEntry(e); err != nil {
		return nil, err
	}
	return []arrayprim.FtEntry{{
		Addr:   arrayprim.FtAddr(e.Addr),
		BlkCnt: e.BlkCnt,
	}}, nil
}

func (m *striped) Untranslate(addr arrayprim.FtAddr) (arrayprim.LogicalAddr, error) {
	if err := m.checkFt(addr); err != nil {
		return arrayprim.LogicalAddr{}, err
	}
	return arrayprim.LogicalAddr(addr), nil
}

func (m *striped) MakeParity(e LogicalWriteEntry) ([]FtWriteEntry, error) {
	if err := m.checkWrite(e); err != nil {
		return nil, err
	}
	return nil, nil
}

func (*striped) IsRecoverable() bool { return false }

func (m *striped) GetRebuildGroup(addr arrayprim.FtAddr, _ []uint32) ([]arrayprim.FtAddr, error) {
	return nil, fmt.Errorf("%v: %w", m.typ, arrayprim.ErrNotRecoverable)
}

func (m *striped) Recover(arrayprim.FtAddr, []arrayprim.FtAddr) (RecoverFunc, error) {
	return nil, fmt.Errorf("%v: %w", m.typ, arrayprim.ErrNotRecoverable)
}

func (m *striped) GetRaidState(states []arraydev.State) arrayprim.RaidState {
	if abnormalCount(states, m.phys.ChunksPerStripe) > 0 {
		return arrayprim.RaidStateFailure
	}
	return arrayprim.RaidStateNormal
}

func (*striped) Close() {}
