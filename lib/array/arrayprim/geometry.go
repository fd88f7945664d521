// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayprim

import (
	"fmt"
)

// Geometry describes the stripe layout of a partition.  The physical
// geometry counts every column; the logical geometry of the same
// partition counts only the data columns.
type Geometry struct {
	StartLBA          LBA
	BlocksPerChunk    uint32
	ChunksPerStripe   uint32
	StripesPerSegment uint32
	TotalSegments     uint32
}

func (g Geometry) String() string {
	return fmt.Sprintf("{start=%v chunk=%d stripe=%d segment=%d segments=%d}",
		g.StartLBA, g.BlocksPerChunk, g.ChunksPerStripe, g.StripesPerSegment, g.TotalSegments)
}

func (g Geometry) BlocksPerStripe() uint32 {
	return g.BlocksPerChunk * g.ChunksPerStripe
}

func (g Geometry) TotalStripes() uint32 {
	return g.StripesPerSegment * g.TotalSegments
}

func (g Geometry) TotalBlocks() uint64 {
	return uint64(g.BlocksPerStripe()) * uint64(g.TotalStripes())
}

// DeviceBlocks is the number of blocks the partition occupies on each
// member device.
func (g Geometry) DeviceBlocks() uint64 {
	return uint64(g.BlocksPerChunk) * uint64(g.TotalStripes())
}

// EndLBA is the first device LBA after the partition.
func (g Geometry) EndLBA() LBA {
	return g.StartLBA.Add(BlockToLBA(g.DeviceBlocks()))
}

// CheckEntry verifies that a logical entry lies entirely inside the
// geometry.  It rejects rather than clamps.
func (g Geometry) CheckEntry(e LogicalEntry) error {
	switch {
	case e.BlkCnt == 0:
		return fmt.Errorf("%w: %v: empty", ErrInvalidAddress, e)
	case uint32(e.Addr.StripeID) >= g.TotalStripes():
		return fmt.Errorf("%w: %v: stripe >= %d", ErrInvalidAddress, e, g.TotalStripes())
	case uint64(e.Addr.Offset)+uint64(e.BlkCnt) > uint64(g.BlocksPerStripe()):
		return fmt.Errorf("%w: %v: offset+cnt > %d", ErrInvalidAddress, e, g.BlocksPerStripe())
	default:
		return nil
	}
}
