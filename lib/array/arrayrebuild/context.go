// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayrebuild

import (
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraypart"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/containers"
)

// RebuildContext is everything a rebuild executor needs to
// reconstruct one device's share of one partition.  It is a plain
// value; to cancel a rebuild, stop iterating.
type RebuildContext struct {
	PartitionType arrayprim.PartitionType
	RaidType      arrayprim.RaidType
	Device        *arraydev.Device
	// FaultIndex is the column of Device.
	FaultIndex     uint32
	StripeCount    uint32
	BlocksPerChunk uint32
	// Targets are the columns that can be rebuilt in the same pass:
	// FaultIndex first, then any other abnormal columns.
	Targets []uint32
	// Abnormal columns are never used as sources.
	Abnormal []uint32

	Translate func(arrayprim.FtAddr) (arraypart.PhysicalAddr, error)

	part *arraypart.Partition
}

func (rc *RebuildContext) String() string {
	return fmt.Sprintf("rebuild %v/%v device=%s column=%d stripes=%d",
		rc.PartitionType, rc.RaidType, rc.Device.Name(), rc.FaultIndex, rc.StripeCount)
}

// Plan returns the recover method for the whole chunk of column
// target in the given stripe.
func (rc *RebuildContext) Plan(stripe arrayprim.StripeID, target uint32) (*RecoverMethod, error) {
	if uint32(stripe) >= rc.StripeCount {
		return nil, fmt.Errorf("%v: %w: stripe %d", rc, arrayprim.ErrInvalidAddress, stripe)
	}
	ft := arrayprim.FtAddr{StripeID: stripe, Offset: target * rc.BlocksPerChunk}
	return plan(rc.part, ft, rc.BlocksPerChunk, rc.Abnormal)
}

var readScratch containers.SlicePool[byte]

// Reconstruct reads the sources and returns the reconstructed target
// data.
func (rm *RecoverMethod) Reconstruct() ([]byte, error) {
	size := int(rm.Target.BlkCnt) * arrayprim.BlockSize
	srcs := make([][]byte, len(rm.Sources))
	defer func() {
		for _, src := range srcs {
			readScratch.Put(src)
		}
	}()
	for i, src := range rm.Sources {
		srcs[i] = readScratch.Get(size)
		if _, err := src.Addr.Dev.ReadAt(srcs[i], src.Addr.LBA); err != nil {
			return nil, fmt.Errorf("read %v: %w", src, err)
		}
	}
	dst := make([]byte, size)
	if err := rm.Recover(dst, srcs); err != nil {
		return nil, fmt.Errorf("reconstruct %v: %w", rm.Target, err)
	}
	return dst, nil
}
