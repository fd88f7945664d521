// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraypart

import (
	"context"
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

// NvmPartition is a partition on the single NVM buffer device.  Each
// stripe is one chunk, so a stripe is a contiguous run of the
// device.  Besides block addressing it supports byte addressing.
type NvmPartition struct {
	*Partition
}

// NewNVM creates an NVM partition of the given number of stripes,
// each blocksPerStripe blocks long.
func NewNVM(ctx context.Context, typ arrayprim.PartitionType, dev *arraydev.Device, startLBA arrayprim.LBA, blocksPerStripe, stripes uint32) (*NvmPartition, error) {
	if !typ.IsNVM() {
		return nil, fmt.Errorf("partition %v: not an NVM partition type", typ)
	}
	if dev == nil {
		return nil, fmt.Errorf("partition %v: %w: no buffer device", typ, arrayprim.ErrTooFewDevices)
	}
	if blocksPerStripe == 0 || stripes == 0 {
		return nil, fmt.Errorf("partition %v: %w: %d stripes of %d blocks",
			typ, arrayprim.ErrInsufficientCapacity, stripes, blocksPerStripe)
	}
	part, err := New(ctx, Config{
		Type:              typ,
		Raid:              arrayprim.RaidNone,
		Devices:           []*arraydev.Device{dev},
		StartLBA:          startLBA,
		Segments:          1,
		BlocksPerChunk:    blocksPerStripe,
		StripesPerSegment: stripes,
	})
	if err != nil {
		return nil, err
	}
	return &NvmPartition{Partition: part}, nil
}

// ByteTranslate maps a byte range of one logical stripe to a byte
// range of the device.  The range must not cross the end of the
// stripe.
func (p *NvmPartition) ByteTranslate(addr arrayprim.LogicalByteAddr) (PhysicalByteAddr, error) {
	geo := p.PhysicalGeometry()
	stripeBytes := uint64(geo.BlocksPerStripe()) * arrayprim.BlockSize
	switch {
	case addr.ByteSize == 0:
		return PhysicalByteAddr{}, fmt.Errorf("partition %v: %w: empty byte range", p.typ, arrayprim.ErrInvalidAddress)
	case uint32(addr.StripeID) >= geo.TotalStripes():
		return PhysicalByteAddr{}, fmt.Errorf("partition %v: %w: stripe %d >= %d",
			p.typ, arrayprim.ErrInvalidAddress, addr.StripeID, geo.TotalStripes())
	case addr.ByteOffset >= stripeBytes || addr.ByteSize > stripeBytes-addr.ByteOffset:
		return PhysicalByteAddr{}, fmt.Errorf("partition %v: %w: stripe %d bytes [%d,+%d) of %d",
			p.typ, arrayprim.ErrCrossesStripe, addr.StripeID, addr.ByteOffset, addr.ByteSize, stripeBytes)
	}
	return PhysicalByteAddr{
		Dev:    p.devs[0],
		Offset: uint64(geo.StartLBA)*arrayprim.SectorSize + uint64(addr.StripeID)*stripeBytes + addr.ByteOffset,
		Size:   addr.ByteSize,
	}, nil
}
