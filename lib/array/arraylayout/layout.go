// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arraylayout carves an array's devices into its fixed set of
// partitions.
package arraylayout

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraymethod"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraypart"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraysvc"
	"git.lukeshu.com/ssdarray-ng/lib/textui"
)

var (
	// poolMargin is added to the write-buffer depth when sizing
	// parity pools, to cover background compaction.
	poolMargin = textui.Tunable(32)
	// maxInflight caps the write-buffer depth used for pool sizing.
	maxInflight = textui.Tunable(256)
	// metaNVMStripes is the size of the metadata NVM partition.
	metaNVMStripes = textui.Tunable(uint32(64))
)

// Config selects the redundancy of each partition and the geometry of
// the SSD partitions.
type Config struct {
	DataRaid arrayprim.RaidType
	// MetaRaid is used for the journal and metadata partitions.
	// If nil, it is derived from DataRaid and the device count;
	// see DefaultMetaRaid.
	MetaRaid *arrayprim.RaidType

	// BlocksPerChunk and StripesPerSegment default to the on-disk
	// constants; overriding them gives a layout that is not
	// compatible with real arrays, for simulation only.
	BlocksPerChunk    uint32
	StripesPerSegment uint32

	Memory arraybuf.Provider
}

// DefaultMetaRaid picks the metadata redundancy for n data devices.
func DefaultMetaRaid(dataRaid arrayprim.RaidType, n int) arrayprim.RaidType {
	switch {
	case n <= 1:
		return arrayprim.RaidNone
	case !dataRaid.Redundant():
		return arrayprim.Raid0
	case n >= 4:
		return arrayprim.Raid10
	default:
		return arrayprim.Raid1
	}
}

// Part is one built partition.
type Part interface {
	arraysvc.Translator
	GetRaidState() arrayprim.RaidState
	Close() error
}

var (
	_ Part = (*arraypart.Partition)(nil)
	_ Part = (*arraypart.NvmPartition)(nil)
)

// Layout is a complete set of partitions.  A Layout is never partial:
// Build either returns every partition or none.
type Layout struct {
	parts []Part
}

// Partitions returns the partitions in build order.
func (l *Layout) Partitions() []Part {
	ret := make([]Part, len(l.parts))
	copy(ret, l.parts)
	return ret
}

func (l *Layout) Partition(typ arrayprim.PartitionType) (Part, bool) {
	for _, part := range l.parts {
		if part.Type() == typ {
			return part, true
		}
	}
	return nil, false
}

// State is the worst RAID state of any partition.
func (l *Layout) State() arrayprim.RaidState {
	state := arrayprim.RaidStateNormal
	for _, part := range l.parts {
		state = state.Worse(part.GetRaidState())
	}
	return state
}

// Close closes every partition, releasing their parity pools.
func (l *Layout) Close() error {
	var errs derror.MultiError
	for i := len(l.parts) - 1; i >= 0; i-- {
		if err := l.parts[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.parts = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// plan is the sizing of a layout, computed before anything is built.
type plan struct {
	cfg      Config
	data     []*arraydev.Device
	buffer   *arraydev.Device
	metaRaid arrayprim.RaidType

	segmentBlocks uint64
	bootSegments  uint32
	metaSegments  uint32
	userSegments  uint32

	userBlocksPerStripe uint32
	metaBlocksPerStripe uint32
	wbStripes           uint32
	poolDepth           int
}

// builder builds one partition starting at nextLBA.
type builder struct {
	typ   arrayprim.PartitionType
	build func(ctx context.Context, p *plan, nextLBA arrayprim.LBA) (Part, error)
}

// The SSD chain starts after the boot record; the NVM chain starts at
// the beginning of the buffer device.
var (
	ssdChain = []builder{
		{arrayprim.PartJournalSSD, buildJournal},
		{arrayprim.PartMetaSSD, buildMetaSSD},
		{arrayprim.PartUserData, buildUserData},
	}
	nvmChain = []builder{
		{arrayprim.PartMetaNVM, buildMetaNVM},
		{arrayprim.PartWriteBuffer, buildWriteBuffer},
	}
)

// Build lays out the partitions over the registry's data devices and
// buffer device.  If the registry has no buffer device, the NVM
// partitions are skipped.
func Build(ctx context.Context, cfg Config, reg *arraydev.Registry) (*Layout, error) {
	p, err := newPlan(ctx, cfg, reg)
	if err != nil {
		return nil, err
	}
	layout := new(Layout)
	runChain := func(chain []builder, start arrayprim.LBA) error {
		nextLBA := start
		for _, b := range chain {
			ctx := dlog.WithField(ctx, "ssdarray.layout.partition", b.typ)
			part, err := b.build(ctx, p, nextLBA)
			if err != nil {
				return err
			}
			layout.parts = append(layout.parts, part)
			end := endLBA(part)
			logical := part.LogicalGeometry().TotalBlocks()
			dlog.Debugf(ctx, "built: LBA [%v, %v): %v usable blocks (%v)",
				nextLBA, end, textui.Humanized(logical), textui.IEC(logical*arrayprim.BlockSize, "B"))
			nextLBA = end
		}
		return nil
	}
	err = runChain(ssdChain, p.ssdStart())
	if err == nil && p.buffer != nil {
		err = runChain(nvmChain, 0)
	}
	if err != nil {
		if cerr := layout.Close(); cerr != nil {
			err = derror.MultiError{err, cerr}
		}
		return nil, err
	}
	if mm, ok := cfg.Memory.(*arraybuf.MemoryManager); ok {
		for _, stats := range mm.Stats() {
			dlog.Debugf(ctx, "pool %v", stats)
		}
	}
	return layout, nil
}

func endLBA(part Part) arrayprim.LBA {
	switch part := part.(type) {
	case *arraypart.Partition:
		return part.EndLBA()
	case *arraypart.NvmPartition:
		return part.EndLBA()
	default:
		panic(fmt.Errorf("should not happen: unexpected partition %T", part))
	}
}

func newPlan(ctx context.Context, cfg Config, reg *arraydev.Registry) (*plan, error) {
	if cfg.BlocksPerChunk == 0 {
		cfg.BlocksPerChunk = arrayprim.BlocksPerChunk
	}
	if cfg.StripesPerSegment == 0 {
		cfg.StripesPerSegment = arrayprim.StripesPerSegment
	}
	p := &plan{
		cfg:    cfg,
		data:   reg.Data(),
		buffer: reg.Buffer(),
	}
	if len(p.data) == 0 {
		return nil, fmt.Errorf("layout: %w: no data devices", arrayprim.ErrTooFewDevices)
	}
	if cfg.MetaRaid != nil {
		p.metaRaid = *cfg.MetaRaid
	} else {
		p.metaRaid = DefaultMetaRaid(cfg.DataRaid, len(p.data))
	}

	minBlocks, heterogeneous := arraydev.MinCapacity(arraydev.Where(p.data, func(dev *arraydev.Device) bool {
		return dev.State() != arraydev.StateFault
	}))
	if heterogeneous {
		dlog.Warnf(ctx, "layout: data devices differ in capacity; using the smallest, %v blocks (%v)",
			textui.Humanized(minBlocks), textui.IEC(minBlocks*arrayprim.BlockSize, "B"))
	}
	p.segmentBlocks = uint64(cfg.BlocksPerChunk) * uint64(cfg.StripesPerSegment)
	totalSegments := minBlocks / p.segmentBlocks
	segmentBytes := p.segmentBlocks * arrayprim.BlockSize
	p.bootSegments = uint32((arrayprim.BootRecordSize + segmentBytes - 1) / segmentBytes)
	p.metaSegments = uint32((totalSegments*arrayprim.MetaSSDSizeRatio + 99) / 100)
	reserved := uint64(p.bootSegments) + arrayprim.JournalSegments + uint64(p.metaSegments)
	if totalSegments <= reserved {
		return nil, fmt.Errorf("layout: %w: %d segments per device, need more than %d",
			arrayprim.ErrInsufficientCapacity, totalSegments, reserved)
	}
	p.userSegments = uint32(totalSegments - reserved)

	p.userBlocksPerStripe = cfg.BlocksPerChunk * arraymethod.DataChunkCount(cfg.DataRaid, uint32(len(p.data)))
	p.metaBlocksPerStripe = cfg.BlocksPerChunk * arraymethod.DataChunkCount(p.metaRaid, uint32(len(p.data)))
	if p.buffer != nil && p.userBlocksPerStripe > 0 && p.metaBlocksPerStripe > 0 {
		metaBlocks := uint64(metaNVMStripes) * uint64(p.metaBlocksPerStripe)
		if bufBlocks := p.buffer.Blocks(); bufBlocks > metaBlocks {
			p.wbStripes = uint32((bufBlocks - metaBlocks) / uint64(p.userBlocksPerStripe))
		}
	}
	p.poolDepth = min(int(p.wbStripes), maxInflight) + poolMargin
	dlog.Infof(ctx, "layout: %d segments per device: boot=%d journal=%d meta=%d user=%d (data=%v meta=%v)",
		totalSegments, p.bootSegments, arrayprim.JournalSegments, p.metaSegments, p.userSegments,
		cfg.DataRaid, p.metaRaid)
	return p, nil
}

func (p *plan) ssdStart() arrayprim.LBA {
	return arrayprim.LBA(arrayprim.BlockToLBA(uint64(p.bootSegments) * p.segmentBlocks))
}

func (p *plan) ssdPartition(ctx context.Context, typ arrayprim.PartitionType, raid arrayprim.RaidType, start arrayprim.LBA, segments uint32) (Part, error) {
	return arraypart.New(ctx, arraypart.Config{
		Type:              typ,
		Raid:              raid,
		Devices:           p.data,
		StartLBA:          start,
		Segments:          segments,
		BlocksPerChunk:    p.cfg.BlocksPerChunk,
		StripesPerSegment: p.cfg.StripesPerSegment,
		Memory:            p.cfg.Memory,
		PoolDepth:         p.poolDepth,
	})
}

func buildJournal(ctx context.Context, p *plan, nextLBA arrayprim.LBA) (Part, error) {
	return p.ssdPartition(ctx, arrayprim.PartJournalSSD, p.metaRaid, nextLBA, arrayprim.JournalSegments)
}

func buildMetaSSD(ctx context.Context, p *plan, nextLBA arrayprim.LBA) (Part, error) {
	return p.ssdPartition(ctx, arrayprim.PartMetaSSD, p.metaRaid, nextLBA, p.metaSegments)
}

func buildUserData(ctx context.Context, p *plan, nextLBA arrayprim.LBA) (Part, error) {
	return p.ssdPartition(ctx, arrayprim.PartUserData, p.cfg.DataRaid, nextLBA, p.userSegments)
}

func buildMetaNVM(ctx context.Context, p *plan, nextLBA arrayprim.LBA) (Part, error) {
	return arraypart.NewNVM(ctx, arrayprim.PartMetaNVM, p.buffer, nextLBA, p.metaBlocksPerStripe, metaNVMStripes)
}

func buildWriteBuffer(ctx context.Context, p *plan, nextLBA arrayprim.LBA) (Part, error) {
	return arraypart.NewNVM(ctx, arrayprim.PartWriteBuffer, p.buffer, nextLBA, p.userBlocksPerStripe, p.wbStripes)
}
