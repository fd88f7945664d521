// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arrayrebuild turns a device fault into reconstruction work:
// rebuild contexts for whole-device rebuilds, and recover methods
// for individual I/Os that hit a faulted device.
package arrayrebuild

import (
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraymethod"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraypart"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/slices"
)

// FaultedIO describes an I/O that targeted a faulted device.
type FaultedIO struct {
	Dev     *arraydev.Device
	LBA     arrayprim.LBA
	Sectors uint64
}

// RecoverMethod reconstructs one run of blocks on one device.
type RecoverMethod struct {
	Target  arraypart.PhysicalEntry
	Sources []arraypart.PhysicalEntry
	Recover arraymethod.RecoverFunc
}

// Planner answers rebuild questions for one partition.
type Planner struct {
	part *arraypart.Partition
}

func NewPlanner(part *arraypart.Partition) *Planner {
	return &Planner{part: part}
}

func (p *Planner) Partition() *arraypart.Partition { return p.part }

// GetRebuildContext returns the work needed to rebuild dev's share
// of the partition, or false if dev is not a member or the partition
// cannot be rebuilt.
func (p *Planner) GetRebuildContext(dev *arraydev.Device) (*RebuildContext, bool) {
	if !p.part.IsRecoverable() {
		return nil, false
	}
	col, ok := p.part.ColumnOf(dev)
	if !ok {
		return nil, false
	}
	targets := []uint32{col}
	abnormal := p.part.AbnormalColumns()
	for _, other := range abnormal {
		if other != col {
			targets = append(targets, other)
		}
	}
	if !slices.Contains(col, abnormal) {
		abnormal = append(abnormal, col)
	}
	geo := p.part.PhysicalGeometry()
	return &RebuildContext{
		PartitionType:  p.part.Type(),
		RaidType:       p.part.RaidType(),
		Device:         dev,
		FaultIndex:     col,
		StripeCount:    p.part.LogicalGeometry().TotalStripes(),
		BlocksPerChunk: geo.BlocksPerChunk,
		Targets:        targets,
		Abnormal:       abnormal,
		Translate:      p.part.FtToPhysical,
		part:           p.part,
	}, true
}

// GetRecoverMethod plans the reconstruction of a single faulted I/O.
// The request is widened to whole blocks; it must stay within one
// chunk.
func (p *Planner) GetRecoverMethod(fio FaultedIO) (*RecoverMethod, error) {
	geo := p.part.PhysicalGeometry()
	if fio.Sectors == 0 || fio.LBA < geo.StartLBA {
		return nil, fmt.Errorf("partition %v: %w: %v+%d", p.part.Type(), arrayprim.ErrInvalidLBA, fio.LBA, fio.Sectors)
	}
	rel := uint64(fio.LBA - geo.StartLBA)
	firstBlk := rel / arrayprim.SectorsPerBlock
	endBlk := (rel + fio.Sectors + arrayprim.SectorsPerBlock - 1) / arrayprim.SectorsPerBlock
	ft, err := p.part.PhysicalToFt(arraypart.PhysicalAddr{
		Dev: fio.Dev,
		LBA: geo.StartLBA.Add(arrayprim.BlockToLBA(firstBlk)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", arrayprim.ErrInvalidLBA, err)
	}
	blocks := uint32(endBlk - firstBlk)
	if uint64(ft.Offset%geo.BlocksPerChunk)+uint64(blocks) > uint64(geo.BlocksPerChunk) {
		return nil, fmt.Errorf("partition %v: %w: %v+%d crosses a chunk boundary",
			p.part.Type(), arrayprim.ErrInvalidLBA, fio.LBA, fio.Sectors)
	}
	return plan(p.part, ft, blocks, p.part.AbnormalColumns())
}

func plan(part *arraypart.Partition, ft arrayprim.FtAddr, blocks uint32, abnormal []uint32) (*RecoverMethod, error) {
	method := part.Method()
	sources, err := method.GetRebuildGroup(ft, abnormal)
	if err != nil {
		return nil, fmt.Errorf("partition %v: %w", part.Type(), err)
	}
	fn, err := method.Recover(ft, sources)
	if err != nil {
		return nil, fmt.Errorf("partition %v: %w", part.Type(), err)
	}
	target, err := part.FtToPhysical(ft)
	if err != nil {
		return nil, err
	}
	ret := &RecoverMethod{
		Target:  arraypart.PhysicalEntry{Addr: target, BlkCnt: blocks},
		Sources: make([]arraypart.PhysicalEntry, len(sources)),
		Recover: fn,
	}
	for i, src := range sources {
		addr, err := part.FtToPhysical(src)
		if err != nil {
			return nil, err
		}
		ret.Sources[i] = arraypart.PhysicalEntry{Addr: addr, BlkCnt: blocks}
	}
	return ret, nil
}
