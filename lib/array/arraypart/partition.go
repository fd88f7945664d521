// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arraypart implements partitions: one contiguous logical
// address space laid over a set of member devices by a redundancy
// Method.
package arraypart

import (
	"context"
	"fmt"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraymethod"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

// Config describes a partition to create.
type Config struct {
	Type    arrayprim.PartitionType
	Raid    arrayprim.RaidType
	Devices []*arraydev.Device

	StartLBA arrayprim.LBA
	Segments uint32
	// BlocksPerChunk and StripesPerSegment default to
	// arrayprim.BlocksPerChunk and arrayprim.StripesPerSegment.
	BlocksPerChunk    uint32
	StripesPerSegment uint32

	Memory arraybuf.Provider
	// PoolDepth sizes the parity pools: the expected number of
	// in-flight stripe writes.
	PoolDepth int
}

// Partition maps one logical address space onto its member devices.
// The member list is fixed at creation; a spare swap replaces the
// backing store behind a member, not the member itself.
type Partition struct {
	typ    arrayprim.PartitionType
	devs   []*arraydev.Device
	method arraymethod.Method
}

// New creates a partition.  Devices beyond what the RAID type can
// use (an odd trailing device for a mirror, all but the first for
// RaidNone) are left out.
func New(ctx context.Context, cfg Config) (*Partition, error) {
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("partition %v: %w: no devices", cfg.Type, arrayprim.ErrTooFewDevices)
	}
	if cfg.BlocksPerChunk == 0 {
		cfg.BlocksPerChunk = arrayprim.BlocksPerChunk
	}
	if cfg.StripesPerSegment == 0 {
		cfg.StripesPerSegment = arrayprim.StripesPerSegment
	}
	usable := arraymethod.UsableDeviceCount(cfg.Raid, uint32(len(cfg.Devices)))
	if int(usable) < len(cfg.Devices) {
		dlog.Infof(ctx, "partition %v: %v uses %d of %d devices", cfg.Type, cfg.Raid, usable, len(cfg.Devices))
	}
	devs := make([]*arraydev.Device, usable)
	copy(devs, cfg.Devices)

	geo := arrayprim.Geometry{
		StartLBA:          cfg.StartLBA,
		BlocksPerChunk:    cfg.BlocksPerChunk,
		ChunksPerStripe:   usable,
		StripesPerSegment: cfg.StripesPerSegment,
		TotalSegments:     cfg.Segments,
	}
	method, err := arraymethod.New(cfg.Raid, geo, arraymethod.Options{
		Memory:    cfg.Memory,
		Owner:     cfg.Type.String(),
		PoolDepth: cfg.PoolDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("partition %v: %w", cfg.Type, err)
	}
	dlog.Debugf(ctx, "partition %v: %v physical=%v logical=%v",
		cfg.Type, cfg.Raid, method.PhysicalGeometry(), method.LogicalGeometry())
	return &Partition{
		typ:    cfg.Type,
		devs:   devs,
		method: method,
	}, nil
}

func (p *Partition) Type() arrayprim.PartitionType        { return p.typ }
func (p *Partition) RaidType() arrayprim.RaidType         { return p.method.Type() }
func (p *Partition) Method() arraymethod.Method           { return p.method }
func (p *Partition) PhysicalGeometry() arrayprim.Geometry { return p.method.PhysicalGeometry() }
func (p *Partition) LogicalGeometry() arrayprim.Geometry  { return p.method.LogicalGeometry() }
func (p *Partition) EndLBA() arrayprim.LBA                { return p.method.PhysicalGeometry().EndLBA() }
func (p *Partition) IsRecoverable() bool                  { return p.method.IsRecoverable() }

// Devices returns the member devices in column order.
func (p *Partition) Devices() []*arraydev.Device {
	ret := make([]*arraydev.Device, len(p.devs))
	copy(ret, p.devs)
	return ret
}

// ColumnOf returns the column that dev occupies.
func (p *Partition) ColumnOf(dev *arraydev.Device) (uint32, bool) {
	for i, member := range p.devs {
		if member == dev {
			return uint32(i), true
		}
	}
	return 0, false
}

// AbnormalColumns lists the columns whose devices cannot serve data.
func (p *Partition) AbnormalColumns() []uint32 {
	var ret []uint32
	for i, dev := range p.devs {
		if dev.State().Abnormal() {
			ret = append(ret, uint32(i))
		}
	}
	return ret
}

func (p *Partition) GetRaidState() arrayprim.RaidState {
	return p.method.GetRaidState(arraydev.States(p.devs))
}

// Close releases the partition's parity pools.
func (p *Partition) Close() error {
	p.method.Close()
	return nil
}

// FtToPhysical binds an FT address to a member device.
func (p *Partition) FtToPhysical(addr arrayprim.FtAddr) (PhysicalAddr, error) {
	geo := p.method.PhysicalGeometry()
	if uint32(addr.StripeID) >= geo.TotalStripes() || addr.Offset >= geo.BlocksPerStripe() {
		return PhysicalAddr{}, fmt.Errorf("partition %v: %w: %v", p.typ, arrayprim.ErrInvalidAddress, addr)
	}
	col := addr.Offset / geo.BlocksPerChunk
	blk := uint64(addr.StripeID)*uint64(geo.BlocksPerChunk) + uint64(addr.Offset%geo.BlocksPerChunk)
	return PhysicalAddr{
		Dev: p.devs[col],
		LBA: geo.StartLBA.Add(arrayprim.BlockToLBA(blk)),
	}, nil
}

// PhysicalToFt is the inverse of FtToPhysical.  The device is found
// by identity; an LBA that is outside the partition or not on a
// block boundary is rejected.
func (p *Partition) PhysicalToFt(addr PhysicalAddr) (arrayprim.FtAddr, error) {
	col, ok := p.ColumnOf(addr.Dev)
	if !ok {
		return arrayprim.FtAddr{}, fmt.Errorf("partition %v: %w: %v", p.typ, arrayprim.ErrDeviceNotMember, addr)
	}
	geo := p.method.PhysicalGeometry()
	if addr.LBA < geo.StartLBA || addr.LBA >= geo.EndLBA() || (addr.LBA-geo.StartLBA)%arrayprim.SectorsPerBlock != 0 {
		return arrayprim.FtAddr{}, fmt.Errorf("partition %v: %w: %v", p.typ, arrayprim.ErrInvalidAddress, addr)
	}
	blk := uint64(addr.LBA-geo.StartLBA) / arrayprim.SectorsPerBlock
	return arrayprim.FtAddr{
		StripeID: arrayprim.StripeID(blk / uint64(geo.BlocksPerChunk)),
		Offset:   col*geo.BlocksPerChunk + uint32(blk%uint64(geo.BlocksPerChunk)),
	}, nil
}

// Translate maps one logical block to its physical location.
func (p *Partition) Translate(addr arrayprim.LogicalAddr) (PhysicalAddr, error) {
	fts, err := p.method.Translate(arrayprim.LogicalEntry{Addr: addr, BlkCnt: 1})
	if err != nil {
		return PhysicalAddr{}, fmt.Errorf("partition %v: %w", p.typ, err)
	}
	return p.FtToPhysical(fts[0].Addr)
}

// TranslateEntry maps a logical range to the physical runs holding
// it, one per chunk touched.
func (p *Partition) TranslateEntry(e arrayprim.LogicalEntry) ([]PhysicalEntry, error) {
	fts, err := p.method.Translate(e)
	if err != nil {
		return nil, fmt.Errorf("partition %v: %w", p.typ, err)
	}
	var ret []PhysicalEntry
	for _, ft := range fts {
		for _, piece := range p.splitAtChunks(ft) {
			addr, err := p.FtToPhysical(piece.Addr)
			if err != nil {
				return nil, err
			}
			ret = append(ret, PhysicalEntry{Addr: addr, BlkCnt: piece.BlkCnt})
		}
	}
	return ret, nil
}

// Untranslate maps a physical address back to the logical address
// whose data it holds.
func (p *Partition) Untranslate(addr PhysicalAddr) (arrayprim.LogicalAddr, error) {
	ft, err := p.PhysicalToFt(addr)
	if err != nil {
		return arrayprim.LogicalAddr{}, err
	}
	laddr, err := p.method.Untranslate(ft)
	if err != nil {
		return arrayprim.LogicalAddr{}, fmt.Errorf("partition %v: %w", p.typ, err)
	}
	return laddr, nil
}

// Convert turns a host write into the physical writes that carry its
// data and its parity or mirror copies.  Each physical write covers
// at most one chunk, and its buffers are views of the caller's
// buffers (or of parity buffers, which the caller must release).
func (p *Partition) Convert(e arraymethod.LogicalWriteEntry) ([]PhysicalWriteEntry, error) {
	fts, err := p.method.Translate(e.Entry())
	if err != nil {
		return nil, fmt.Errorf("partition %v: %w", p.typ, err)
	}
	if arraybuf.TotalBlocks(e.Buffers) != uint64(e.BlkCnt) {
		return nil, fmt.Errorf("partition %v: %w: %v: buffers hold %d blocks",
			p.typ, arrayprim.ErrBufferMismatch, e.Entry(), arraybuf.TotalBlocks(e.Buffers))
	}
	writes := make([]arraymethod.FtWriteEntry, 0, len(fts)+2)
	var pos uint32
	for _, ft := range fts {
		bufs, err := arraybuf.Slice(e.Buffers, pos, ft.BlkCnt)
		if err != nil {
			return nil, err
		}
		writes = append(writes, arraymethod.FtWriteEntry{Addr: ft.Addr, BlkCnt: ft.BlkCnt, Buffers: bufs})
		pos += ft.BlkCnt
	}
	extra, err := p.method.MakeParity(e)
	if err != nil {
		return nil, fmt.Errorf("partition %v: %w", p.typ, err)
	}
	writes = append(writes, extra...)

	var ret []PhysicalWriteEntry
	for _, w := range writes {
		var off uint32
		for _, piece := range p.splitAtChunks(w.Entry()) {
			addr, err := p.FtToPhysical(piece.Addr)
			if err == nil {
				var bufs []arraybuf.BufferEntry
				bufs, err = arraybuf.Slice(w.Buffers, off, piece.BlkCnt)
				ret = append(ret, PhysicalWriteEntry{Addr: addr, BlkCnt: piece.BlkCnt, Buffers: bufs})
			}
			if err != nil {
				releaseParity(extra)
				return nil, err
			}
			off += piece.BlkCnt
		}
	}
	return ret, nil
}

func releaseParity(writes []arraymethod.FtWriteEntry) {
	for _, w := range writes {
		for _, buf := range w.Buffers {
			if buf.Parity {
				buf.Mem.Release()
			}
		}
	}
}

// splitAtChunks splits an FT entry at chunk (and therefore device)
// boundaries.
func (p *Partition) splitAtChunks(e arrayprim.FtEntry) []arrayprim.FtEntry {
	bpc := p.method.PhysicalGeometry().BlocksPerChunk
	var ret []arrayprim.FtEntry
	for e.BlkCnt > 0 {
		n := bpc - e.Addr.Offset%bpc
		if n > e.BlkCnt {
			n = e.BlkCnt
		}
		ret = append(ret, arrayprim.FtEntry{Addr: e.Addr, BlkCnt: n})
		e.Addr.Offset += n
		e.BlkCnt -= n
	}
	return ret
}
