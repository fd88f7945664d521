// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arraymethod implements the redundancy Methods: how a
// partition's logical stripe is laid out over the physical stripe,
// how parity and mirror copies are generated, and how a lost column
// is reconstructed.
//
// A Method knows the stripe geometry and the number of columns, but
// never the identity of the devices behind the columns.
package arraymethod

import (
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

// LogicalWriteEntry is a host write: a logical range and the buffers
// holding its data.
type LogicalWriteEntry struct {
	Addr    arrayprim.LogicalAddr
	BlkCnt  uint32
	Buffers []arraybuf.BufferEntry
	// NUMANode selects the parity pool.
	NUMANode int
}

func (e LogicalWriteEntry) Entry() arrayprim.LogicalEntry {
	return arrayprim.LogicalEntry{Addr: e.Addr, BlkCnt: e.BlkCnt}
}

type FtWriteEntry struct {
	Addr    arrayprim.FtAddr
	BlkCnt  uint32
	Buffers []arraybuf.BufferEntry
}

func (e FtWriteEntry) Entry() arrayprim.FtEntry {
	return arrayprim.FtEntry{Addr: e.Addr, BlkCnt: e.BlkCnt}
}

// RecoverFunc reconstructs one lost chunk (or part of one) into dst
// from the corresponding ranges of the sources, given in the order
// that GetRebuildGroup returned them.
type RecoverFunc func(dst []byte, srcs [][]byte) error

// Method is one redundancy scheme bound to one stripe geometry.
// Methods are safe for concurrent use.
type Method interface {
	Type() arrayprim.RaidType

	// PhysicalGeometry counts every column; LogicalGeometry only
	// the data columns.
	PhysicalGeometry() arrayprim.Geometry
	LogicalGeometry() arrayprim.Geometry

	// Translate maps a logical entry to the FT entries holding its
	// data.  An entry that straddles a parity or backup region is
	// split in two.
	Translate(arrayprim.LogicalEntry) ([]arrayprim.FtEntry, error)
	// Untranslate maps an FT address back to the logical address
	// whose data it holds.  Mirror copies map to their primary;
	// parity columns return ErrParityAddress.
	Untranslate(arrayprim.FtAddr) (arrayprim.LogicalAddr, error)

	// MakeParity returns the extra writes (parity or mirror copies)
	// that accompany a host write.  Parity buffers come from the
	// Method's pools and are marked Parity; the caller releases
	// them once written.
	MakeParity(LogicalWriteEntry) ([]FtWriteEntry, error)

	// IsRecoverable reports whether the Method can reconstruct a
	// lost column at all.
	IsRecoverable() bool
	// GetRebuildGroup returns the FT addresses needed to
	// reconstruct the block at addr, avoiding the abnormal columns.
	GetRebuildGroup(addr arrayprim.FtAddr, abnormal []uint32) ([]arrayprim.FtAddr, error)
	// Recover binds the reconstruction function for addr given the
	// sources returned by GetRebuildGroup.
	Recover(addr arrayprim.FtAddr, sources []arrayprim.FtAddr) (RecoverFunc, error)

	// GetRaidState aggregates the per-column device states.
	GetRaidState([]arraydev.State) arrayprim.RaidState
	CheckMinimumDeviceCount(n uint32) bool

	// Close releases the Method's buffer pools.
	Close()
}

// Options are the resources a Method draws on.
type Options struct {
	// Memory provides the parity pools.  If nil, a private
	// unlimited MemoryManager is used.
	Memory arraybuf.Provider
	// Owner tags the parity pools.
	Owner string
	// PoolDepth is the number of buffers in each parity pool.
	PoolDepth int
}

// MinimumDevices returns the smallest device count that typ
// supports, or 0 for an unknown type.
func MinimumDevices(typ arrayprim.RaidType) uint32 {
	switch typ {
	case arrayprim.RaidNone:
		return 1
	case arrayprim.Raid0, arrayprim.Raid1, arrayprim.Raid10:
		return 2
	case arrayprim.Raid5:
		return 3
	case arrayprim.Raid6:
		return 4
	default:
		return 0
	}
}

// UsableDeviceCount returns how many of n devices typ puts to use:
// None uses one, the mirrored types drop an odd trailing device.
func UsableDeviceCount(typ arrayprim.RaidType, n uint32) uint32 {
	switch typ {
	case arrayprim.RaidNone:
		if n > 1 {
			return 1
		}
		return n
	case arrayprim.Raid1, arrayprim.Raid10:
		return n &^ 1
	default:
		return n
	}
}

// DataChunkCount returns the number of data chunks per stripe for n
// devices, or 0 if n is too few for typ.
func DataChunkCount(typ arrayprim.RaidType, n uint32) uint32 {
	n = UsableDeviceCount(typ, n)
	if minimum := MinimumDevices(typ); minimum == 0 || n < minimum {
		return 0
	}
	switch typ {
	case arrayprim.Raid1, arrayprim.Raid10:
		return n / 2
	case arrayprim.Raid5:
		return n - 1
	case arrayprim.Raid6:
		return n - 2
	default:
		return n
	}
}

// New instantiates the Method for typ over the physical geometry
// phys.  phys.ChunksPerStripe must already be the usable device
// count.
func New(typ arrayprim.RaidType, phys arrayprim.Geometry, opts Options) (Method, error) {
	if MinimumDevices(typ) == 0 {
		return nil, fmt.Errorf("%w: %v", arrayprim.ErrUnsupportedRaid, typ)
	}
	if UsableDeviceCount(typ, phys.ChunksPerStripe) != phys.ChunksPerStripe {
		return nil, fmt.Errorf("%w: %v cannot use %d devices",
			arrayprim.ErrTooFewDevices, typ, phys.ChunksPerStripe)
	}
	if phys.ChunksPerStripe < MinimumDevices(typ) {
		return nil, fmt.Errorf("%w: %v needs %d, have %d",
			arrayprim.ErrTooFewDevices, typ, MinimumDevices(typ), phys.ChunksPerStripe)
	}
	if phys.BlocksPerChunk == 0 {
		return nil, fmt.Errorf("%w: zero-sized chunk", arrayprim.ErrInvalidAddress)
	}
	b := newBase(typ, phys)
	switch typ {
	case arrayprim.RaidNone, arrayprim.Raid0:
		return &striped{base: b}, nil
	case arrayprim.Raid1, arrayprim.Raid10:
		return newMirror(b), nil
	case arrayprim.Raid5:
		m, err := newRaid5(b, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	case arrayprim.Raid6:
		m, err := newRaid6(b, opts)
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		panic("not reached")
	}
}

type base struct {
	typ     arrayprim.RaidType
	phys    arrayprim.Geometry
	logical arrayprim.Geometry
}

func newBase(typ arrayprim.RaidType, phys arrayprim.Geometry) base {
	logical := phys
	logical.ChunksPerStripe = DataChunkCount(typ, phys.ChunksPerStripe)
	return base{
		typ:     typ,
		phys:    phys,
		logical: logical,
	}
}

func (b *base) Type() arrayprim.RaidType              { return b.typ }
func (b *base) PhysicalGeometry() arrayprim.Geometry  { return b.phys }
func (b *base) LogicalGeometry() arrayprim.Geometry   { return b.logical }
func (b *base) CheckMinimumDeviceCount(n uint32) bool { return n >= MinimumDevices(b.typ) }
func (b *base) column(addr arrayprim.FtAddr) uint32   { return addr.Offset / b.phys.BlocksPerChunk }
func (b *base) inChunk(addr arrayprim.FtAddr) uint32  { return addr.Offset % b.phys.BlocksPerChunk }
func (b *base) columnAddr(s arrayprim.StripeID, col, in uint32) arrayprim.FtAddr {
	return arrayprim.FtAddr{StripeID: s, Offset: col*b.phys.BlocksPerChunk + in}
}

func (b *base) checkFt(addr arrayprim.FtAddr) error {
	if uint32(addr.StripeID) >= b.phys.TotalStripes() || addr.Offset >= b.phys.BlocksPerStripe() {
		return fmt.Errorf("%w: %v", arrayprim.ErrInvalidAddress, addr)
	}
	return nil
}

func (b *base) checkWrite(e LogicalWriteEntry) error {
	if err := b.logical.CheckEntry(e.Entry()); err != nil {
		return err
	}
	if arraybuf.TotalBlocks(e.Buffers) != uint64(e.BlkCnt) {
		return fmt.Errorf("%w: %v: buffers hold %d blocks",
			arrayprim.ErrBufferMismatch, e.Entry(), arraybuf.TotalBlocks(e.Buffers))
	}
	return nil
}

// checkFullStripe rejects anything but a whole logical stripe, which
// is all that parity generation handles.
func (b *base) checkFullStripe(e LogicalWriteEntry) error {
	if err := b.checkWrite(e); err != nil {
		return err
	}
	if e.Addr.Offset != 0 || e.BlkCnt != b.logical.BlocksPerStripe() {
		return fmt.Errorf("%w: %v", arrayprim.ErrPartialStripe, e.Entry())
	}
	return nil
}

// abnormalCount counts the abnormal states among the first n.
func abnormalCount(states []arraydev.State, n uint32) int {
	cnt := 0
	for i, s := range states {
		if uint32(i) >= n {
			break
		}
		if s.Abnormal() {
			cnt++
		}
	}
	return cnt
}

// shiftAt maps a logical entry onto a physical stripe that has a
// gap of gapBlocks at gapStart.  Blocks before gapStart stay put;
// blocks at or after it move forward by gapBlocks.  A straddling
// entry is split in two.
func shiftAt(e arrayprim.LogicalEntry, gapStart, gapBlocks uint32) []arrayprim.FtEntry {
	beg := e.Addr.Offset
	end := beg + e.BlkCnt
	switch {
	case end <= gapStart:
		return []arrayprim.FtEntry{{
			Addr:   arrayprim.FtAddr{StripeID: e.Addr.StripeID, Offset: beg},
			BlkCnt: e.BlkCnt,
		}}
	case beg >= gapStart:
		return []arrayprim.FtEntry{{
			Addr:   arrayprim.FtAddr{StripeID: e.Addr.StripeID, Offset: beg + gapBlocks},
			BlkCnt: e.BlkCnt,
		}}
	default:
		return []arrayprim.FtEntry{
			{
				Addr:   arrayprim.FtAddr{StripeID: e.Addr.StripeID, Offset: beg},
				BlkCnt: gapStart - beg,
			},
			{
				Addr:   arrayprim.FtAddr{StripeID: e.Addr.StripeID, Offset: gapStart + gapBlocks},
				BlkCnt: end - gapStart,
			},
		}
	}
}
