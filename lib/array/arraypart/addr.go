// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraypart

import (
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

// PhysicalAddr is a device-local sector address.
type PhysicalAddr struct {
	Dev *arraydev.Device
	LBA arrayprim.LBA
}

func (a PhysicalAddr) String() string {
	name := "<nil>"
	if a.Dev != nil {
		name = a.Dev.Name()
	}
	return fmt.Sprintf("%s:%v", name, a.LBA)
}

// PhysicalEntry is a run of blocks on one device.
type PhysicalEntry struct {
	Addr   PhysicalAddr
	BlkCnt uint32
}

func (e PhysicalEntry) String() string {
	return fmt.Sprintf("%v+%d", e.Addr, e.BlkCnt)
}

// Sectors is the length of the entry in sectors.
func (e PhysicalEntry) Sectors() uint64 {
	return arrayprim.BlockToLBA(uint64(e.BlkCnt))
}

type PhysicalWriteEntry struct {
	Addr    PhysicalAddr
	BlkCnt  uint32
	Buffers []arraybuf.BufferEntry
}

func (e PhysicalWriteEntry) Entry() PhysicalEntry {
	return PhysicalEntry{Addr: e.Addr, BlkCnt: e.BlkCnt}
}

// PhysicalByteAddr is a byte range on one device, as produced by
// the byte-addressable NVM partitions.
type PhysicalByteAddr struct {
	Dev    *arraydev.Device
	Offset uint64
	Size   uint64
}
