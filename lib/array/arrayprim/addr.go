// Copyright (C) 2022-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayprim

import (
	"fmt"

	"git.lukeshu.com/ssdarray-ng/lib/fmtutil"
)

// LBA is a device-local sector address.
type LBA uint64

func (a LBA) Format(f fmt.State, verb rune) { fmtutil.FormatHex(a, 12, f, verb) }

func (a LBA) Add(sectors uint64) LBA { return a + LBA(sectors) }

// BlockToLBA converts a count of blocks to a count of sectors.
func BlockToLBA(blocks uint64) uint64 { return blocks * SectorsPerBlock }

type StripeID uint32

// LogicalAddr addresses one block of a partition's logical
// (host-visible) space.  Offset is in blocks from the start of the
// logical stripe.
type LogicalAddr struct {
	StripeID StripeID
	Offset   uint32
}

func (a LogicalAddr) String() string {
	return fmt.Sprintf("logical{stripe=%d offset=%d}", a.StripeID, a.Offset)
}

type LogicalEntry struct {
	Addr   LogicalAddr
	BlkCnt uint32
}

func (e LogicalEntry) String() string {
	return fmt.Sprintf("logical{stripe=%d offset=%d cnt=%d}", e.Addr.StripeID, e.Addr.Offset, e.BlkCnt)
}

// FtAddr addresses one block of a partition's physical stripe, after
// parity/mirror placement but before binding to a device.  Offset is
// in blocks from the start of the physical stripe; Offset divided by
// the chunk size is the column index.
type FtAddr struct {
	StripeID StripeID
	Offset   uint32
}

func (a FtAddr) String() string {
	return fmt.Sprintf("ft{stripe=%d offset=%d}", a.StripeID, a.Offset)
}

type FtEntry struct {
	Addr   FtAddr
	BlkCnt uint32
}

func (e FtEntry) String() string {
	return fmt.Sprintf("ft{stripe=%d offset=%d cnt=%d}", e.Addr.StripeID, e.Addr.Offset, e.BlkCnt)
}

// LogicalByteAddr addresses a byte range inside one logical stripe.
// Only the NVM partitions support byte addressing.
type LogicalByteAddr struct {
	StripeID   StripeID
	ByteOffset uint64
	ByteSize   uint64
}
