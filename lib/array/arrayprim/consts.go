// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arrayprim contains the primitive types shared by every
// layer of the array: addresses, stripe geometry, RAID and partition
// enumerations, and the sentinel errors.
package arrayprim

// These values decide where every byte lives on disk; changing any of
// them breaks existing layouts.
const (
	SectorSize      = 512
	BlockSize       = 4096
	SectorsPerBlock = BlockSize / SectorSize

	BlocksPerChunk    = 64
	StripesPerSegment = 1024

	ChunkSize = BlockSize * BlocksPerChunk
	// SegmentSize is the number of bytes one segment occupies on
	// each member device.
	SegmentSize = ChunkSize * StripesPerSegment

	// BootRecordSize is reserved at the start of every SSD for the
	// partition boot record.
	BootRecordSize = 256 * 1024 * 1024

	// MetaSSDSizeRatio is the percentage of SSD segments given to
	// the metadata partition.
	MetaSSDSizeRatio = 2

	// JournalSegments is the fixed size of the journal partition.
	JournalSegments = 1
)

// BootRecordSegments is the number of whole segments covered by the
// boot-record reservation.
const BootRecordSegments = (BootRecordSize + SegmentSize - 1) / SegmentSize
