// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraypart_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraymethod"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraypart"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/diskio"
)

const (
	testBlocksPerChunk    = 4
	testStripesPerSegment = 4
	testStartLBA          = arrayprim.LBA(1024)
)

func newDevices(t *testing.T, n int) []*arraydev.Device {
	t.Helper()
	reg := arraydev.NewRegistry(t.Name(), nil)
	for i := 0; i < n; i++ {
		_, err := reg.AddDataOrSpare(&arraydev.FileDevice{
			File:     diskio.NewMemFile[int64](fmt.Sprintf("dev%d", i), 1<<20),
			SerialNo: fmt.Sprintf("SN%d", i),
		}, arraydev.RoleData)
		require.NoError(t, err)
	}
	return reg.Data()
}

func newPartition(t *testing.T, raid arrayprim.RaidType, devs []*arraydev.Device) *arraypart.Partition {
	t.Helper()
	part, err := arraypart.New(dlog.NewTestContext(t, false), arraypart.Config{
		Type:              arrayprim.PartUserData,
		Raid:              raid,
		Devices:           devs,
		StartLBA:          testStartLBA,
		Segments:          2,
		BlocksPerChunk:    testBlocksPerChunk,
		StripesPerSegment: testStripesPerSegment,
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, part.Close()) })
	return part
}

func TestTranslate(t *testing.T) {
	t.Parallel()
	devs := newDevices(t, 4)
	part := newPartition(t, arrayprim.Raid5, devs)

	// Stripe 2 has parity in column 2.
	addr, err := part.Translate(arrayprim.LogicalAddr{StripeID: 2, Offset: 5})
	require.NoError(t, err)
	assert.Same(t, devs[1], addr.Dev)
	assert.Equal(t, testStartLBA+(2*testBlocksPerChunk+1)*arrayprim.SectorsPerBlock, addr.LBA)

	addr, err = part.Translate(arrayprim.LogicalAddr{StripeID: 2, Offset: 9})
	require.NoError(t, err)
	assert.Same(t, devs[3], addr.Dev)
	assert.Equal(t, testStartLBA+(2*testBlocksPerChunk+1)*arrayprim.SectorsPerBlock, addr.LBA)

	_, err = part.Translate(arrayprim.LogicalAddr{StripeID: 8, Offset: 0})
	assert.ErrorIs(t, err, arrayprim.ErrInvalidAddress)
	_, err = part.Translate(arrayprim.LogicalAddr{StripeID: 0, Offset: 12})
	assert.ErrorIs(t, err, arrayprim.ErrInvalidAddress)

	assert.Equal(t, testStartLBA+8*testBlocksPerChunk*arrayprim.SectorsPerBlock, part.EndLBA())
}

func TestTranslateEntry(t *testing.T) {
	t.Parallel()
	devs := newDevices(t, 4)
	part := newPartition(t, arrayprim.Raid5, devs)
	lba := func(stripe, in uint64) arrayprim.LBA {
		return testStartLBA + arrayprim.LBA((stripe*testBlocksPerChunk+in)*arrayprim.SectorsPerBlock)
	}
	// Stripe 1: parity in column 1.
	act, err := part.TranslateEntry(arrayprim.LogicalEntry{
		Addr:   arrayprim.LogicalAddr{StripeID: 1, Offset: 2},
		BlkCnt: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, []arraypart.PhysicalEntry{
		{Addr: arraypart.PhysicalAddr{Dev: devs[0], LBA: lba(1, 2)}, BlkCnt: 2},
		{Addr: arraypart.PhysicalAddr{Dev: devs[2], LBA: lba(1, 0)}, BlkCnt: 4},
		{Addr: arraypart.PhysicalAddr{Dev: devs[3], LBA: lba(1, 0)}, BlkCnt: 3},
	}, act)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Raid arrayprim.RaidType
		N    int
	}
	for _, tc := range []TestCase{
		{arrayprim.RaidNone, 1},
		{arrayprim.Raid0, 3},
		{arrayprim.Raid1, 2},
		{arrayprim.Raid10, 5},
		{arrayprim.Raid5, 4},
		{arrayprim.Raid6, 6},
	} {
		tc := tc
		t.Run(fmt.Sprintf("%v-%d", tc.Raid, tc.N), func(t *testing.T) {
			t.Parallel()
			part := newPartition(t, tc.Raid, newDevices(t, tc.N))
			geo := part.LogicalGeometry()
			seen := make(map[arraypart.PhysicalAddr]bool)
			for s := uint32(0); s < geo.TotalStripes(); s++ {
				for off := uint32(0); off < geo.BlocksPerStripe(); off++ {
					laddr := arrayprim.LogicalAddr{StripeID: arrayprim.StripeID(s), Offset: off}
					paddr, err := part.Translate(laddr)
					require.NoError(t, err)
					assert.False(t, seen[paddr], "%v maps to the already used %v", laddr, paddr)
					seen[paddr] = true
					back, err := part.Untranslate(paddr)
					require.NoError(t, err)
					assert.Equal(t, laddr, back)
				}
			}
		})
	}
}

func TestOddMirrorDevice(t *testing.T) {
	t.Parallel()
	devs := newDevices(t, 5)
	part := newPartition(t, arrayprim.Raid10, devs)
	assert.Equal(t, devs[:4], part.Devices())
	assert.Equal(t, uint32(2*testBlocksPerChunk), part.LogicalGeometry().BlocksPerStripe())
	_, ok := part.ColumnOf(devs[4])
	assert.False(t, ok)

	_, err := part.PhysicalToFt(arraypart.PhysicalAddr{Dev: devs[4], LBA: testStartLBA})
	assert.ErrorIs(t, err, arrayprim.ErrDeviceNotMember)
}

func TestPhysicalToFtErrors(t *testing.T) {
	t.Parallel()
	devs := newDevices(t, 3)
	part := newPartition(t, arrayprim.Raid0, devs)
	for _, lba := range []arrayprim.LBA{testStartLBA - 8, testStartLBA + 3, part.EndLBA()} {
		_, err := part.PhysicalToFt(arraypart.PhysicalAddr{Dev: devs[1], LBA: lba})
		assert.ErrorIs(t, err, arrayprim.ErrInvalidAddress, "%v", lba)
	}
	ft, err := part.PhysicalToFt(arraypart.PhysicalAddr{Dev: devs[1], LBA: testStartLBA + (5*testBlocksPerChunk+3)*8})
	require.NoError(t, err)
	assert.Equal(t, arrayprim.FtAddr{StripeID: 5, Offset: testBlocksPerChunk + 3}, ft)
}

func TestRaidState(t *testing.T) {
	t.Parallel()
	devs := newDevices(t, 4)
	part := newPartition(t, arrayprim.Raid10, devs)
	assert.Equal(t, arrayprim.RaidStateNormal, part.GetRaidState())
	devs[1].SetState(arraydev.StateFault)
	assert.Equal(t, arrayprim.RaidStateDegraded, part.GetRaidState())
	assert.Equal(t, []uint32{1}, part.AbnormalColumns())
	devs[3].SetState(arraydev.StateRebuild)
	assert.Equal(t, arrayprim.RaidStateFailure, part.GetRaidState())
}

// writeAll performs the physical writes against the member devices.
func writeAll(t *testing.T, writes []arraypart.PhysicalWriteEntry) {
	t.Helper()
	for _, w := range writes {
		lba := w.Addr.LBA
		for _, buf := range w.Buffers {
			_, err := w.Addr.Dev.WriteAt(buf.Bytes(), lba)
			require.NoError(t, err)
			lba = lba.Add(arrayprim.BlockToLBA(uint64(buf.BlkCnt)))
		}
		for _, buf := range w.Buffers {
			if buf.Parity {
				buf.Mem.Release()
			}
		}
	}
}

func readLogical(t *testing.T, part *arraypart.Partition, e arrayprim.LogicalEntry) []byte {
	t.Helper()
	pes, err := part.TranslateEntry(e)
	require.NoError(t, err)
	var ret []byte
	for _, pe := range pes {
		dat := make([]byte, int(pe.BlkCnt)*arrayprim.BlockSize)
		_, err := pe.Addr.Dev.ReadAt(dat, pe.Addr.LBA)
		require.NoError(t, err)
		ret = append(ret, dat...)
	}
	return ret
}

func TestConvert(t *testing.T) {
	t.Parallel()
	for _, raid := range []arrayprim.RaidType{arrayprim.Raid0, arrayprim.Raid10, arrayprim.Raid5, arrayprim.Raid6} {
		raid := raid
		t.Run(raid.String(), func(t *testing.T) {
			t.Parallel()
			part := newPartition(t, raid, newDevices(t, 6))
			rnd := rand.New(rand.NewSource(int64(raid)))
			bps := part.LogicalGeometry().BlocksPerStripe()
			for s := arrayprim.StripeID(0); s < 3; s++ {
				data := make([]byte, int(bps)*arrayprim.BlockSize)
				_, _ = rnd.Read(data)
				cut := 3 * arrayprim.BlockSize
				writes, err := part.Convert(arraymethod.LogicalWriteEntry{
					Addr:   arrayprim.LogicalAddr{StripeID: s},
					BlkCnt: bps,
					Buffers: []arraybuf.BufferEntry{
						arraybuf.WholeEntry(arraybuf.NewMemory(data[:cut])),
						arraybuf.WholeEntry(arraybuf.NewMemory(data[cut:])),
					},
				})
				require.NoError(t, err)
				physBlocks := uint64(0)
				for _, w := range writes {
					assert.LessOrEqual(t, w.BlkCnt, uint32(testBlocksPerChunk))
					assert.Equal(t, uint64(w.BlkCnt), arraybuf.TotalBlocks(w.Buffers))
					physBlocks += uint64(w.BlkCnt)
				}
				assert.Equal(t, uint64(part.PhysicalGeometry().BlocksPerStripe()), physBlocks)
				writeAll(t, writes)

				got := readLogical(t, part, arrayprim.LogicalEntry{Addr: arrayprim.LogicalAddr{StripeID: s}, BlkCnt: bps})
				assert.Equal(t, data, got)
			}
		})
	}
}

func TestConvertPartialParity(t *testing.T) {
	t.Parallel()
	part := newPartition(t, arrayprim.Raid5, newDevices(t, 3))
	_, err := part.Convert(arraymethod.LogicalWriteEntry{
		Addr:    arrayprim.LogicalAddr{StripeID: 0, Offset: 1},
		BlkCnt:  1,
		Buffers: []arraybuf.BufferEntry{arraybuf.WholeEntry(arraybuf.NewMemory(make([]byte, arrayprim.BlockSize)))},
	})
	assert.ErrorIs(t, err, arrayprim.ErrPartialStripe)
}

func TestNvmByteTranslate(t *testing.T) {
	t.Parallel()
	devs := newDevices(t, 1)
	part, err := arraypart.NewNVM(dlog.NewTestContext(t, false), arrayprim.PartWriteBuffer, devs[0], 16, 8, 10)
	require.NoError(t, err)
	defer part.Close()

	addr, err := part.ByteTranslate(arrayprim.LogicalByteAddr{StripeID: 2, ByteOffset: 100, ByteSize: 50})
	require.NoError(t, err)
	assert.Equal(t, arraypart.PhysicalByteAddr{
		Dev:    devs[0],
		Offset: 16*arrayprim.SectorSize + 2*8*arrayprim.BlockSize + 100,
		Size:   50,
	}, addr)

	_, err = part.ByteTranslate(arrayprim.LogicalByteAddr{StripeID: 2, ByteOffset: 8*arrayprim.BlockSize - 10, ByteSize: 11})
	assert.ErrorIs(t, err, arrayprim.ErrCrossesStripe)
	_, err = part.ByteTranslate(arrayprim.LogicalByteAddr{StripeID: 10, ByteSize: 1})
	assert.ErrorIs(t, err, arrayprim.ErrInvalidAddress)
	_, err = part.ByteTranslate(arrayprim.LogicalByteAddr{StripeID: 0})
	assert.ErrorIs(t, err, arrayprim.ErrInvalidAddress)

	// Block addressing works too.
	paddr, err := part.Translate(arrayprim.LogicalAddr{StripeID: 3, Offset: 7})
	require.NoError(t, err)
	assert.Equal(t, arrayprim.LBA(16+(3*8+7)*arrayprim.SectorsPerBlock), paddr.LBA)
	assert.Equal(t, arrayprim.LBA(16+80*arrayprim.SectorsPerBlock), part.EndLBA())

	_, err = arraypart.NewNVM(dlog.NewTestContext(t, false), arrayprim.PartUserData, devs[0], 0, 8, 10)
	assert.Error(t, err)
}
