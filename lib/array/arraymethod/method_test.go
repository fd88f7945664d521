// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraymethod_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraymethod"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

const testBlocksPerChunk = 4

func testGeometry(n uint32) arrayprim.Geometry {
	return arrayprim.Geometry{
		BlocksPerChunk:    testBlocksPerChunk,
		ChunksPerStripe:   n,
		StripesPerSegment: 2 * n,
		TotalSegments:     1,
	}
}

func newMethod(t *testing.T, typ arrayprim.RaidType, n uint32) arraymethod.Method {
	t.Helper()
	m, err := arraymethod.New(typ, testGeometry(n), arraymethod.Options{Owner: t.Name()})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

type methodCase struct {
	Type arrayprim.RaidType
	N    uint32
}

func (c methodCase) String() string { return fmt.Sprintf("%v-%d", c.Type, c.N) }

var methodCases = []methodCase{
	{arrayprim.RaidNone, 1},
	{arrayprim.Raid0, 2},
	{arrayprim.Raid0, 5},
	{arrayprim.Raid1, 2},
	{arrayprim.Raid10, 4},
	{arrayprim.Raid10, 6},
	{arrayprim.Raid5, 3},
	{arrayprim.Raid5, 6},
	{arrayprim.Raid6, 4},
	{arrayprim.Raid6, 5},
	{arrayprim.Raid6, 8},
}

func TestNewErrors(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Type arrayprim.RaidType
		N    uint32
		Err  error
	}
	testcases := map[string]TestCase{
		"unsupported":  {arrayprim.RaidType(99), 4, arrayprim.ErrUnsupportedRaid},
		"raid0-1":      {arrayprim.Raid0, 1, arrayprim.ErrTooFewDevices},
		"raid1-odd":    {arrayprim.Raid1, 3, arrayprim.ErrTooFewDevices},
		"raid10-0":     {arrayprim.Raid10, 0, arrayprim.ErrTooFewDevices},
		"raid5-2":      {arrayprim.Raid5, 2, arrayprim.ErrTooFewDevices},
		"raid6-3":      {arrayprim.Raid6, 3, arrayprim.ErrTooFewDevices},
		"none-2":       {arrayprim.RaidNone, 2, arrayprim.ErrTooFewDevices},
		"raid6-enough": {arrayprim.Raid6, 4, nil},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			m, err := arraymethod.New(tc.Type, testGeometry(tc.N), arraymethod.Options{})
			if tc.Err == nil {
				require.NoError(t, err)
				m.Close()
				return
			}
			assert.ErrorIs(t, err, tc.Err)
			assert.Nil(t, m)
		})
	}
}

func TestDeviceCounts(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Type   arrayprim.RaidType
		N      uint32
		Usable uint32
		Data   uint32
	}
	testcases := []TestCase{
		{arrayprim.RaidNone, 3, 1, 1},
		{arrayprim.Raid0, 1, 1, 0},
		{arrayprim.Raid0, 3, 3, 3},
		{arrayprim.Raid1, 3, 2, 1},
		{arrayprim.Raid10, 7, 6, 3},
		{arrayprim.Raid5, 2, 2, 0},
		{arrayprim.Raid5, 10, 10, 9},
		{arrayprim.Raid6, 10, 10, 8},
	}
	for _, tc := range testcases {
		assert.Equal(t, tc.Usable, arraymethod.UsableDeviceCount(tc.Type, tc.N), "%v-%d", tc.Type, tc.N)
		assert.Equal(t, tc.Data, arraymethod.DataChunkCount(tc.Type, tc.N), "%v-%d", tc.Type, tc.N)
	}
}

// TestRoundTrip checks that every logical block maps to a distinct
// data FT address, and back.
func TestRoundTrip(t *testing.T) {
	t.Parallel()
	for _, tc := range methodCases {
		tc := tc
		t.Run(tc.String(), func(t *testing.T) {
			t.Parallel()
			m := newMethod(t, tc.Type, tc.N)
			logical := m.LogicalGeometry()
			seen := make(map[arrayprim.FtAddr]arrayprim.LogicalAddr)
			for s := uint32(0); s < logical.TotalStripes(); s++ {
				for off := uint32(0); off < logical.BlocksPerStripe(); off++ {
					laddr := arrayprim.LogicalAddr{StripeID: arrayprim.StripeID(s), Offset: off}
					fts, err := m.Translate(arrayprim.LogicalEntry{Addr: laddr, BlkCnt: 1})
					require.NoError(t, err)
					require.Len(t, fts, 1)
					ft := fts[0].Addr
					assert.Equal(t, laddr.StripeID, ft.StripeID)
					if prev, dup := seen[ft]; dup {
						t.Errorf("%v and %v both map to %v", prev, laddr, ft)
					}
					seen[ft] = laddr

					back, err := m.Untranslate(ft)
					require.NoError(t, err)
					assert.Equal(t, laddr, back)
				}
			}
		})
	}
}

func TestTranslateSplit(t *testing.T) {
	t.Parallel()
	type TestCase struct {
		Type   arrayprim.RaidType
		N      uint32
		Stripe arrayprim.StripeID
		Offset uint32
		BlkCnt uint32
		Exp    []arrayprim.FtEntry
	}
	ft := func(s arrayprim.StripeID, off, cnt uint32) arrayprim.FtEntry {
		return arrayprim.FtEntry{Addr: arrayprim.FtAddr{StripeID: s, Offset: off}, BlkCnt: cnt}
	}
	testcases := map[string]TestCase{
		// parity at column 1 = blocks [4,8)
		"raid5-before": {arrayprim.Raid5, 4, 1, 0, 4, []arrayprim.FtEntry{ft(1, 0, 4)}},
		"raid5-after":  {arrayprim.Raid5, 4, 1, 4, 8, []arrayprim.FtEntry{ft(1, 8, 8)}},
		"raid5-across": {arrayprim.Raid5, 4, 1, 2, 4, []arrayprim.FtEntry{ft(1, 2, 2), ft(1, 8, 2)}},
		"raid5-first":  {arrayprim.Raid5, 4, 0, 0, 12, []arrayprim.FtEntry{ft(0, 4, 12)}},
		"raid5-last":   {arrayprim.Raid5, 4, 3, 0, 12, []arrayprim.FtEntry{ft(3, 0, 12)}},
		// n=5: stripe 0 has P,Q at columns 3,4
		"raid6-pq-at-end": {arrayprim.Raid6, 5, 0, 0, 12, []arrayprim.FtEntry{ft(0, 0, 12)}},
		// stripe 1 has P at column 4 and Q at column 0
		"raid6-wrapped": {arrayprim.Raid6, 5, 1, 0, 12, []arrayprim.FtEntry{ft(1, 4, 12)}},
		// stripe 3 has P,Q at columns 1,2 = blocks [4,12)
		"raid6-across": {arrayprim.Raid6, 5, 3, 3, 3, []arrayprim.FtEntry{ft(3, 3, 1), ft(3, 12, 2)}},
		"raid6-after":  {arrayprim.Raid6, 5, 3, 4, 8, []arrayprim.FtEntry{ft(3, 12, 8)}},
		"raid6-before": {arrayprim.Raid6, 5, 3, 0, 4, []arrayprim.FtEntry{ft(3, 0, 4)}},
		"raid10":       {arrayprim.Raid10, 4, 5, 3, 4, []arrayprim.FtEntry{ft(5, 3, 4)}},
	}
	for tcName, tc := range testcases {
		tc := tc
		t.Run(tcName, func(t *testing.T) {
			t.Parallel()
			m := newMethod(t, tc.Type, tc.N)
			act, err := m.Translate(arrayprim.LogicalEntry{
				Addr:   arrayprim.LogicalAddr{StripeID: tc.Stripe, Offset: tc.Offset},
				BlkCnt: tc.BlkCnt,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.Exp, act)
		})
	}
}

func TestBoundaryRejection(t *testing.T) {
	t.Parallel()
	for _, tc := range methodCases {
		tc := tc
		t.Run(tc.String(), func(t *testing.T) {
			t.Parallel()
			m := newMethod(t, tc.Type, tc.N)
			geo := m.LogicalGeometry()
			bad := []arrayprim.LogicalEntry{
				{Addr: arrayprim.LogicalAddr{StripeID: 0, Offset: 0}, BlkCnt: geo.BlocksPerStripe() + 1},
				{Addr: arrayprim.LogicalAddr{StripeID: 0, Offset: geo.BlocksPerStripe() - 1}, BlkCnt: 2},
				{Addr: arrayprim.LogicalAddr{StripeID: arrayprim.StripeID(geo.TotalStripes()), Offset: 0}, BlkCnt: 1},
				{Addr: arrayprim.LogicalAddr{StripeID: 0, Offset: 0}, BlkCnt: 0},
				{Addr: arrayprim.LogicalAddr{StripeID: 0, Offset: ^uint32(0)}, BlkCnt: 2},
			}
			for _, e := range bad {
				_, err := m.Translate(e)
				assert.ErrorIs(t, err, arrayprim.ErrInvalidAddress, "%v", e)
			}
			_, err := m.Untranslate(arrayprim.FtAddr{StripeID: 0, Offset: m.PhysicalGeometry().BlocksPerStripe()})
			assert.ErrorIs(t, err, arrayprim.ErrInvalidAddress)
		})
	}
}

func TestRotationCoverage(t *testing.T) {
	t.Parallel()
	for n := uint32(3); n <= 12; n++ {
		seen := make(map[uint32]bool)
		for s := uint32(100); s < 100+n; s++ {
			seen[arraymethod.ParityColumn(arrayprim.StripeID(s), n)] = true
		}
		assert.Len(t, seen, int(n), "raid5 n=%d", n)
	}
	for n := uint32(4); n <= 12; n++ {
		seen := make(map[[2]uint32]bool)
		for s := uint32(7); s < 7+n; s++ {
			p, q := arraymethod.PQColumns(arrayprim.StripeID(s), n)
			assert.Equal(t, (p+1)%n, q)
			seen[[2]uint32{p, q}] = true
		}
		assert.Len(t, seen, int(n), "raid6 n=%d", n)
	}
	p, q := arraymethod.PQColumns(0, 6)
	assert.Equal(t, []uint32{4, 5}, []uint32{p, q})
}

func TestMirror(t *testing.T) {
	t.Parallel()
	for m := uint32(1); m <= 8; m++ {
		for i := uint32(0); i < 2*m; i++ {
			j := arraymethod.MirrorIndex(i, m)
			assert.NotEqual(t, i, j)
			assert.Less(t, j, 2*m)
			assert.Equal(t, i, arraymethod.MirrorIndex(j, m))
		}
	}

	method := newMethod(t, arrayprim.Raid10, 4)
	for in := uint32(0); in < testBlocksPerChunk; in++ {
		addr0 := arrayprim.FtAddr{StripeID: 3, Offset: 0*testBlocksPerChunk + in}
		addr2 := arrayprim.FtAddr{StripeID: 3, Offset: 2*testBlocksPerChunk + in}
		group, err := method.GetRebuildGroup(addr0, []uint32{0})
		require.NoError(t, err)
		assert.Equal(t, []arrayprim.FtAddr{addr2}, group)
		group, err = method.GetRebuildGroup(addr2, []uint32{2})
		require.NoError(t, err)
		assert.Equal(t, []arrayprim.FtAddr{addr0}, group)
	}
	_, err := method.GetRebuildGroup(arrayprim.FtAddr{StripeID: 3, Offset: 1}, []uint32{0, 2})
	assert.ErrorIs(t, err, arrayprim.ErrNotRecoverable)
}

func TestRaidState(t *testing.T) {
	t.Parallel()
	states := func(n uint32, abnormal ...uint32) []arraydev.State {
		ret := make([]arraydev.State, n)
		for _, i := range abnormal {
			ret[i] = arraydev.StateFault
		}
		return ret
	}
	normal, degraded, failure := arrayprim.RaidStateNormal, arrayprim.RaidStateDegraded, arrayprim.RaidStateFailure

	// Monotonic in the number of abnormal devices.
	for _, tc := range methodCases {
		m := newMethod(t, tc.Type, tc.N)
		prev := normal
		for k := uint32(0); k <= tc.N; k++ {
			var abnormal []uint32
			for i := uint32(0); i < k; i++ {
				abnormal = append(abnormal, i)
			}
			cur := m.GetRaidState(states(tc.N, abnormal...))
			assert.GreaterOrEqual(t, uint8(cur), uint8(prev), "%v k=%d", tc, k)
			prev = cur
		}
		assert.Equal(t, failure, prev, "%v all faulted", tc)
	}

	r5 := newMethod(t, arrayprim.Raid5, 5)
	assert.Equal(t, normal, r5.GetRaidState(states(5)))
	assert.Equal(t, degraded, r5.GetRaidState(states(5, 4)))
	assert.Equal(t, failure, r5.GetRaidState(states(5, 1, 4)))

	r6 := newMethod(t, arrayprim.Raid6, 6)
	assert.Equal(t, degraded, r6.GetRaidState(states(6, 2)))
	assert.Equal(t, degraded, r6.GetRaidState(states(6, 2, 5)))
	assert.Equal(t, failure, r6.GetRaidState(states(6, 0, 2, 5)))

	r10 := newMethod(t, arrayprim.Raid10, 4)
	assert.Equal(t, degraded, r10.GetRaidState(states(4, 0, 1)))
	assert.Equal(t, failure, r10.GetRaidState(states(4, 1, 3)))
	rebuilding := states(4)
	rebuilding[2] = arraydev.StateRebuild
	assert.Equal(t, degraded, r10.GetRaidState(rebuilding))
	rebuilding[0] = arraydev.StateDegradedSource
	assert.Equal(t, degraded, r10.GetRaidState(rebuilding))

	r0 := newMethod(t, arrayprim.Raid0, 3)
	assert.Equal(t, failure, r0.GetRaidState(states(3, 2)))
	assert.False(t, r0.IsRecoverable())
	_, err := r0.GetRebuildGroup(arrayprim.FtAddr{}, []uint32{0})
	assert.ErrorIs(t, err, arrayprim.ErrNotRecoverable)
}

// stripeWrite is a full-stripe host write, with the data split over
// several unevenly sized buffers.
func stripeWrite(t *testing.T, m arraymethod.Method, s arrayprim.StripeID, rnd *rand.Rand) ([]byte, arraymethod.LogicalWriteEntry) {
	t.Helper()
	bps := m.LogicalGeometry().BlocksPerStripe()
	data := make([]byte, int(bps)*arrayprim.BlockSize)
	_, _ = rnd.Read(data)
	cut1, cut2 := 1*arrayprim.BlockSize, int(bps/2+1)*arrayprim.BlockSize
	return data, arraymethod.LogicalWriteEntry{
		Addr:   arrayprim.LogicalAddr{StripeID: s},
		BlkCnt: bps,
		Buffers: []arraybuf.BufferEntry{
			arraybuf.WholeEntry(arraybuf.NewMemory(data[:cut1])),
			arraybuf.WholeEntry(arraybuf.NewMemory(data[cut1:cut2])),
			arraybuf.WholeEntry(arraybuf.NewMemory(data[cut2:])),
		},
	}
}

// stripeImage lays out a full-stripe write (data and parity) the way
// it would land on the columns.
func stripeImage(t *testing.T, m arraymethod.Method, data []byte, e arraymethod.LogicalWriteEntry) []byte {
	t.Helper()
	image := make([]byte, int(m.PhysicalGeometry().BlocksPerStripe())*arrayprim.BlockSize)
	for off := uint32(0); off < e.BlkCnt; off++ {
		fts, err := m.Translate(arrayprim.LogicalEntry{
			Addr:   arrayprim.LogicalAddr{StripeID: e.Addr.StripeID, Offset: off},
			BlkCnt: 1,
		})
		require.NoError(t, err)
		dst := int(fts[0].Addr.Offset) * arrayprim.BlockSize
		src := int(off) * arrayprim.BlockSize
		copy(image[dst:dst+arrayprim.BlockSize], data[src:src+arrayprim.BlockSize])
	}
	extra, err := m.MakeParity(e)
	require.NoError(t, err)
	for _, w := range extra {
		pos := int(w.Addr.Offset) * arrayprim.BlockSize
		for _, buf := range w.Buffers {
			pos += copy(image[pos:], buf.Bytes())
		}
		for _, buf := range w.Buffers {
			if buf.Parity {
				buf.Mem.Release()
			}
		}
	}
	return image
}

func column(m arraymethod.Method, image []byte, col uint32) []byte {
	size := int(m.PhysicalGeometry().BlocksPerChunk) * arrayprim.BlockSize
	return image[int(col)*size : int(col+1)*size]
}

func blocksAt(image []byte, addr arrayprim.FtAddr, cnt uint32) []byte {
	beg := int(addr.Offset) * arrayprim.BlockSize
	return image[beg : beg+int(cnt)*arrayprim.BlockSize]
}

func TestRaid5Parity(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(5))
	m := newMethod(t, arrayprim.Raid5, 5)
	for s := arrayprim.StripeID(0); s < 5; s++ {
		data, e := stripeWrite(t, m, s, rnd)
		image := stripeImage(t, m, data, e)

		sum := make([]byte, len(column(m, image, 0)))
		for col := uint32(0); col < 5; col++ {
			for i, b := range column(m, image, col) {
				sum[i] ^= b
			}
		}
		assert.Equal(t, make([]byte, len(sum)), sum, "stripe %d", s)

		for col := uint32(0); col < 5; col++ {
			addr := arrayprim.FtAddr{StripeID: s, Offset: col * testBlocksPerChunk}
			sources, err := m.GetRebuildGroup(addr, []uint32{col})
			require.NoError(t, err)
			require.Len(t, sources, 4)
			recoverFn, err := m.Recover(addr, sources)
			require.NoError(t, err)
			srcs := make([][]byte, len(sources))
			for i, src := range sources {
				srcs[i] = blocksAt(image, src, testBlocksPerChunk)
			}
			dst := make([]byte, testBlocksPerChunk*arrayprim.BlockSize)
			require.NoError(t, recoverFn(dst, srcs))
			assert.Equal(t, column(m, image, col), dst, "stripe %d column %d", s, col)
		}
	}
}

func TestMakeParityErrors(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(0))
	for _, typ := range []arrayprim.RaidType{arrayprim.Raid5, arrayprim.Raid6} {
		m := newMethod(t, typ, 5)
		_, e := stripeWrite(t, m, 0, rnd)

		partial := e
		partial.BlkCnt--
		partial.Buffers, _ = arraybuf.Slice(e.Buffers, 0, partial.BlkCnt)
		_, err := m.MakeParity(partial)
		assert.ErrorIs(t, err, arrayprim.ErrPartialStripe, "%v", typ)

		short := e
		short.Buffers = e.Buffers[:2]
		_, err = m.MakeParity(short)
		assert.ErrorIs(t, err, arrayprim.ErrBufferMismatch, "%v", typ)
	}
}

func TestMirrorMakeParity(t *testing.T) {
	t.Parallel()
	m := newMethod(t, arrayprim.Raid10, 6)
	buf := arraybuf.WholeEntry(arraybuf.NewMemory(make([]byte, 5*arrayprim.BlockSize)))
	extra, err := m.MakeParity(arraymethod.LogicalWriteEntry{
		Addr:    arrayprim.LogicalAddr{StripeID: 2, Offset: 3},
		BlkCnt:  5,
		Buffers: []arraybuf.BufferEntry{buf},
	})
	require.NoError(t, err)
	require.Len(t, extra, 1)
	assert.Equal(t, arrayprim.FtAddr{StripeID: 2, Offset: 3 + 3*testBlocksPerChunk}, extra[0].Addr)
	assert.Equal(t, uint32(5), extra[0].BlkCnt)
	assert.Equal(t, []arraybuf.BufferEntry{buf}, extra[0].Buffers)

	back, err := m.Untranslate(extra[0].Addr)
	require.NoError(t, err)
	assert.Equal(t, arrayprim.LogicalAddr{StripeID: 2, Offset: 3}, back)
}

func TestParityPoolFallback(t *testing.T) {
	t.Parallel()
	mm := arraybuf.NewMemoryManager(2, 0)
	m, err := arraymethod.New(arrayprim.Raid5, testGeometry(3), arraymethod.Options{
		Memory:    mm,
		Owner:     "test",
		PoolDepth: 1,
	})
	require.NoError(t, err)
	assert.Len(t, mm.Stats(), 2)

	rnd := rand.New(rand.NewSource(1))
	_, e := stripeWrite(t, m, 0, rnd)
	first, err := m.MakeParity(e)
	require.NoError(t, err)
	assert.True(t, first[0].Buffers[0].Mem.Pooled())
	second, err := m.MakeParity(e)
	require.NoError(t, err)
	assert.False(t, second[0].Buffers[0].Mem.Pooled())
	assert.Equal(t, first[0].Buffers[0].Bytes(), second[0].Buffers[0].Bytes())

	// A different NUMA node has its own pool.
	e.NUMANode = 1
	third, err := m.MakeParity(e)
	require.NoError(t, err)
	assert.True(t, third[0].Buffers[0].Mem.Pooled())

	var fallbacks uint64
	for _, st := range mm.Stats() {
		fallbacks += st.Fallbacks
	}
	assert.Equal(t, uint64(1), fallbacks)

	m.Close()
	assert.Empty(t, mm.Stats())
	assert.Zero(t, mm.Reserved())
}

func TestParityPoolBudget(t *testing.T) {
	t.Parallel()
	chunk := uint64(testBlocksPerChunk * arrayprim.BlockSize)
	// Room for the P pool but not the Q pool.
	mm := arraybuf.NewMemoryManager(1, 4*chunk)
	_, err := arraymethod.New(arrayprim.Raid6, testGeometry(4), arraymethod.Options{
		Memory:    mm,
		PoolDepth: 4,
	})
	assert.ErrorIs(t, err, arrayprim.ErrPoolAllocation)
	assert.Zero(t, mm.Reserved())
}
