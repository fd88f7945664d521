// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraymethod_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraymethod"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/slices"
)

func exclusionSets(n uint32) [][]uint32 {
	var ret [][]uint32
	for a := uint32(0); a < n; a++ {
		ret = append(ret, []uint32{a})
		for b := a + 1; b < n; b++ {
			ret = append(ret, []uint32{a, b})
		}
	}
	return ret
}

func recoverBlocks(t *testing.T, m arraymethod.Method, image []byte, addr arrayprim.FtAddr, cnt uint32, abnormal []uint32) []byte {
	t.Helper()
	sources, err := m.GetRebuildGroup(addr, abnormal)
	require.NoError(t, err)
	for _, src := range sources {
		col := src.Offset / m.PhysicalGeometry().BlocksPerChunk
		require.False(t, slices.Contains(col, abnormal), "source %v is in an excluded column", src)
	}
	recoverFn, err := m.Recover(addr, sources)
	require.NoError(t, err)
	srcs := make([][]byte, len(sources))
	for i, src := range sources {
		srcs[i] = blocksAt(image, src, cnt)
	}
	dst := make([]byte, int(cnt)*arrayprim.BlockSize)
	require.NoError(t, recoverFn(dst, srcs))
	return dst
}

func TestRaid6Erasure(t *testing.T) {
	t.Parallel()
	for _, n := range []uint32{4, 5, 7} {
		n := n
		t.Run(arrayprim.Raid6.String()+"-"+string(rune('0'+n)), func(t *testing.T) {
			t.Parallel()
			rnd := rand.New(rand.NewSource(int64(n)))
			m := newMethod(t, arrayprim.Raid6, n)
			// Every rotation of P and Q.
			for s := arrayprim.StripeID(0); s < arrayprim.StripeID(n); s++ {
				data, e := stripeWrite(t, m, s, rnd)
				image := stripeImage(t, m, data, e)
				for _, excluded := range exclusionSets(n) {
					for _, col := range excluded {
						addr := arrayprim.FtAddr{StripeID: s, Offset: col * testBlocksPerChunk}
						got := recoverBlocks(t, m, image, addr, testBlocksPerChunk, excluded)
						assert.Equal(t, column(m, image, col), got, "stripe=%d excluded=%v col=%d", s, excluded, col)

						// A range within the chunk.
						addr.Offset++
						got = recoverBlocks(t, m, image, addr, 2, excluded)
						assert.Equal(t, blocksAt(image, addr, 2), got, "stripe=%d excluded=%v col=%d", s, excluded, col)
					}
				}
			}
		})
	}
}

func TestRaid6TooManyFaults(t *testing.T) {
	t.Parallel()
	m := newMethod(t, arrayprim.Raid6, 6)
	_, err := m.GetRebuildGroup(arrayprim.FtAddr{StripeID: 1, Offset: 0}, []uint32{0, 3, 5})
	assert.ErrorIs(t, err, arrayprim.ErrNotRecoverable)

	// Duplicates and the target itself do not count twice.
	group, err := m.GetRebuildGroup(arrayprim.FtAddr{StripeID: 1, Offset: 0}, []uint32{0, 0, 3, 3})
	require.NoError(t, err)
	assert.Len(t, group, 4)
}

func TestRaid6ParityIsNotData(t *testing.T) {
	t.Parallel()
	m := newMethod(t, arrayprim.Raid6, 5)
	for s := arrayprim.StripeID(0); s < 5; s++ {
		p, q := arraymethod.PQColumns(s, 5)
		for _, col := range []uint32{p, q} {
			_, err := m.Untranslate(arrayprim.FtAddr{StripeID: s, Offset: col * testBlocksPerChunk})
			assert.ErrorIs(t, err, arrayprim.ErrParityAddress, "stripe %d column %d", s, col)
		}
	}
}
