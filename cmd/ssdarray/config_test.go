// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"path/filepath"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
)

func TestLayoutConfig(t *testing.T) {
	t.Parallel()
	mm := arraybuf.NewMemoryManager(1, 0)

	cfg, err := arrayConfig{DataRaid: "raid6", MetaRaid: "RAID1"}.layoutConfig(mm)
	require.NoError(t, err)
	assert.Equal(t, arrayprim.Raid6, cfg.DataRaid)
	require.NotNil(t, cfg.MetaRaid)
	assert.Equal(t, arrayprim.Raid1, *cfg.MetaRaid)

	cfg, err = arrayConfig{DataRaid: "RAID5"}.layoutConfig(mm)
	require.NoError(t, err)
	assert.Nil(t, cfg.MetaRaid)

	_, err = arrayConfig{DataRaid: "RAID7"}.layoutConfig(mm)
	assert.ErrorIs(t, err, arrayprim.ErrUnsupportedRaid)
}

func TestOpenFillRebuild(t *testing.T) {
	t.Parallel()
	ctx := dlog.NewTestContext(t, false)
	dir := t.TempDir()
	size := int64(arrayprim.BootRecordSize + 128*16*arrayprim.BlockSize)
	cfg := arrayConfig{
		Name:   "sim0",
		Buffer: &deviceConfig{File: filepath.Join(dir, "nvm.img"), Size: 4 << 20},
		Devices: []deviceConfig{
			{File: filepath.Join(dir, "ssd0.img"), Serial: "A", Size: size},
			{File: filepath.Join(dir, "ssd1.img"), Serial: "B", Size: size},
			{File: filepath.Join(dir, "ssd2.img"), Serial: "C", Size: size},
			{File: filepath.Join(dir, "ssd3.img"), Serial: "D", Size: size, Role: "spare"},
		},
		DataRaid:          "RAID5",
		BlocksPerChunk:    4,
		StripesPerSegment: 4,
	}
	arr, closeFiles, err := cfg.Open(ctx)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, arr.Unmount())
		assert.NoError(t, closeFiles())
	}()

	tr, err := lookupTranslator(arr, "user_data")
	require.NoError(t, err)
	bps := tr.LogicalGeometry().BlocksPerStripe()
	for s := arrayprim.StripeID(0); s < 8; s++ {
		require.NoError(t, fillStripe(tr, s, stripeData(1, tr.Type(), s, bps)))
	}

	dev, err := lookupDevice(arr, filepath.Join(dir, "ssd1.img"))
	require.NoError(t, err)
	rcs, err := arr.HandleFault(ctx, dev)
	require.NoError(t, err)
	require.NoError(t, arr.Rebuild(ctx, dev, rcs))

	for s := arrayprim.StripeID(0); s < 8; s++ {
		act, err := readStripe(tr, s)
		require.NoError(t, err)
		assert.Equal(t, stripeData(1, tr.Type(), s, bps), act, "stripe %d", s)
	}

	updated := updatedConfig(cfg, arr)
	require.Len(t, updated.Devices, 3)
	assert.Equal(t, filepath.Join(dir, "ssd3.img"), updated.Devices[1].File)
	assert.Equal(t, "D", updated.Devices[1].Serial)
	assert.Equal(t, "data", updated.Devices[1].Role)
	assert.Equal(t, size, updated.Devices[1].Size)
}
