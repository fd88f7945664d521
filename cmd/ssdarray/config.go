// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ssdarray-ng/lib/array"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraylayout"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/diskio"
)

// deviceConfig is one image file.  Size is only used to create or
// extend the file.
type deviceConfig struct {
	File   string
	Serial string `json:",omitempty"`
	Role   string `json:",omitempty"`
	Size   int64  `json:",omitempty"`
}

// arrayConfig is the JSON array description passed with --config.
type arrayConfig struct {
	Name    string
	Buffer  *deviceConfig `json:",omitempty"`
	Devices []deviceConfig

	DataRaid string
	MetaRaid string `json:",omitempty"`

	NUMANodes    int    `json:",omitempty"`
	MemoryBudget uint64 `json:",omitempty"`

	BlocksPerChunk    uint32 `json:",omitempty"`
	StripesPerSegment uint32 `json:",omitempty"`
}

func (cfg arrayConfig) layoutConfig(mm *arraybuf.MemoryManager) (arraylayout.Config, error) {
	ret := arraylayout.Config{
		BlocksPerChunk:    cfg.BlocksPerChunk,
		StripesPerSegment: cfg.StripesPerSegment,
		Memory:            mm,
	}
	var err error
	ret.DataRaid, err = arrayprim.ParseRaidType(cfg.DataRaid)
	if err != nil {
		return ret, fmt.Errorf("DataRaid: %w", err)
	}
	if cfg.MetaRaid != "" {
		metaRaid, err := arrayprim.ParseRaidType(cfg.MetaRaid)
		if err != nil {
			return ret, fmt.Errorf("MetaRaid: %w", err)
		}
		ret.MetaRaid = &metaRaid
	}
	return ret, nil
}

func openDevice(dc deviceConfig) (*arraydev.FileDevice, error) {
	fh, err := diskio.OpenOSFile[int64](dc.File, os.O_RDWR|os.O_CREATE, dc.Size)
	if err != nil {
		return nil, err
	}
	return &arraydev.FileDevice{
		File:     fh,
		SerialNo: dc.Serial,
	}, nil
}

// Open opens every image file, assembles the array, and mounts it.
// The returned function closes the image files.
func (cfg arrayConfig) Open(ctx context.Context) (_ *array.Array, _ func() error, err error) {
	mm := arraybuf.NewMemoryManager(cfg.NUMANodes, cfg.MemoryBudget)
	layoutCfg, err := cfg.layoutConfig(mm)
	if err != nil {
		return nil, nil, err
	}

	var files []*arraydev.FileDevice
	closeFiles := func() error {
		var errs derror.MultiError
		for _, file := range files {
			if err := file.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return errs
		}
		return nil
	}
	defer func() {
		if err != nil {
			_ = closeFiles()
		}
	}()

	arr := array.New(cfg.Name, arraydev.NewInventory())
	if cfg.Buffer != nil {
		file, err := openDevice(*cfg.Buffer)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, file)
		if _, err := arr.Devices().SetPrimaryBufferDevice(file); err != nil {
			return nil, nil, err
		}
	}
	for _, dc := range cfg.Devices {
		role := arraydev.RoleData
		if dc.Role != "" {
			role, err = arraydev.ParseRole(dc.Role)
			if err != nil {
				return nil, nil, fmt.Errorf("device %q: %w", dc.File, err)
			}
		}
		file, err := openDevice(dc)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, file)
		if _, err := arr.Devices().AddDataOrSpare(file, role); err != nil {
			return nil, nil, err
		}
	}
	dlog.Debugf(ctx, "opened %d image files", len(files))

	if err := arr.Mount(ctx, layoutCfg); err != nil {
		return nil, nil, err
	}
	return arr, closeFiles, nil
}

// lookupDevice finds an array member by image file name.
func lookupDevice(arr *array.Array, name string) (*arraydev.Device, error) {
	dev, ok := arr.Devices().Lookup(name)
	if !ok {
		return nil, fmt.Errorf("array %q: device %q: %w", arr.Name(), name, arraydev.ErrNotFound)
	}
	return dev, nil
}
