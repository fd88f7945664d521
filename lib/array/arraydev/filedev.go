// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraydev

import (
	"git.lukeshu.com/ssdarray-ng/lib/diskio"
)

// FileDevice is a BlockDevice backed by a diskio.File, such as a
// device node or an image file.
type FileDevice struct {
	File     diskio.File[int64]
	SerialNo string
}

var _ BlockDevice = (*FileDevice)(nil)

func (d *FileDevice) Name() string   { return d.File.Name() }
func (d *FileDevice) Serial() string { return d.SerialNo }
func (d *FileDevice) Size() uint64   { return uint64(d.File.Size()) }
func (d *FileDevice) Close() error   { return d.File.Close() }

func (d *FileDevice) ReadAt(dat []byte, off int64) (int, error) {
	return d.File.ReadAt(dat, off)
}

func (d *FileDevice) WriteAt(dat []byte, off int64) (int, error) {
	return d.File.WriteAt(dat, off)
}
