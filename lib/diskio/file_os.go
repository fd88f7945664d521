// Copyright (C) 2022-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"fmt"
	"os"
)

type OSFile[A ~int64] struct {
	*os.File
}

var _ File[assertAddr] = (*OSFile[assertAddr])(nil)

// OpenOSFile opens a device node or image file.  If size is
// non-zero and the file is a regular file shorter than size, it is
// extended (sparsely) to size.
func OpenOSFile[A ~int64](filename string, flag int, size A) (*OSFile[A], error) {
	fh, err := os.OpenFile(filename, flag, 0o666)
	if err != nil {
		return nil, err
	}
	ret := &OSFile[A]{File: fh}
	if size > 0 && flag&(os.O_RDWR|os.O_WRONLY) != 0 {
		fi, err := fh.Stat()
		if err != nil {
			_ = fh.Close()
			return nil, err
		}
		if fi.Mode().IsRegular() && fi.Size() < int64(size) {
			if err := fh.Truncate(int64(size)); err != nil {
				_ = fh.Close()
				return nil, fmt.Errorf("extend %q: %w", filename, err)
			}
		}
	}
	return ret, nil
}

func (f *OSFile[A]) Size() A {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	return A(fi.Size())
}

func (f *OSFile[A]) ReadAt(dat []byte, paddr A) (int, error) {
	return f.File.ReadAt(dat, int64(paddr))
}

func (f *OSFile[A]) WriteAt(dat []byte, paddr A) (int, error) {
	return f.File.WriteAt(dat, int64(paddr))
}
