// Copyright (C) 2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package diskio

import (
	"fmt"
	"io"
	"sync"
)

const memPageSize = 64 * 1024

// MemFile is a fixed-size sparse File held in memory.  Memory is
// allocated a page at a time as the file is written; unwritten
// regions read as zero.
type MemFile[A ~int64] struct {
	name string
	size A

	mu    sync.RWMutex
	pages map[A][]byte
}

var _ File[assertAddr] = (*MemFile[assertAddr])(nil)

func NewMemFile[A ~int64](name string, size A) *MemFile[A] {
	return &MemFile[A]{
		name:  name,
		size:  size,
		pages: make(map[A][]byte),
	}
}

func (f *MemFile[A]) Name() string { return f.name }
func (f *MemFile[A]) Size() A      { return f.size }
func (f *MemFile[A]) Close() error { return nil }

// Pages returns the number of pages that have been written.
func (f *MemFile[A]) Pages() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.pages)
}

func (f *MemFile[A]) ReadAt(p []byte, off A) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off < 0 || off > f.size {
		return 0, fmt.Errorf("read %q: offset %d out of range", f.name, off)
	}
	var short bool
	if rest := f.size - off; A(len(p)) > rest {
		p = p[:rest]
		short = true
	}
	n := 0
	for n < len(p) {
		pos := off + A(n)
		pageOff := pos % memPageSize
		chunk := p[n:min(len(p), n+int(memPageSize-pageOff))]
		if page, ok := f.pages[pos-pageOff]; ok {
			copy(chunk, page[pageOff:])
		} else {
			clear(chunk)
		}
		n += len(chunk)
	}
	if short {
		return n, io.EOF
	}
	return n, nil
}

func (f *MemFile[A]) WriteAt(p []byte, off A) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 || off+A(len(p)) > f.size {
		return 0, fmt.Errorf("write %q: [%d,+%d) out of range", f.name, off, len(p))
	}
	n := 0
	for n < len(p) {
		pos := off + A(n)
		pageOff := pos % memPageSize
		page, ok := f.pages[pos-pageOff]
		if !ok {
			page = make([]byte, memPageSize)
			f.pages[pos-pageOff] = page
		}
		n += copy(page[pageOff:], p[n:])
	}
	return n, nil
}
