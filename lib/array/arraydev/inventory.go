// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraydev

import (
	"fmt"
	"sync"

	"git.lukeshu.com/ssdarray-ng/lib/maps"
)

// Inventory is the system-wide pool of block devices.  A device is
// claimed by at most one array at a time.
type Inventory struct {
	mu     sync.Mutex
	owners map[string]string
}

func NewInventory() *Inventory {
	return &Inventory{
		owners: make(map[string]string),
	}
}

// Claim marks dev as owned by the named array.
func (inv *Inventory) Claim(dev BlockDevice, array string) error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if owner, ok := inv.owners[dev.Name()]; ok {
		if owner == array {
			return nil
		}
		return fmt.Errorf("%w: %q is owned by %q", ErrAlreadyClaimed, dev.Name(), owner)
	}
	inv.owners[dev.Name()] = array
	return nil
}

// Release returns dev to the system pool.
func (inv *Inventory) Release(dev BlockDevice) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	delete(inv.owners, dev.Name())
}

// Owner returns the array that owns the named device.
func (inv *Inventory) Owner(name string) (string, bool) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	owner, ok := inv.owners[name]
	return owner, ok
}

// Claimed lists the names of all claimed devices.
func (inv *Inventory) Claimed() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return maps.SortedKeys(inv.owners)
}
