// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraydev

import (
	"fmt"
	"sync"
)

// Registry is the authoritative member list of one array.  Every
// mutation holds the registry lock for its full duration.  Queries
// return snapshots; a snapshot may go stale, so structural decisions
// (such as picking a spare) must go through the Registry itself.
type Registry struct {
	name string
	inv  *Inventory

	mu     sync.Mutex
	buffer *Device
	devs   []*Device
}

// NewRegistry returns an empty registry for the named array.  If inv
// is non-nil, devices are claimed from it on add and released to it
// on removal.
func NewRegistry(name string, inv *Inventory) *Registry {
	return &Registry{
		name: name,
		inv:  inv,
	}
}

func (r *Registry) Name() string { return r.name }

// caller must hold r.mu.
func (r *Registry) lookupLocked(name string) *Device {
	if r.buffer != nil && r.buffer.Name() == name {
		return r.buffer
	}
	for _, dev := range r.devs {
		if dev.Name() == name {
			return dev
		}
	}
	return nil
}

// caller must hold r.mu.
func (r *Registry) claimLocked(backing BlockDevice) error {
	if r.inv == nil {
		return nil
	}
	return r.inv.Claim(backing, r.name)
}

func (r *Registry) releaseLocked(backing BlockDevice) {
	if r.inv == nil {
		return
	}
	r.inv.Release(backing)
}

// SetPrimaryBufferDevice installs the NVM buffer device.
func (r *Registry) SetPrimaryBufferDevice(backing BlockDevice) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.buffer != nil:
		return nil, fmt.Errorf("array %q: %w: %q", r.name, ErrBufferExists, r.buffer.Name())
	case backing == nil:
		return nil, fmt.Errorf("array %q: buffer: %w", r.name, ErrNoBacking)
	case r.lookupLocked(backing.Name()) != nil:
		return nil, fmt.Errorf("array %q: %w: %q", r.name, ErrNameCollision, backing.Name())
	}
	if err := r.claimLocked(backing); err != nil {
		return nil, fmt.Errorf("array %q: %w", r.name, err)
	}
	r.buffer = newDevice(backing, RoleBuffer)
	return r.buffer, nil
}

// AddDataOrSpare appends a member device.  The role must be RoleData
// or RoleSpare.
func (r *Registry) AddDataOrSpare(backing BlockDevice, role Role) (*Device, error) {
	if role != RoleData && role != RoleSpare {
		return nil, fmt.Errorf("array %q: %w: %v", r.name, ErrInvalidRole, role)
	}
	if backing == nil {
		return nil, fmt.Errorf("array %q: %w", r.name, ErrNoBacking)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookupLocked(backing.Name()) != nil {
		return nil, fmt.Errorf("array %q: %w: %q", r.name, ErrNameCollision, backing.Name())
	}
	if err := r.claimLocked(backing); err != nil {
		return nil, fmt.Errorf("array %q: %w", r.name, err)
	}
	dev := newDevice(backing, role)
	r.devs = append(r.devs, dev)
	return dev, nil
}

// RemoveSpare detaches a spare and returns its backing store to the
// system pool.
func (r *Registry) RemoveSpare(target *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, dev := range r.devs {
		if dev == target && dev.Role() == RoleSpare {
			r.releaseLocked(dev.Backing())
			r.devs = append(r.devs[:i:i], r.devs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("array %q: spare %v: %w", r.name, target, ErrNotFound)
}

// SwapToSpare replaces target's backing store with that of the first
// NORMAL spare.  The target slot keeps its position and enters
// StateRebuild; the spare slot, now holding target's old backing
// store, is removed from the registry and returned.  If no spare is
// available the registry is left unchanged.
func (r *Registry) SwapToSpare(target *Device) (evicted *Device, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targetIdx, spareIdx := -1, -1
	for i, dev := range r.devs {
		switch {
		case dev == target:
			targetIdx = i
		case spareIdx < 0 && dev.Role() == RoleSpare && dev.State() == StateNormal:
			spareIdx = i
		}
	}
	if targetIdx < 0 || target.Role() == RoleSpare {
		return nil, fmt.Errorf("array %q: %v: %w", r.name, target, ErrNotFound)
	}
	if spareIdx < 0 {
		return nil, fmt.Errorf("array %q: replace %v: %w", r.name, target, ErrNoSpare)
	}
	spare := r.devs[spareIdx]

	oldBacking := target.backing.Load()
	target.backing.Store(spare.backing.Load())
	spare.backing.Store(oldBacking)
	spare.SetState(target.State())
	target.SetState(StateRebuild)

	r.devs = append(r.devs[:spareIdx:spareIdx], r.devs[spareIdx+1:]...)
	return spare, nil
}

// Release returns the backing store of a device that is no longer
// in the registry (such as one evicted by SwapToSpare) to the system
// pool.
func (r *Registry) Release(dev *Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(dev.Backing())
}

// Clear removes every device, including the buffer device.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, dev := range r.devs {
		r.releaseLocked(dev.Backing())
	}
	if r.buffer != nil {
		r.releaseLocked(r.buffer.Backing())
	}
	r.devs = nil
	r.buffer = nil
}

// Lookup finds a member (or the buffer device) by name.
func (r *Registry) Lookup(name string) (*Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev := r.lookupLocked(name)
	return dev, dev != nil
}

// Snapshot returns the data and spare devices, in order.
func (r *Registry) Snapshot() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := make([]*Device, len(r.devs))
	copy(ret, r.devs)
	return ret
}

func (r *Registry) Data() []*Device   { return Where(r.Snapshot(), HasRole(RoleData)) }
func (r *Registry) Spares() []*Device { return Where(r.Snapshot(), HasRole(RoleSpare)) }

func (r *Registry) Buffer() *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buffer
}
