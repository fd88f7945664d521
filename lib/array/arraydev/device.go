// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arraydev holds the member devices of an array: their
// roles, their states, and the registry that owns them.
package arraydev

import (
	"fmt"
	"io"
	"sync/atomic"

	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/slices"
)

type Role uint8

const (
	RoleData = Role(iota)
	RoleSpare
	RoleMirror
	RoleParityPool
	// RoleBuffer is the NVM device holding the write buffer and
	// the NVM metadata.
	RoleBuffer
)

func (r Role) String() string {
	switch r {
	case RoleData:
		return "data"
	case RoleSpare:
		return "spare"
	case RoleMirror:
		return "mirror"
	case RoleParityPool:
		return "parity-pool"
	case RoleBuffer:
		return "buffer"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

func ParseRole(str string) (Role, error) {
	for r := RoleData; r <= RoleBuffer; r++ {
		if r.String() == str {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidRole, str)
}

type State uint32

const (
	StateNormal = State(iota)
	// StateDegradedSource marks a healthy device that has been
	// selected as a rebuild read source.
	StateDegradedSource
	// StateRebuild marks a device whose contents are being
	// reconstructed; it cannot yet serve reads.
	StateRebuild
	StateFault
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateDegradedSource:
		return "degraded-source"
	case StateRebuild:
		return "rebuild"
	case StateFault:
		return "fault"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Abnormal reports whether a device in this state cannot serve its
// data.
func (s State) Abnormal() bool {
	return s == StateRebuild || s == StateFault
}

// BlockDevice is the backing store of a member device.
type BlockDevice interface {
	Name() string
	Serial() string
	// Size in bytes.
	Size() uint64
}

type backingRef struct {
	BlockDevice
}

// Device is one member slot of an array.  The slot's identity (the
// *Device pointer) is what partitions hold on to; the backing store
// behind a slot changes when a spare is swapped in.
type Device struct {
	backing atomic.Pointer[backingRef]
	role    Role
	state   atomic.Uint32
}

func newDevice(backing BlockDevice, role Role) *Device {
	dev := &Device{role: role}
	dev.backing.Store(&backingRef{backing})
	return dev
}

func (d *Device) Backing() BlockDevice { return d.backing.Load().BlockDevice }
func (d *Device) Name() string         { return d.Backing().Name() }
func (d *Device) Serial() string       { return d.Backing().Serial() }
func (d *Device) Role() Role           { return d.role }
func (d *Device) State() State         { return State(d.state.Load()) }
func (d *Device) SetState(s State)     { d.state.Store(uint32(s)) }

// Blocks returns the capacity in whole blocks.
func (d *Device) Blocks() uint64 { return d.Backing().Size() / arrayprim.BlockSize }

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s,%v)", d.Name(), d.role, d.State())
}

// ReadAt reads from the backing store, if the backing store supports
// I/O.
func (d *Device) ReadAt(dat []byte, lba arrayprim.LBA) (int, error) {
	r, ok := d.Backing().(io.ReaderAt)
	if !ok {
		return 0, fmt.Errorf("device %q: backing store does not support reads", d.Name())
	}
	return r.ReadAt(dat, int64(lba)*arrayprim.SectorSize)
}

// WriteAt writes to the backing store, if the backing store supports
// I/O.
func (d *Device) WriteAt(dat []byte, lba arrayprim.LBA) (int, error) {
	w, ok := d.Backing().(io.WriterAt)
	if !ok {
		return 0, fmt.Errorf("device %q: backing store does not support writes", d.Name())
	}
	return w.WriteAt(dat, int64(lba)*arrayprim.SectorSize)
}

// Where returns the devices for which pred returns true, in order.
func Where(devs []*Device, pred func(*Device) bool) []*Device {
	var ret []*Device
	for _, dev := range devs {
		if pred(dev) {
			ret = append(ret, dev)
		}
	}
	return ret
}

func HasRole(role Role) func(*Device) bool {
	return func(dev *Device) bool { return dev.Role() == role }
}

func InState(states ...State) func(*Device) bool {
	return func(dev *Device) bool {
		s := dev.State()
		for _, want := range states {
			if s == want {
				return true
			}
		}
		return false
	}
}

// MinCapacity returns the smallest capacity (in blocks) among devs,
// and whether the capacities differ.  It returns 0 for an empty list.
func MinCapacity(devs []*Device) (blocks uint64, heterogeneous bool) {
	if len(devs) == 0 {
		return 0, false
	}
	caps := make([]uint64, len(devs))
	for i, dev := range devs {
		caps[i] = dev.Blocks()
	}
	blocks = slices.Min(caps[0], caps[1:]...)
	return blocks, slices.Max(caps[0], caps[1:]...) != blocks
}

// States returns the state of each device, in order.
func States(devs []*Device) []State {
	ret := make([]State, len(devs))
	for i, dev := range devs {
		ret[i] = dev.State()
	}
	return ret
}
