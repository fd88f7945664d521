// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package array ties the device registry, the partition layout, and
// the partition services of one SSD array together, and drives the
// fault-handling flow.
package array

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraylayout"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayrebuild"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraysvc"
)

var (
	ErrMounted    = errors.New("array is mounted")
	ErrNotMounted = errors.New("array is not mounted")
)

type Array struct {
	reg *arraydev.Registry

	mu     sync.Mutex
	layout *arraylayout.Layout
	svc    arraysvc.Services
}

// New returns an empty, unmounted array whose devices are claimed
// from inv.  inv may be nil.
func New(name string, inv *arraydev.Inventory) *Array {
	return &Array{
		reg: arraydev.NewRegistry(name, inv),
	}
}

func (a *Array) Name() string                 { return a.reg.Name() }
func (a *Array) Devices() *arraydev.Registry  { return a.reg }
func (a *Array) Services() *arraysvc.Services { return &a.svc }

// Layout returns the partitions, or nil if the array is not mounted.
func (a *Array) Layout() *arraylayout.Layout {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.layout
}

// Mount builds the partition layout over the current devices and
// registers every partition as a service.
func (a *Array) Mount(ctx context.Context, cfg arraylayout.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.layout != nil {
		return fmt.Errorf("array %q: %w", a.Name(), ErrMounted)
	}
	ctx = dlog.WithField(ctx, "ssdarray.array", a.Name())
	layout, err := arraylayout.Build(ctx, cfg, a.reg)
	if err != nil {
		return fmt.Errorf("array %q: %w", a.Name(), err)
	}
	for _, part := range layout.Partitions() {
		arraysvc.Register(&a.svc, part)
	}
	a.layout = layout
	dlog.Infof(ctx, "mounted: %v", a.stateLocked())
	return nil
}

// Unmount unregisters and closes every partition.  The devices stay
// in the registry.
func (a *Array) Unmount() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.layout == nil {
		return fmt.Errorf("array %q: %w", a.Name(), ErrNotMounted)
	}
	a.svc.Clear()
	err := a.layout.Close()
	a.layout = nil
	return err
}

// State is the worst state of any partition.  An unmounted array
// reports RaidStateFailure.
func (a *Array) State() arrayprim.RaidState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *Array) stateLocked() arrayprim.RaidState {
	if a.layout == nil {
		return arrayprim.RaidStateFailure
	}
	return a.layout.State()
}

// HandleFault marks dev faulted and, if a NORMAL spare is available,
// swaps the spare's backing store in behind dev.  It returns the
// rebuild work for dev from every partition that can rebuild it.
//
// dev must be a data or buffer member; otherwise nothing changes and
// the error wraps arraydev.ErrNotFound.  The replaced backing store is
// released to the inventory.  Without a spare, dev stays faulted and
// the error wraps arraydev.ErrNoSpare.  Callers must drain I/O to the
// array before calling HandleFault.
func (a *Array) HandleFault(ctx context.Context, dev *arraydev.Device) ([]*arrayrebuild.RebuildContext, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.layout == nil {
		return nil, fmt.Errorf("array %q: %w", a.Name(), ErrNotMounted)
	}
	if member, ok := a.reg.Lookup(dev.Name()); !ok || member != dev {
		return nil, fmt.Errorf("array %q: device %v: %w", a.Name(), dev, arraydev.ErrNotFound)
	}
	if role := dev.Role(); role != arraydev.RoleData && role != arraydev.RoleBuffer {
		return nil, fmt.Errorf("array %q: device %v: %w: role %v", a.Name(), dev, arraydev.ErrNotFound, role)
	}
	ctx = dlog.WithField(ctx, "ssdarray.array", a.Name())
	dev.SetState(arraydev.StateFault)
	dlog.Errorf(ctx, "device %v faulted: array is %v", dev, a.stateLocked())
	if dev.Role() == arraydev.RoleBuffer {
		return nil, nil
	}

	evicted, err := a.reg.SwapToSpare(dev)
	if err != nil {
		return nil, err
	}
	a.reg.Release(evicted)
	dlog.Infof(ctx, "device %v: swapped in spare %s", dev, dev.Serial())

	rcs := a.svc.GetRebuildContexts(dev)
	if len(rcs) == 0 {
		// Nothing to reconstruct: no member partition is redundant.
		dlog.Warnf(ctx, "device %v: no partition can rebuild it", dev)
	}
	return rcs, nil
}

// Rebuild runs the rebuild contexts for dev, one goroutine per
// partition, and marks dev NORMAL once all of them succeed.
func (a *Array) Rebuild(ctx context.Context, dev *arraydev.Device, rcs []*arrayrebuild.RebuildContext) error {
	if len(rcs) == 0 {
		return fmt.Errorf("array %q: device %v: %w", a.Name(), dev, arrayprim.ErrNotRecoverable)
	}
	for _, rc := range rcs {
		if rc.Device != dev {
			return fmt.Errorf("array %q: %v is not for device %v", a.Name(), rc, dev)
		}
	}
	ctx = dlog.WithField(ctx, "ssdarray.array", a.Name())
	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
	for _, rc := range rcs {
		rc := rc
		grp.Go(rc.PartitionType.String(), func(ctx context.Context) error {
			return arrayrebuild.Execute(ctx, rc)
		})
	}
	if err := grp.Wait(); err != nil {
		return fmt.Errorf("array %q: rebuild %v: %w", a.Name(), dev, err)
	}
	dev.SetState(arraydev.StateNormal)
	dlog.Infof(ctx, "device %v rebuilt: array is %v", dev, a.State())
	return nil
}
