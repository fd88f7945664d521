// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayprim

import (
	"errors"
)

// Configuration / geometry errors.
var (
	ErrUnsupportedRaid      = errors.New("unsupported RAID type")
	ErrTooFewDevices        = errors.New("not enough devices for RAID type")
	ErrInsufficientCapacity = errors.New("devices are too small for the layout")
)

// Resource errors.
var (
	ErrPoolAllocation = errors.New("buffer pool allocation failed")
)

// Address-range errors.
var (
	ErrInvalidAddress = errors.New("address out of range")
	ErrCrossesStripe  = errors.New("range crosses a stripe boundary")
	ErrPartialStripe  = errors.New("parity requires a full-stripe write")
	ErrBufferMismatch = errors.New("buffers do not match block count")
	ErrParityAddress  = errors.New("address holds parity, not data")
)

// Identity and rebuild errors.
var (
	ErrDeviceNotMember = errors.New("device is not a member of the partition")
	ErrInvalidLBA      = errors.New("invalid LBA for recovery")
	ErrNotRecoverable  = errors.New("too many abnormal devices to recover")
)
