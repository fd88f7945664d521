// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arraydev

import (
	"errors"
)

var (
	ErrNotFound       = errors.New("device not found")
	ErrNoSpare        = errors.New("no spare available")
	ErrNameCollision  = errors.New("a device with that name already exists")
	ErrBufferExists   = errors.New("a primary buffer device already exists")
	ErrNoBacking      = errors.New("device has no backing store")
	ErrInvalidRole    = errors.New("invalid device role")
	ErrAlreadyClaimed = errors.New("device is owned by another array")
)
