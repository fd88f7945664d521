// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayprim

import (
	"fmt"
	"strings"
)

type RaidType uint8

const (
	RaidNone = RaidType(iota)
	Raid0
	Raid1
	Raid5
	Raid6
	Raid10
)

var raidTypeNames = []string{
	"NONE",
	"RAID0",
	"RAID1",
	"RAID5",
	"RAID6",
	"RAID10",
}

func (t RaidType) String() string {
	if int(t) < len(raidTypeNames) {
		return raidTypeNames[t]
	}
	return fmt.Sprintf("RaidType(%d)", uint8(t))
}

// Redundant reports whether the RAID type can survive a device
// fault.
func (t RaidType) Redundant() bool {
	switch t {
	case Raid1, Raid5, Raid6, Raid10:
		return true
	default:
		return false
	}
}

func ParseRaidType(str string) (RaidType, error) {
	for i, name := range raidTypeNames {
		if strings.EqualFold(str, name) {
			return RaidType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedRaid, str)
}

type PartitionType uint8

const (
	PartMetaNVM = PartitionType(iota)
	PartWriteBuffer
	PartJournalSSD
	PartMetaSSD
	PartUserData
)

// PartitionTypes lists every partition type in layout order.
var PartitionTypes = []PartitionType{
	PartJournalSSD,
	PartMetaSSD,
	PartUserData,
	PartMetaNVM,
	PartWriteBuffer,
}

var partitionTypeNames = []string{
	"META_NVM",
	"WRITE_BUFFER",
	"JOURNAL_SSD",
	"META_SSD",
	"USER_DATA",
}

func (t PartitionType) String() string {
	if int(t) < len(partitionTypeNames) {
		return partitionTypeNames[t]
	}
	return fmt.Sprintf("PartitionType(%d)", uint8(t))
}

func (t PartitionType) IsNVM() bool {
	return t == PartMetaNVM || t == PartWriteBuffer
}

func ParsePartitionType(str string) (PartitionType, error) {
	for i, name := range partitionTypeNames {
		if strings.EqualFold(str, name) {
			return PartitionType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown partition type: %q", str)
}

// RaidState is ordered: a larger value is a worse state.
type RaidState uint8

const (
	RaidStateNormal = RaidState(iota)
	RaidStateDegraded
	RaidStateFailure
)

func (s RaidState) String() string {
	switch s {
	case RaidStateNormal:
		return "NORMAL"
	case RaidStateDegraded:
		return "DEGRADED"
	case RaidStateFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("RaidState(%d)", uint8(s))
	}
}

// Worse returns whichever of the two states is worse.
func (s RaidState) Worse(o RaidState) RaidState {
	if o > s {
		return o
	}
	return s
}
