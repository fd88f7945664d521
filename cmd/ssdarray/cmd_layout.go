// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/ssdarray-ng/lib/array"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraypart"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/containers"
	"git.lukeshu.com/ssdarray-ng/lib/textui"
)

type partitionInfo struct {
	Type     string
	Raid     string
	State    string
	Devices  []string
	Physical arrayprim.Geometry
	Logical  arrayprim.Geometry
}

type layoutInfo struct {
	Name       string
	State      string
	Buffer     string                 `json:",omitempty"`
	Spares     containers.Set[string] `json:",omitempty"`
	Abnormal   containers.Set[string] `json:",omitempty"`
	Partitions []partitionInfo
}

func describePartition(part *arraypart.Partition) partitionInfo {
	ret := partitionInfo{
		Type:     part.Type().String(),
		Raid:     part.RaidType().String(),
		State:    part.GetRaidState().String(),
		Physical: part.PhysicalGeometry(),
		Logical:  part.LogicalGeometry(),
	}
	for _, dev := range part.Devices() {
		ret.Devices = append(ret.Devices, dev.Name())
	}
	return ret
}

func describeArray(arr *array.Array) layoutInfo {
	ret := layoutInfo{
		Name:     arr.Name(),
		State:    arr.State().String(),
		Spares:   make(containers.Set[string]),
		Abnormal: make(containers.Set[string]),
	}
	if buf := arr.Devices().Buffer(); buf != nil {
		ret.Buffer = buf.Name()
	}
	for _, dev := range arr.Devices().Snapshot() {
		if dev.Role() == arraydev.RoleSpare {
			ret.Spares.Insert(dev.Name())
		}
		if dev.State().Abnormal() {
			ret.Abnormal.Insert(dev.Name())
		}
	}
	for _, part := range arr.Layout().Partitions() {
		switch part := part.(type) {
		case *arraypart.Partition:
			ret.Partitions = append(ret.Partitions, describePartition(part))
		case *arraypart.NvmPartition:
			ret.Partitions = append(ret.Partitions, describePartition(part.Partition))
		}
	}
	return ret
}

func init() {
	commands = append(commands, subcommand{
		Command: cobra.Command{
			Use:   "layout",
			Short: "Print the partition layout of the array as JSON",
			Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),
		},
		RunE: func(arr *array.Array, cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			for _, dev := range arr.Devices().Snapshot() {
				dlog.Debugf(ctx, "device %v: role=%v state=%v blocks=%v (%v)",
					dev, dev.Role(), dev.State(), textui.Humanized(dev.Blocks()),
					textui.IEC(dev.Blocks()*arrayprim.BlockSize, "B"))
			}
			if _, heterogeneous := arraydev.MinCapacity(arr.Devices().Data()); heterogeneous {
				dlog.Info(ctx, "data devices differ in capacity; the excess is unused")
			}
			return writeJSONFile(os.Stdout, describeArray(arr), prettyJSON)
		},
	})
}
