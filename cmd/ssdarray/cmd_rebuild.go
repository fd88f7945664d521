// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/ssdarray-ng/lib/array"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
)

// updatedConfig returns cfg with the member images as they are after
// spare swaps: each data slot names its current backing file, and
// the spares that were consumed are gone.
func updatedConfig(cfg arrayConfig, arr *array.Array) arrayConfig {
	byFile := make(map[string]deviceConfig, len(cfg.Devices))
	for _, dc := range cfg.Devices {
		byFile[dc.File] = dc
	}
	ret := cfg
	ret.Devices = nil
	for _, dev := range arr.Devices().Snapshot() {
		dc := byFile[dev.Name()]
		dc.File = dev.Name()
		dc.Serial = dev.Serial()
		dc.Role = dev.Role().String()
		ret.Devices = append(ret.Devices, dc)
	}
	return ret
}

func init() {
	var configOut string
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "rebuild DEVICE",
			Short: "Fail a member device, swap in a spare, and rebuild onto it",
			Long: "" +
				"Fail a member device, swap in a spare, and rebuild onto it.\n" +
				"\n" +
				"DEVICE is the image file name of a data device, as given in\n" +
				"the array description.  Afterwards, the array description\n" +
				"no longer matches the images; use --write-config to save an\n" +
				"updated one.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(arr *array.Array, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dev, err := lookupDevice(arr, args[0])
			if err != nil {
				return err
			}
			if dev.Role() != arraydev.RoleData {
				dlog.Warnf(ctx, "device %v has role %v; nothing to rebuild", dev, dev.Role())
			}
			rcs, err := arr.HandleFault(ctx, dev)
			if err != nil {
				return err
			}
			for _, rc := range rcs {
				dlog.Infof(ctx, "%v", rc)
			}
			if err := arr.Rebuild(ctx, dev, rcs); err != nil {
				return err
			}
			if configOut != "" {
				return writeConfig(ctx, configOut, arr)
			}
			return nil
		},
	}
	cmd.Command.Flags().StringVar(&configOut, "write-config", "", "write the updated array description to `array.json`")
	if err := cmd.Command.MarkFlagFilename("write-config"); err != nil {
		panic(err)
	}
	commands = append(commands, cmd)
}

func writeConfig(ctx context.Context, filename string, arr *array.Array) (err error) {
	cfg, err := readJSONFile[arrayConfig](ctx, configFlag)
	if err != nil {
		return err
	}
	fh, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		if _err := fh.Close(); err == nil && _err != nil {
			err = _err
		}
	}()
	return writeJSONFile(fh, updatedConfig(cfg, arr), prettyJSON)
}
