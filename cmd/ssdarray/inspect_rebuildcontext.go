// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"git.lukeshu.com/ssdarray-ng/lib/array"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraydev"
	"git.lukeshu.com/ssdarray-ng/lib/textui"
)

func init() {
	inspectors = append(inspectors, subcommand{
		Command: cobra.Command{
			Use:   "rebuild-context DEVICE",
			Short: "Dump the rebuild work that a fault of DEVICE would produce",
			Long: "" +
				"Dump the rebuild work that a fault of DEVICE would produce.\n" +
				"\n" +
				"The fault is only simulated in memory; no spare is swapped\n" +
				"in and nothing is written.",
			Args: cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(arr *array.Array, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dev, err := lookupDevice(arr, args[0])
			if err != nil {
				return err
			}
			dev.SetState(arraydev.StateFault)
			dlog.Infof(ctx, "with %v faulted, the array is %v", dev, arr.State())

			spew := spew.NewDefaultConfig()
			spew.DisablePointerAddresses = true
			spew.DisableMethods = true
			spew.MaxDepth = 2

			for _, rc := range arr.Services().GetRebuildContexts(dev) {
				textui.Fprintf(os.Stdout, "%v = ", rc.PartitionType)
				spew.Dump(rc)
				_, _ = os.Stdout.WriteString("\n")
			}
			return nil
		},
	})
}
