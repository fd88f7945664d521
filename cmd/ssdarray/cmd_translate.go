// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/ssdarray-ng/lib/array"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraypart"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/textui"
)

func parseUint32(name, arg string) (uint32, error) {
	n, err := strconv.ParseUint(arg, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return uint32(n), nil
}

func init() {
	var byteSize uint64
	cmd := subcommand{
		Command: cobra.Command{
			Use:   "translate PARTITION STRIPE OFFSET [BLOCKS]",
			Short: "Show where a logical address range lives on the devices",
			Long: "" +
				"Show where a logical address range lives on the devices.\n" +
				"\n" +
				"OFFSET and BLOCKS count blocks from the start of the logical\n" +
				"stripe.  With --bytes, OFFSET is a byte offset instead, and\n" +
				"PARTITION must be an NVM partition.",
			Args: cliutil.WrapPositionalArgs(cobra.RangeArgs(3, 4)),
		},
		RunE: func(arr *array.Array, _ *cobra.Command, args []string) error {
			typ, err := arrayprim.ParsePartitionType(args[0])
			if err != nil {
				return err
			}
			tr, ok := arr.Services().Translator(typ)
			if !ok {
				return fmt.Errorf("partition %v: not in this array", typ)
			}
			stripe, err := parseUint32("STRIPE", args[1])
			if err != nil {
				return err
			}

			if byteSize > 0 {
				nvm, ok := tr.(*arraypart.NvmPartition)
				if !ok {
					return fmt.Errorf("partition %v: byte addressing is only supported on NVM partitions", typ)
				}
				off, err := strconv.ParseUint(args[2], 0, 64)
				if err != nil {
					return fmt.Errorf("OFFSET: %w", err)
				}
				pba, err := nvm.ByteTranslate(arrayprim.LogicalByteAddr{
					StripeID:   arrayprim.StripeID(stripe),
					ByteOffset: off,
					ByteSize:   byteSize,
				})
				if err != nil {
					return err
				}
				textui.Fprintf(os.Stdout, "%s: bytes [%d, %d)\n", pba.Dev.Name(), pba.Offset, pba.Offset+pba.Size)
				return nil
			}

			off, err := parseUint32("OFFSET", args[2])
			if err != nil {
				return err
			}
			cnt := uint32(1)
			if len(args) > 3 {
				if cnt, err = parseUint32("BLOCKS", args[3]); err != nil {
					return err
				}
			}
			pes, err := tr.TranslateEntry(arrayprim.LogicalEntry{
				Addr:   arrayprim.LogicalAddr{StripeID: arrayprim.StripeID(stripe), Offset: off},
				BlkCnt: cnt,
			})
			if err != nil {
				return err
			}
			table := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintf(table, "DEVICE\tLBA\tBLOCKS\tSECTORS\n")
			for _, pe := range pes {
				fmt.Fprintf(table, "%s\t%v\t%d\t%d\n", pe.Addr.Dev.Name(), pe.Addr.LBA, pe.BlkCnt, pe.Sectors())
			}
			return table.Flush()
		},
	}
	cmd.Command.Flags().Uint64Var(&byteSize, "bytes", 0, "translate a byte range of `size` bytes on an NVM partition")
	commands = append(commands, cmd)
}
