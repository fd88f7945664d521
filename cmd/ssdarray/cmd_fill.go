// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/ssdarray-ng/lib/array"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraybuf"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraymethod"
	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/array/arraysvc"
	"git.lukeshu.com/ssdarray-ng/lib/textui"
)

type stripeStats struct {
	textui.Portion[uint32]
	Mismatches int
}

func (s stripeStats) String() string {
	if s.Mismatches > 0 {
		return textui.Sprintf("stripe %v, %d mismatched", s.Portion, s.Mismatches)
	}
	return textui.Sprintf("stripe %v", s.Portion)
}

// stripeData is the content that fill writes to a stripe, and that
// verify expects to find there.
func stripeData(seed int64, typ arrayprim.PartitionType, stripe arrayprim.StripeID, blocks uint32) []byte {
	dat := make([]byte, int(blocks)*arrayprim.BlockSize)
	rnd := rand.New(rand.NewSource(seed ^ int64(typ)<<32 ^ int64(stripe)))
	_, _ = rnd.Read(dat)
	return dat
}

func stripeCount(tr arraysvc.Translator, limit uint32) uint32 {
	n := tr.LogicalGeometry().TotalStripes()
	if limit > 0 && limit < n {
		n = limit
	}
	return n
}

func eachStripe(ctx context.Context, tr arraysvc.Translator, limit uint32, fn func(arrayprim.StripeID, *stripeStats) error) error {
	ctx = dlog.WithField(ctx, "ssdarray.layout.partition", tr.Type())
	n := stripeCount(tr, limit)
	progressWriter := textui.NewProgress[stripeStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()
	stats := stripeStats{Portion: textui.Portion[uint32]{D: n}}
	for s := uint32(0); s < n; s++ {
		stats.N = s
		progressWriter.Set(stats)
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(arrayprim.StripeID(s), &stats); err != nil {
			return err
		}
	}
	stats.N = n
	progressWriter.Set(stats)
	return nil
}

func fillStripe(tr arraysvc.Translator, stripe arrayprim.StripeID, dat []byte) error {
	writes, err := tr.Convert(arraymethod.LogicalWriteEntry{
		Addr:    arrayprim.LogicalAddr{StripeID: stripe},
		BlkCnt:  tr.LogicalGeometry().BlocksPerStripe(),
		Buffers: []arraybuf.BufferEntry{arraybuf.WholeEntry(arraybuf.NewMemory(dat))},
	})
	if err != nil {
		return err
	}
	defer func() {
		for _, w := range writes {
			arraybuf.Release(w.Buffers)
		}
	}()
	for _, w := range writes {
		lba := w.Addr.LBA
		for _, buf := range w.Buffers {
			if _, err := w.Addr.Dev.WriteAt(buf.Bytes(), lba); err != nil {
				return fmt.Errorf("write %v: %w", w.Entry(), err)
			}
			lba = lba.Add(arrayprim.BlockToLBA(uint64(buf.BlkCnt)))
		}
	}
	return nil
}

func readStripe(tr arraysvc.Translator, stripe arrayprim.StripeID) ([]byte, error) {
	pes, err := tr.TranslateEntry(arrayprim.LogicalEntry{
		Addr:   arrayprim.LogicalAddr{StripeID: stripe},
		BlkCnt: tr.LogicalGeometry().BlocksPerStripe(),
	})
	if err != nil {
		return nil, err
	}
	var ret []byte
	for _, pe := range pes {
		dat := make([]byte, int(pe.BlkCnt)*arrayprim.BlockSize)
		if _, err := pe.Addr.Dev.ReadAt(dat, pe.Addr.LBA); err != nil {
			return nil, fmt.Errorf("read %v: %w", pe, err)
		}
		ret = append(ret, dat...)
	}
	return ret, nil
}

func lookupTranslator(arr *array.Array, arg string) (arraysvc.Translator, error) {
	typ, err := arrayprim.ParsePartitionType(arg)
	if err != nil {
		return nil, err
	}
	tr, ok := arr.Services().Translator(typ)
	if !ok {
		return nil, fmt.Errorf("partition %v: not in this array", typ)
	}
	return tr, nil
}

func init() {
	var seed int64
	var limit uint32

	fill := subcommand{
		Command: cobra.Command{
			Use:   "fill PARTITION",
			Short: "Write pseudo-random full stripes (with parity) to a partition",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(arr *array.Array, cmd *cobra.Command, args []string) error {
			tr, err := lookupTranslator(arr, args[0])
			if err != nil {
				return err
			}
			bps := tr.LogicalGeometry().BlocksPerStripe()
			return eachStripe(cmd.Context(), tr, limit, func(s arrayprim.StripeID, _ *stripeStats) error {
				return fillStripe(tr, s, stripeData(seed, tr.Type(), s, bps))
			})
		},
	}
	fill.Command.Flags().Int64Var(&seed, "seed", 0, "seed for the pseudo-random data")
	fill.Command.Flags().Uint32Var(&limit, "stripes", 0, "only fill the first `n` stripes (0 for all)")

	verify := subcommand{
		Command: cobra.Command{
			Use:   "verify PARTITION",
			Short: "Check that a partition holds the data written by fill",
			Args:  cliutil.WrapPositionalArgs(cobra.ExactArgs(1)),
		},
		RunE: func(arr *array.Array, cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			tr, err := lookupTranslator(arr, args[0])
			if err != nil {
				return err
			}
			bps := tr.LogicalGeometry().BlocksPerStripe()
			var mismatches int
			err = eachStripe(ctx, tr, limit, func(s arrayprim.StripeID, stats *stripeStats) error {
				act, err := readStripe(tr, s)
				if err != nil {
					return err
				}
				if !bytes.Equal(act, stripeData(seed, tr.Type(), s, bps)) {
					dlog.Errorf(ctx, "stripe %d: mismatch", s)
					mismatches++
					stats.Mismatches = mismatches
				}
				return nil
			})
			if err != nil {
				return err
			}
			if mismatches > 0 {
				return fmt.Errorf("partition %v: %d stripes do not match", tr.Type(), mismatches)
			}
			return nil
		},
	}
	verify.Command.Flags().Int64Var(&seed, "seed", 0, "seed that fill was run with")
	verify.Command.Flags().Uint32Var(&limit, "stripes", 0, "only verify the first `n` stripes (0 for all)")

	commands = append(commands, fill, verify)
}
