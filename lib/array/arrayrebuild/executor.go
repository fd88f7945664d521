// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package arrayrebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/datawire/dlib/dlog"

	"git.lukeshu.com/ssdarray-ng/lib/array/arrayprim"
	"git.lukeshu.com/ssdarray-ng/lib/textui"
)

type rebuildStats struct {
	textui.Portion[uint32]
}

func (s rebuildStats) String() string {
	return textui.Sprintf("rebuilding: stripe %v", s.Portion)
}

// Execute is a simple rebuild executor: it reconstructs the faulted
// column of every stripe, one stripe at a time, and writes it to the
// device now in that column.
func Execute(ctx context.Context, rc *RebuildContext) error {
	ctx = dlog.WithField(ctx, "ssdarray.rebuild.partition", rc.PartitionType)
	ctx = dlog.WithField(ctx, "ssdarray.rebuild.device", rc.Device.Name())
	dlog.Infof(ctx, "%v", rc)
	progressWriter := textui.NewProgress[rebuildStats](ctx, dlog.LogLevelInfo, textui.Tunable(1*time.Second))
	defer progressWriter.Done()
	progress := func(done uint32) {
		progressWriter.Set(rebuildStats{
			Portion: textui.Portion[uint32]{N: done, D: rc.StripeCount},
		})
	}
	for s := uint32(0); s < rc.StripeCount; s++ {
		progress(s)
		if err := ctx.Err(); err != nil {
			return err
		}
		rm, err := rc.Plan(arrayprim.StripeID(s), rc.FaultIndex)
		if err != nil {
			return err
		}
		dat, err := rm.Reconstruct()
		if err != nil {
			return err
		}
		if _, err := rm.Target.Addr.Dev.WriteAt(dat, rm.Target.Addr.LBA); err != nil {
			return fmt.Errorf("write %v: %w", rm.Target, err)
		}
	}
	progress(rc.StripeCount)
	return nil
}
