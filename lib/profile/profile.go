// Copyright (C) 2023-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package profile writes Go runtime profiles of a CLI run, selected
// by command-line flags.
package profile

import (
	"fmt"
	"io"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/datawire/dlib/derror"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type StopFunc = func() error

type startFunc = func(io.Writer) (StopFunc, error)

// CPU starts a CPU profile.
func CPU(w io.Writer) (StopFunc, error) {
	if err := pprof.StartCPUProfile(w); err != nil {
		return nil, err
	}
	return func() error {
		pprof.StopCPUProfile()
		return nil
	}, nil
}

// Trace starts an execution trace.
func Trace(w io.Writer) (StopFunc, error) {
	if err := trace.Start(w); err != nil {
		return nil, err
	}
	return func() error {
		trace.Stop()
		return nil
	}, nil
}

// Named arranges for the named runtime/pprof profile to be written
// at shutdown.
func Named(name string) startFunc {
	return func(w io.Writer) (StopFunc, error) {
		return func() error {
			prof := pprof.Lookup(name)
			if prof == nil {
				return fmt.Errorf("no profile named %q", name)
			}
			return prof.WriteTo(w, 0)
		}, nil
	}
}

type flagSet struct {
	stops []StopFunc
}

func (fs *flagSet) Stop() error {
	var errs derror.MultiError
	for i := len(fs.stops) - 1; i >= 0; i-- {
		if err := fs.stops[i](); err != nil {
			errs = append(errs, err)
		}
	}
	fs.stops = nil
	if len(errs) > 0 {
		return errs
	}
	return nil
}

type flagValue struct {
	parent   *flagSet
	start    startFunc
	filename string
}

var _ pflag.Value = (*flagValue)(nil)

func (fv *flagValue) String() string { return fv.filename }
func (*flagValue) Type() string      { return "filename" }

func (fv *flagValue) Set(filename string) error {
	if filename == "" {
		return nil
	}
	fh, err := os.Create(filename)
	if err != nil {
		return err
	}
	stop, err := fv.start(fh)
	if err != nil {
		_ = fh.Close()
		return err
	}
	fv.filename = filename
	fv.parent.stops = append(fv.parent.stops, func() error {
		err := stop()
		if cerr := fh.Close(); err == nil {
			err = cerr
		}
		return err
	})
	return nil
}

// AddProfileFlags adds a --<prefix>cpu, --<prefix>trace, and
// --<prefix>heap flag (and so on for the other runtime profiles), and
// returns the function that finishes writing whichever were given.
func AddProfileFlags(flags *pflag.FlagSet, prefix string) StopFunc {
	root := new(flagSet)
	add := func(name string, start startFunc, usage string) {
		flags.Var(&flagValue{parent: root, start: start}, prefix+name, usage)
		_ = cobra.MarkFlagFilename(flags, prefix+name)
	}
	add("cpu", CPU, "write a CPU profile to the file `cpu.pprof`")
	add("trace", Trace, "write an execution trace to the file `trace.out`")
	for _, name := range []string{"goroutine", "threadcreate", "heap", "allocs", "block", "mutex"} {
		add(name, Named(name), fmt.Sprintf("write a %s profile to the file `%s.pprof`", name, name))
	}
	return root.Stop
}
