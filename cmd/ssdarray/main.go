// Copyright (C) 2022-2024  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Command ssdarray inspects and simulates SSD arrays backed by image
// files.
package main

import (
	"context"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/ocibuild/pkg/cliutil"
	"github.com/spf13/cobra"

	"git.lukeshu.com/ssdarray-ng/lib/array"
	"git.lukeshu.com/ssdarray-ng/lib/profile"
	"git.lukeshu.com/ssdarray-ng/lib/textui"
)

type subcommand struct {
	cobra.Command
	RunE func(*array.Array, *cobra.Command, []string) error
}

var commands, inspectors []subcommand

// configFlag is the --config file, for subcommands that write an
// updated copy.
var configFlag string

func main() {
	logLevelFlag := textui.LogLevelFlag{
		Level: dlog.LogLevelInfo,
	}

	argparser := &cobra.Command{
		Use:   "ssdarray {[flags]|SUBCOMMAND}",
		Short: "Inspect and simulate an SSD array made of image files",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,

		SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
		SilenceUsage:  true, // our FlagErrorFunc will handle it

		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)
	argparser.PersistentFlags().Var(&logLevelFlag, "verbosity", "set the verbosity")
	stopProfiling := profile.AddProfileFlags(argparser.PersistentFlags(), "profile.")
	argparser.PersistentFlags().StringVar(&configFlag, "config", "", "load the array description from the JSON file `array.json`")
	if err := argparser.MarkPersistentFlagFilename("config"); err != nil {
		panic(err)
	}
	if err := argparser.MarkPersistentFlagRequired("config"); err != nil {
		panic(err)
	}

	argparserInspect := &cobra.Command{
		Use:   "inspect {[flags]|SUBCOMMAND}",
		Short: "Inspect (but don't modify) an array",

		Args: cliutil.WrapPositionalArgs(cliutil.OnlySubcommands),
		RunE: cliutil.RunSubcommands,
	}
	argparser.AddCommand(argparserInspect)

	for _, cmdgrp := range []struct {
		parent   *cobra.Command
		children []subcommand
	}{
		{argparser, commands},
		{argparserInspect, inspectors},
	} {
		for _, child := range cmdgrp.children {
			cmd := child.Command
			runE := child.RunE
			cmd.RunE = func(cmd *cobra.Command, args []string) error {
				ctx := cmd.Context()
				logger := textui.NewLogger(os.Stderr, logLevelFlag.Level)
				ctx = dlog.WithLogger(ctx, logger)
				ctx = dlog.WithField(ctx, "mem", new(textui.LiveMemUse))
				dlog.SetFallbackLogger(logger.WithField("ssdarray.THIS_IS_A_BUG", true))

				grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
					EnableSignalHandling: true,
				})
				grp.Go("main", func(ctx context.Context) (err error) {
					maybeSetErr := func(_err error) {
						if _err != nil && err == nil {
							err = _err
						}
					}
					cfg, err := readJSONFile[arrayConfig](ctx, configFlag)
					if err != nil {
						return err
					}
					arr, closeFiles, err := cfg.Open(ctx)
					if err != nil {
						return err
					}
					defer func() {
						maybeSetErr(closeFiles())
					}()
					defer func() {
						maybeSetErr(arr.Unmount())
					}()

					cmd.SetContext(ctx)
					return runE(arr, cmd, args)
				})
				return grp.Wait()
			}
			cmdgrp.parent.AddCommand(&cmd)
		}
	}

	err := argparser.ExecuteContext(context.Background())
	if perr := stopProfiling(); err == nil {
		err = perr
	}
	if err != nil {
		textui.Fprintf(os.Stderr, "%v: error: %v\n", argparser.CommandPath(), err)
		os.Exit(1)
	}
}
