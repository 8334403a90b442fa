// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datawire/wheelwright/pkg/cliutil"
	"github.com/datawire/wheelwright/pkg/dist"
	"github.com/datawire/wheelwright/pkg/runner"
)

func init() {
	var flags struct {
		Sdist bool
		Wheel bool
		Via   string
	}
	cmd := &cobra.Command{
		Use:   "build [flags]",
		Short: "Build the project's distribution artifacts",
		Long: "Build the project's artifacts into the dist dir without running any " +
			"environment.  The default builds the wheel; --sdist and --wheel " +
			"select explicitly.",
		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if flags.Via != "" {
				via, err := dist.ParseVia(flags.Via)
				if err != nil {
					return err
				}
				cfg.Build.Via = via
			}
			registry, err := loadRegistry()
			if err != nil {
				return err
			}

			interp, err := registry.Resolve(cfg.DefaultPython)
			if err != nil {
				return err
			}
			buildEnv, err := runner.Environ(os.Environ(), cfg.Build.PassEnv, cfg.Build.SetEnv, "")
			if err != nil {
				return err
			}
			builder := &dist.Builder{
				Python:       *interp,
				Source:       cfg.Project.Source,
				DistDir:      cfg.Project.DistDir,
				Via:          cfg.Build.Via,
				Env:          buildEnv,
				Reproducible: cfg.Build.Reproducible,
			}

			if !flags.Sdist && !flags.Wheel {
				flags.Wheel = true
			}
			if flags.Sdist {
				file, err := builder.BuildSdist(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), file)
			}
			if flags.Wheel {
				file, err := builder.BuildWheel(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), file)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Sdist, "sdist", false, "Build the source distribution")
	cmd.Flags().BoolVar(&flags.Wheel, "wheel", false, "Build the wheel")
	cmd.Flags().StringVar(&flags.Via, "via", "", "Build toolchain (pip, setuppy, or build); overrides the config")

	argparser.AddCommand(cmd)
}
