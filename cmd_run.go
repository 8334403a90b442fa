// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/datawire/wheelwright/pkg/history"
	"github.com/datawire/wheelwright/pkg/runner"
)

func init() {
	var flags struct {
		Recreate  bool
		Parallel  int
		SkipBuild bool
	}
	cmd := &cobra.Command{
		Use:   "run [flags] [ENV...] [-- POSARGS...]",
		Short: "Run test environments",
		Long: "Run the named environments (default: the config's env_list) in " +
			"dependency order.  Each environment gets an isolated venv provisioned " +
			"from its declared dependencies; unless it opts out, the project's own " +
			"package is built once per run and installed into it.  Arguments after " +
			"`--` substitute {posargs} in the environments' commands.",
		Args: cobra.ArbitraryArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			envNames := args
			var posArgs []string
			if dash := cmd.ArgsLenAtDash(); dash >= 0 {
				envNames = args[:dash]
				posArgs = args[dash:]
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cfg)
			if err != nil {
				return err
			}
			registry, err := loadRegistry()
			if err != nil {
				return err
			}

			// History is best-effort; an unopenable database shouldn't
			// block a test run.
			db, err := history.Open(ctx, ws.HistoryDB())
			if err != nil {
				dlog.Warnf(ctx, "history: %v", err)
				db = nil
			} else {
				defer func() {
					_ = db.Close()
				}()
			}

			run := &runner.Runner{
				Config:    cfg,
				Workspace: ws,
				Registry:  registry,
				History:   db,
				PosArgs:   posArgs,
				Recreate:  flags.Recreate,
				Parallel:  flags.Parallel,
				SkipBuild: flags.SkipBuild,
			}
			results, err := run.Run(ctx, envNames)
			printSummary(results)
			return err
		},
	}
	cmd.Flags().BoolVar(&flags.Recreate, "recreate", false,
		"Throw existing venvs away instead of reusing them")
	cmd.Flags().IntVar(&flags.Parallel, "parallel", 0,
		"How many independent environments may run at once (0 = strictly sequential)")
	cmd.Flags().BoolVar(&flags.SkipBuild, "skip-build", false,
		"Reuse the newest artifacts already in the dist dir instead of building")

	argparser.AddCommand(cmd)
}

func printSummary(results []runner.Result) {
	if len(results) == 0 {
		return
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"ENV", "STATUS", "DURATION", "COMMANDS", "DETAIL"})
	for _, res := range results {
		t.AppendRow(table.Row{
			res.Env,
			string(res.Status),
			res.Duration.Round(time.Millisecond),
			res.Commands,
			res.Detail,
		})
	}
	t.Render()
}
