// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/datawire/wheelwright/pkg/cliutil"
	"github.com/datawire/wheelwright/pkg/history"
)

func init() {
	var flags struct {
		Limit int
		Env   string
	}
	cmd := &cobra.Command{
		Use:   "history [flags]",
		Short: "Show recent runs and their per-environment results",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ws, err := openWorkspace(cfg)
			if err != nil {
				return err
			}
			db, err := history.Open(ctx, ws.HistoryDB())
			if err != nil {
				return err
			}
			defer func() {
				_ = db.Close()
			}()

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)

			if flags.Env != "" {
				results, err := db.ListEnvHistory(ctx, flags.Env, flags.Limit)
				if err != nil {
					return err
				}
				t.AppendHeader(table.Row{"RUN", "ENV", "STATUS", "EXIT", "DURATION", "DETAIL"})
				for _, res := range results {
					t.AppendRow(table.Row{
						shortID(res.RunID), res.EnvName, res.Status, res.ExitCode,
						res.Duration.Round(time.Millisecond), res.Detail,
					})
				}
				t.Render()
				return nil
			}

			runs, err := db.ListRuns(ctx, flags.Limit)
			if err != nil {
				return err
			}
			t.AppendHeader(table.Row{"RUN", "STARTED", "DURATION", "STATUS", "ARGV"})
			for _, run := range runs {
				duration := ""
				if !run.FinishedAt.IsZero() {
					duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
				}
				t.AppendRow(table.Row{
					shortID(run.ID),
					run.StartedAt.Local().Format(time.RFC3339),
					duration,
					run.Status,
					run.Argv,
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&flags.Limit, "limit", "n", 10, "How many entries to show")
	cmd.Flags().StringVar(&flags.Env, "env", "", "Show one environment's results across runs")

	argparser.AddCommand(cmd)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
