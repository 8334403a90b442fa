// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datawire/wheelwright/pkg/cliutil"
	"github.com/datawire/wheelwright/pkg/dist"
	"github.com/datawire/wheelwright/pkg/python/pep503"
)

func init() {
	var flags struct {
		Strict bool
		Index  string
	}
	cmd := &cobra.Command{
		Use:   "check [flags] DIST...",
		Short: "Validate built wheels and sdists",
		Long: "Validate distribution artifacts the way an index would at upload " +
			"time: filename conventions, wheel RECORD integrity, core metadata " +
			"completeness, and long-description renderability.  With --index, " +
			"additionally fail if the index already has a file by the same name.",
		Args: cliutil.WrapPositionalArgs(cobra.MinimumNArgs(1)),

		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			checker := &dist.Checker{}
			if flags.Index != "" {
				checker.Index = &pep503.Client{BaseURL: flags.Index}
			}

			var failed []string
			for _, filename := range args {
				report, err := checker.Check(ctx, filename)
				if err != nil {
					return err
				}
				status := "PASSED"
				if !report.OK(flags.Strict) {
					status = "FAILED"
					failed = append(failed, filename)
				} else if len(report.Warnings) > 0 {
					status = "PASSED with warnings"
				}
				fmt.Fprintf(out, "Checking %s: %s\n", filename, status)
				for _, problem := range report.Errors {
					fmt.Fprintf(out, "  error: %s\n", problem)
				}
				for _, warning := range report.Warnings {
					fmt.Fprintf(out, "  warning: %s\n", warning)
				}
			}

			if len(failed) > 0 {
				return fmt.Errorf("%d artifact(s) failed checks: %s", len(failed), strings.Join(failed, ", "))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&flags.Strict, "strict", false, "Treat warnings as failures")
	cmd.Flags().StringVar(&flags.Index, "index", "",
		"PEP 503 simple-index URL to consult for filename collisions")

	argparser.AddCommand(cmd)
}
