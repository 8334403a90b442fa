// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/datawire/wheelwright/pkg/cliutil"
)

func init() {
	var flags struct {
		Verbose bool
	}
	cmd := &cobra.Command{
		Use:   "list [flags]",
		Short: "List the configured environments",
		Args:  cliutil.WrapPositionalArgs(cobra.NoArgs),

		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			inEnvList := make(map[string]bool, len(cfg.EnvList))
			for _, name := range cfg.EnvList {
				inEnvList[name] = true
			}
			names := make([]string, 0, len(cfg.Environments))
			for name := range cfg.Environments {
				names = append(names, name)
			}
			sort.Strings(names)

			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			header := table.Row{"NAME", "TYPE", "PYTHON", "DEFAULT", "DEPS", "DESCRIPTION"}
			if flags.Verbose {
				header = append(header, "PASSENV", "SETENV")
			}
			t.AppendHeader(header)
			for _, name := range names {
				env := cfg.Environments[name]
				deps := strings.Join(env.Deps, ", ")
				for _, req := range env.Requirements {
					if deps != "" {
						deps += ", "
					}
					deps += "-r " + req
				}
				row := table.Row{name, string(env.Type), env.Python, yesNo(inEnvList[name]), deps, env.Description}
				if flags.Verbose {
					setenv := make([]string, 0, len(env.SetEnv))
					for key, val := range env.SetEnv {
						setenv = append(setenv, key+"="+val)
					}
					sort.Strings(setenv)
					row = append(row, strings.Join(env.PassEnv, ", "), strings.Join(setenv, ", "))
				}
				t.AppendRow(row)
			}
			t.Render()

			fmt.Fprintf(os.Stdout, "default env_list: %s\n", strings.Join(cfg.EnvList, ", "))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&flags.Verbose, "verbose", "v", false,
		"Also show passenv and setenv detail")

	argparser.AddCommand(cmd)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
