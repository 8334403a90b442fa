// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Command wheelwright runs declarative test environments for Python projects, and
// natively understands the wheels and sdists it builds along the way.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/datawire/wheelwright/pkg/cliutil"
)

var argparser = &cobra.Command{
	Use:   "wheelwright {[flags]|SUBCOMMAND...}",
	Short: "Run Python test environments and check the packages they build",

	Args: cliutil.OnlySubcommands,
	RunE: cliutil.RunSubcommands,

	SilenceErrors: true, // main() will handle this after .ExecuteContext() returns
	SilenceUsage:  true, // our FlagErrorFunc will handle it
}

// auxPreRun is set by the aux build's init.
//
//nolint:gochecknoglobals // build-tag plumbing
var auxPreRun func(*cobra.Command)

//nolint:gochecknoglobals // cobra flag plumbing
var rootFlags struct {
	ConfigFile   string
	LogLevel     string
	Workdir      string
	Interpreters string
}

func init() {
	argparser.SetFlagErrorFunc(cliutil.FlagErrorFunc)
	argparser.SetHelpTemplate(cliutil.HelpTemplate)

	argparser.PersistentFlags().StringVar(&rootFlags.ConfigFile, "config", "",
		"Config file to use instead of searching upward for wheelwright.yaml")
	argparser.PersistentFlags().StringVar(&rootFlags.LogLevel, "log-level", "info",
		"Maximum log level (error, warn, info, debug, trace)")
	argparser.PersistentFlags().StringVar(&rootFlags.Workdir, "workdir", "",
		"Workspace directory (default: .wheelwright beside the config file)")
	argparser.PersistentFlags().StringVar(&rootFlags.Interpreters, "interpreters", "",
		"YAML file mapping interpreter names to executables, consulted before PATH")
}

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	argparser.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		level, err := logrus.ParseLevel(rootFlags.LogLevel)
		if err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
		logger.SetLevel(level)
		if auxPreRun != nil {
			auxPreRun(cmd)
		}
		return nil
	}
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))

	if err := argparser.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(argparser.ErrOrStderr(), "%s: error: %v\n", argparser.CommandPath(), err)

		exitCode := 1
		var coded interface{ ExitCode() int }
		if errors.As(err, &coded) {
			exitCode = coded.ExitCode()
		}
		os.Exit(exitCode)
	}
}
