// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/spf13/cobra"

	"github.com/datawire/wheelwright/pkg/config"
	"github.com/datawire/wheelwright/pkg/python"
	"github.com/datawire/wheelwright/pkg/workspace"
)

// loadConfig loads and validates the project config per the root flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Context(), config.LoadOptions{
		Path:  rootFlags.ConfigFile,
		Flags: cmd.Root().PersistentFlags(),
	})
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	return workspace.Open(cfg.Workdir)
}

// loadRegistry loads the --interpreters registry, or nil for plain PATH lookup.
func loadRegistry() (python.InterpreterRegistry, error) {
	if rootFlags.Interpreters == "" {
		return nil, nil
	}
	return python.LoadInterpreterRegistry(rootFlags.Interpreters)
}
