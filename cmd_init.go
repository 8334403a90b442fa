// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/datawire/wheelwright/pkg/cliutil"
	"github.com/datawire/wheelwright/pkg/config"
)

// starterConfig models a scientific Python library with a Rust-built native
// extension: unit tests and doctests, lint, format, docs, and packaging checks.
const starterConfig = `project:
  name: tensorkit
  source: python
  dist_dir: dist
default_python: python3
env_list: [tests, lint, docs]
build:
  via: pip
  passenv: [TENSORKIT_BUILD_TYPE, "RUST*", "CARGO*"]
environments:
  tests:
    description: unit tests and doctests
    deps: [pytest]
    passenv: [TENSORKIT_BUILD_TYPE, "RUST*", "CARGO*"]
    commands:
      - pytest {source}/tests {posargs}
      - pytest --doctest-modules --pyargs tensorkit
  lint:
    description: static style checks
    skip_install: true
    deps: [flake8]
    commands:
      - flake8 {source}
  format:
    description: formatters, in check mode
    skip_install: true
    deps: [black, isort]
    commands:
      - black --check --diff {source}
      - isort --check-only --diff {source}
  docs:
    description: documentation build
    requirements: [docs/requirements.txt]
    passenv: [TENSORKIT_BUILD_TYPE, "RUST*", "CARGO*"]
    commands:
      - sphinx-build -W docs/src docs/build/html
  checkbuild:
    description: packaging checks
    type: check
    passenv: [TENSORKIT_BUILD_TYPE, "RUST*", "CARGO*"]
    check:
      artifacts: [sdist, wheel]
      rebuild: true
`

func init() {
	var flags struct {
		FromTox string
	}
	cmd := &cobra.Command{
		Use:   "init [flags]",
		Short: "Write a starter wheelwright.yaml",
		Long: "Write a starter wheelwright.yaml into the current directory.  With " +
			"--from-tox, translate an existing tox.ini instead of using the " +
			"built-in template.",
		Args: cliutil.WrapPositionalArgs(cobra.NoArgs),

		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := os.Stat(config.ConfigFileName); err == nil {
				return fmt.Errorf("%s already exists", config.ConfigFileName)
			}

			content := []byte(starterConfig)
			if flags.FromTox != "" {
				toxFile, err := os.Open(flags.FromTox)
				if err != nil {
					return err
				}
				cfg, err := config.FromTox(toxFile)
				_ = toxFile.Close()
				if err != nil {
					return err
				}
				content, err = yaml.Marshal(cfg)
				if err != nil {
					return err
				}
			}

			if err := os.WriteFile(config.ConfigFileName, content, 0o666); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", config.ConfigFileName)
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.FromTox, "from-tox", "", "Translate an existing tox.ini")

	argparser.AddCommand(cmd)
}
