// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/datawire/dlib/derror"

	"github.com/datawire/wheelwright/pkg/dist"
)

// placeholderNames is every {placeholder} that commands and changedir may use.
var placeholderNames = []string{
	"source", "dist", "envdir", "envbindir", "python", "project", "workdir",
}

// Validate checks everything about a Config that can be checked without touching
// the filesystem or running anything, and reports all the problems at once rather
// than making the user fix them one re-run at a time.
func (cfg *Config) Validate() error {
	var errs derror.MultiError

	if _, err := dist.ParseVia(string(cfg.Build.Via)); err != nil {
		errs = append(errs, fmt.Errorf("build.via: %w", err))
	}

	for _, name := range cfg.EnvList {
		if _, ok := cfg.Environments[name]; !ok {
			errs = append(errs, fmt.Errorf("env_list: no such environment: %q", name))
		}
	}

	for _, name := range sortedEnvNames(cfg.Environments) {
		env := cfg.Environments[name]
		p := func(format string, args ...any) {
			errs = append(errs, fmt.Errorf("environments.%s: %s", name, fmt.Sprintf(format, args...)))
		}

		switch env.Type {
		case EnvTypeCommands, EnvTypeCheck:
			// ok
		default:
			p("type: invalid type: %q (must be %q or %q)", env.Type, EnvTypeCommands, EnvTypeCheck)
		}
		switch env.InstallVia {
		case InstallViaWheel, InstallViaSdist:
			// ok
		default:
			p("install_via: invalid value: %q (must be %q or %q)", env.InstallVia, InstallViaWheel, InstallViaSdist)
		}
		for _, need := range env.Needs {
			if _, ok := cfg.Environments[need]; !ok {
				p("needs: no such environment: %q", need)
			}
		}
		if env.Type == EnvTypeCommands && len(env.Commands) == 0 {
			p("commands: environment has nothing to run")
		}
		for _, kind := range env.Check.Artifacts {
			switch kind {
			case ArtifactSdist, ArtifactWheel:
				// ok
			default:
				p("check.artifacts: invalid artifact kind: %q (must be %q or %q)", kind, ArtifactSdist, ArtifactWheel)
			}
		}

		// Catch bad placeholders at load time, not halfway through a run.
		dummy := dummyExpansion()
		if env.Changedir != "" {
			if _, err := dummy.ExpandString(env.Changedir); err != nil {
				p("changedir: %v", err)
			}
		}
		for i, command := range env.Commands {
			if _, err := dummy.ExpandCommand(command); err != nil {
				p("commands[%d]: %v", i, err)
			}
		}
	}

	if cycle := needsCycle(cfg.Environments); cycle != nil {
		errs = append(errs, fmt.Errorf("environments: dependency cycle: %s", strings.Join(cycle, " -> ")))
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func dummyExpansion() Expansion {
	values := make(map[string]string, len(placeholderNames))
	for _, name := range placeholderNames {
		values[name] = name
	}
	return Expansion{Values: values}
}

func sortedEnvNames(envs map[string]Environment) []string {
	names := make([]string, 0, len(envs))
	for name := range envs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// needsCycle looks for a cycle in the `needs` graph, returning the cycle's node
// names (first repeated at the end) or nil.
func needsCycle(envs map[string]Environment) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make(map[string]int, len(envs))
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		switch state[name] {
		case done:
			return false
		case onStack:
			start := 0
			for i, n := range stack {
				if n == name {
					start = i
					break
				}
			}
			cycle = append(append(cycle, stack[start:]...), name)
			return true
		}
		state[name] = onStack
		stack = append(stack, name)
		for _, need := range envs[name].Needs {
			if _, ok := envs[need]; !ok {
				continue // reported separately
			}
			if visit(need) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return false
	}

	for _, name := range sortedEnvNames(envs) {
		if visit(name) {
			return cycle
		}
	}
	return nil
}
