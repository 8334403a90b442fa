// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package config loads, validates, and expands wheelwright.yaml.
package config

import (
	"github.com/datawire/wheelwright/pkg/dist"
)

// ConfigFileName is the name of the config file.
const ConfigFileName = "wheelwright.yaml"

// ConfigFileNameAlt is the alternate name of the config file.
const ConfigFileNameAlt = "wheelwright.yml"

// Config is a fully loaded wheelwright.yaml.
type Config struct {
	Project       Project                `yaml:"project,omitempty"`
	DefaultPython string                 `yaml:"default_python,omitempty"`
	EnvList       []string               `yaml:"env_list,omitempty"`
	Build         Build                  `yaml:"build,omitempty"`
	Environments  map[string]Environment `yaml:"environments"`
	Workdir       string                 `yaml:"workdir,omitempty"`

	// Path is the file the config was loaded from; empty for configs built in
	// memory.
	Path string `yaml:"-"`
	// Root is the directory project-relative paths resolve against: the config
	// file's directory, or the load directory when there is no file.
	Root string `yaml:"-"`
}

// Project identifies the Python project being built and tested.
type Project struct {
	// Name is the distribution name; when empty it is read from pyproject.toml's
	// [project].name, falling back to the root directory's basename.
	Name string `yaml:"name,omitempty"`
	// Source is the directory holding the Python source tree.
	Source string `yaml:"source,omitempty"`
	// DistDir is where built artifacts land.
	DistDir string `yaml:"dist_dir,omitempty"`
	// Pyproject optionally points at the pyproject.toml to read the name from.
	Pyproject string `yaml:"pyproject,omitempty"`
}

// Build configures how the project's own artifacts get built.
type Build struct {
	Via          dist.Via          `yaml:"via,omitempty"`
	Reproducible bool              `yaml:"reproducible,omitempty"`
	PassEnv      []string          `yaml:"passenv,omitempty"`
	SetEnv       map[string]string `yaml:"setenv,omitempty"`
}

// EnvType says what running an environment means.
type EnvType string

const (
	// EnvTypeCommands environments provision a venv and run their command list.
	EnvTypeCommands EnvType = "commands"
	// EnvTypeCheck environments build the project's artifacts and validate them.
	EnvTypeCheck EnvType = "check"
)

// InstallVia values select which artifact gets installed into an environment.
const (
	InstallViaWheel = "wheel"
	InstallViaSdist = "sdist"
)

// ArtifactKind values name what a check environment builds.
const (
	ArtifactSdist = "sdist"
	ArtifactWheel = "wheel"
)

// Environment is one runnable environment.
type Environment struct {
	Description string  `yaml:"description,omitempty"`
	Type        EnvType `yaml:"type,omitempty"`
	// Python names the interpreter, resolved through the interpreter registry
	// and then PATH; empty means the config-wide default_python.
	Python string `yaml:"python,omitempty"`
	// Needs lists environments that must succeed first.
	Needs []string `yaml:"needs,omitempty"`

	SkipInstall bool `yaml:"skip_install,omitempty"`
	// InstallVia is "wheel" or "sdist".
	InstallVia string `yaml:"install_via,omitempty"`

	Deps []string `yaml:"deps,omitempty"`
	// Requirements lists pip requirement files, relative to the config root.
	Requirements []string `yaml:"requirements,omitempty"`

	// EnvFile is a dotenv file whose values act as setenv defaults.
	EnvFile string            `yaml:"env_file,omitempty"`
	PassEnv []string          `yaml:"passenv,omitempty"`
	SetEnv  map[string]string `yaml:"setenv,omitempty"`

	Changedir          string   `yaml:"changedir,omitempty"`
	AllowlistExternals []string `yaml:"allowlist_externals,omitempty"`
	Commands           []string `yaml:"commands,omitempty"`

	// Check configures EnvTypeCheck environments and is ignored for others.
	Check Check `yaml:"check,omitempty"`
}

// Check configures an EnvTypeCheck environment.
type Check struct {
	// Artifacts lists what to build; empty defaults to both kinds.
	Artifacts []string `yaml:"artifacts,omitempty"`
	// Rebuild additionally builds a wheel from the built sdist in a scratch
	// directory, proving the sdist is complete.
	Rebuild bool `yaml:"rebuild,omitempty"`
	// Strict promotes check warnings to failures.
	Strict bool `yaml:"strict,omitempty"`
	// Index is a PEP 503 simple-index URL to consult for filename collisions.
	Index string `yaml:"index,omitempty"`
}

// ApplyDefaults fills the fields that default from config-wide settings.  Load does
// this itself; hand-built Configs (tests, the tox importer) should call it.
func (cfg *Config) ApplyDefaults() {
	if cfg.Project.Source == "" {
		cfg.Project.Source = "."
	}
	if cfg.Project.DistDir == "" {
		cfg.Project.DistDir = "dist"
	}
	if cfg.DefaultPython == "" {
		cfg.DefaultPython = "python3"
	}
	if cfg.Build.Via == "" {
		cfg.Build.Via = dist.ViaPip
	}
	for name, env := range cfg.Environments {
		if env.Type == "" {
			env.Type = EnvTypeCommands
		}
		if env.Python == "" {
			env.Python = cfg.DefaultPython
		}
		if env.InstallVia == "" {
			env.InstallVia = InstallViaWheel
		}
		if env.Type == EnvTypeCheck && len(env.Check.Artifacts) == 0 {
			env.Check.Artifacts = []string{ArtifactSdist, ArtifactWheel}
		}
		cfg.Environments[name] = env
	}
}
