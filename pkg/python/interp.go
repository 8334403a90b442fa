// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package python holds the Python-side vocabulary that the rest of wheelwright
// builds on: interpreter discovery and probing, hashlib-compatible digest
// registries, and a configparser-compatible INI reader.
package python

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/datawire/dlib/dexec"
	"sigs.k8s.io/yaml"

	"github.com/datawire/wheelwright/pkg/python/pep440"
)

// VersionInfo mirrors Python's sys.version_info.
type VersionInfo struct {
	Major        int    `json:"major"`
	Minor        int    `json:"minor"`
	Micro        int    `json:"micro"`
	ReleaseLevel string `json:"releaselevel"` // 'alpha', 'beta', 'candidate', or 'final'
	Serial       int    `json:"serial"`
}

func (vi VersionInfo) PEP440() (*pep440.Version, error) {
	var ret pep440.Version
	ret.Release = []int{vi.Major, vi.Minor, vi.Micro}
	switch vi.ReleaseLevel {
	case "alpha":
		ret.Pre = &pep440.PreRelease{Phase: "a", N: vi.Serial}
	case "beta":
		ret.Pre = &pep440.PreRelease{Phase: "b", N: vi.Serial}
	case "candidate":
		ret.Pre = &pep440.PreRelease{Phase: "rc", N: vi.Serial}
	case "final":
		ret.Pre = nil
	default:
		return nil, fmt.Errorf("invalid version_info.releaselevel: %q", vi.ReleaseLevel)
	}
	return &ret, nil
}

func (vi VersionInfo) String() string {
	return fmt.Sprintf("%d.%d.%d", vi.Major, vi.Minor, vi.Micro)
}

// An Interpreter is a resolved Python executable.
type Interpreter struct {
	// Name is the interpreter name as it appeared in configuration
	// ("python3.11", "pypy3").
	Name string
	// Exe is the absolute path it resolved to.
	Exe string
}

// InterpreterRegistry maps interpreter names to executable paths, overriding PATH
// lookup; on disk it is a YAML mapping.  A nil registry is valid and resolves
// everything through PATH.
type InterpreterRegistry map[string]string

// LoadInterpreterRegistry reads a registry file.  Anything in the file that isn't a
// name-to-path mapping is an error, not silently ignored.
func LoadInterpreterRegistry(filename string) (InterpreterRegistry, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var reg InterpreterRegistry
	if err := yaml.Unmarshal(content, &reg, yaml.DisallowUnknownFields); err != nil {
		return nil, fmt.Errorf("interpreter registry %q: %w", filename, err)
	}
	return reg, nil
}

// Resolve resolves an interpreter name to an executable: a registry entry wins,
// then PATH lookup.  A name or registry entry containing a path separator skips
// PATH and is checked directly.
func (reg InterpreterRegistry) Resolve(name string) (*Interpreter, error) {
	target := name
	if mapped, ok := reg[name]; ok {
		target = mapped
	}
	exe, err := dexec.LookPath(target)
	if err != nil {
		return nil, fmt.Errorf("interpreter %q: %w", name, err)
	}
	exe, err = filepath.Abs(exe)
	if err != nil {
		return nil, err
	}
	return &Interpreter{Name: name, Exe: exe}, nil
}

// Info is what Probe learns about an interpreter by running it.
type Info struct {
	Executable     string      `json:"Executable"`
	Prefix         string      `json:"Prefix"`
	Implementation string      `json:"Implementation"`
	VersionInfo    VersionInfo `json:"VersionInfo"`
}

// Probe runs the interpreter to learn what it actually is.  The subprocess is the
// sole source of truth; nothing is guessed from the executable's filename.
func (py Interpreter) Probe(ctx context.Context) (*Info, error) {
	cmd := dexec.CommandContext(ctx, py.Exe, "-c", `
import json
import sys

version_info_slots = ['major', 'minor', 'micro', 'releaselevel', 'serial']

json.dump({
  "Executable": sys.executable,
  "Prefix": sys.prefix,
  "Implementation": sys.implementation.name,
  "VersionInfo": {slot: getattr(sys.version_info, slot) for slot in version_info_slots},
}, sys.stdout)
`)
	cmd.DisableLogging = true
	bs, err := cmd.Output()
	if err != nil {
		var exitErr *dexec.ExitError
		if errors.As(err, &exitErr) {
			err = fmt.Errorf("%w:\n > %s", err,
				strings.Join(strings.Split(string(exitErr.Stderr), "\n"), "\n > "))
		}
		return nil, fmt.Errorf("probing %s: %w", py.Exe, err)
	}
	var info Info
	if err := json.Unmarshal(bs, &info); err != nil {
		return nil, fmt.Errorf("probing %s: %w", py.Exe, err)
	}
	return &info, nil
}
