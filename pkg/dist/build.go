// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package dist

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datawire/dlib/dexec"

	"github.com/datawire/wheelwright/pkg/python"
	"github.com/datawire/wheelwright/pkg/reproducible"
)

// Via selects which Python build toolchain produces the artifacts.
type Via string

const (
	// ViaPip builds wheels with "pip wheel" and sdists with "setup.py sdist".
	ViaPip Via = "pip"
	// ViaSetupPy builds both artifact kinds by invoking setup.py directly.
	ViaSetupPy Via = "setuppy"
	// ViaBuild builds both artifact kinds with the PEP 517 "python -m build"
	// frontend.
	ViaBuild Via = "build"
)

func ParseVia(str string) (Via, error) {
	switch via := Via(str); via {
	case ViaPip, ViaSetupPy, ViaBuild:
		return via, nil
	default:
		return "", fmt.Errorf("invalid build toolchain: %q (must be one of pip, setuppy, or build)", str)
	}
}

// A Builder produces distribution artifacts from a Python source tree by driving the
// usual build subprocesses.
type Builder struct {
	// Python is the interpreter that drives the build tooling.  Its Exe should be
	// absolute; venv interpreters work fine.
	Python python.Interpreter
	// Source is the project directory, where setup.py or pyproject.toml live.
	Source string
	// DistDir is where finished artifacts land.
	DistDir string
	// Via selects the build toolchain; the zero value means ViaPip.
	Via Via
	// Env is the complete environment for build subprocesses; nil means inherit
	// this process's environment.
	Env []string
	// Reproducible adds SOURCE_DATE_EPOCH to the subprocess environment.  An
	// epoch already present in Env wins.
	Reproducible bool
}

// timestampSlack papers over coarse filesystem mtime granularity when deciding
// whether an artifact was produced by the build that just ran.
const timestampSlack = 2 * time.Second

// BuildWheel builds a wheel into DistDir and returns its path.
func (b *Builder) BuildWheel(ctx context.Context) (string, error) {
	start := time.Now().Add(-timestampSlack)
	distDir, err := filepath.Abs(b.DistDir)
	if err != nil {
		return "", err
	}

	switch b.Via {
	case ViaSetupPy:
		err = b.run(ctx, b.Source, "setup.py", "bdist_wheel", "--dist-dir", distDir)
	case ViaBuild:
		err = b.run(ctx, "", "-m", "build", "--wheel", "--outdir", distDir, b.Source)
	default:
		err = b.run(ctx, "", "-m", "pip", "wheel", "--no-deps", "--wheel-dir", distDir, b.Source)
	}
	if err != nil {
		return "", fmt.Errorf("build wheel: %w", err)
	}

	return newestMatch(distDir, "*.whl", start)
}

// BuildSdist builds an sdist into DistDir and returns its path.  pip has no sdist
// mode, so ViaPip falls back to setup.py for this artifact kind.
func (b *Builder) BuildSdist(ctx context.Context) (string, error) {
	start := time.Now().Add(-timestampSlack)
	distDir, err := filepath.Abs(b.DistDir)
	if err != nil {
		return "", err
	}

	switch b.Via {
	case ViaBuild:
		err = b.run(ctx, "", "-m", "build", "--sdist", "--outdir", distDir, b.Source)
	default:
		err = b.run(ctx, b.Source, "setup.py", "sdist", "--dist-dir", distDir)
	}
	if err != nil {
		return "", fmt.Errorf("build sdist: %w", err)
	}

	return newestMatch(distDir, "*.tar.gz", start)
}

// Rebuild builds a wheel from an already-built sdist into scratchDir, proving that
// the sdist actually contains everything a from-source install needs.
func (b *Builder) Rebuild(ctx context.Context, sdistFile, scratchDir string) (string, error) {
	start := time.Now().Add(-timestampSlack)
	scratchDir, err := filepath.Abs(scratchDir)
	if err != nil {
		return "", err
	}

	if err := b.run(ctx, "", "-m", "pip", "wheel", "--no-deps", "--wheel-dir", scratchDir, sdistFile); err != nil {
		return "", fmt.Errorf("rebuild from sdist: %w", err)
	}

	return newestMatch(scratchDir, "*.whl", start)
}

func (b *Builder) run(ctx context.Context, dir string, args ...string) error {
	cmd := dexec.CommandContext(ctx, b.Python.Exe, args...)
	cmd.Dir = dir
	cmd.Env = b.environ()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %s: %w", b.Python.Exe, strings.Join(args, " "), err)
	}
	return nil
}

func (b *Builder) environ() []string {
	env := b.Env
	if env == nil {
		env = os.Environ()
	}
	if !b.Reproducible {
		return env
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "SOURCE_DATE_EPOCH=") {
			return env
		}
	}
	return append(env[:len(env):len(env)], "SOURCE_DATE_EPOCH="+reproducible.Epoch())
}

// newestMatch locates the artifact a build just produced: the newest file in dir
// matching pattern, ignoring anything that predates the build.
func newestMatch(dir, pattern string, since time.Time) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}
	var best string
	var bestTime time.Time
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.ModTime().Before(since) {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = match, info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("build did not produce a %s file in %s", pattern, dir)
	}
	return best, nil
}
