// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package venv provisions the per-environment virtualenvs that wheelwright runs
// commands in.
package venv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/wheelwright/pkg/python"
)

// A Spec is everything that determines a venv's contents, other than the project's
// own package (which reinstalls every run and so doesn't belong to the venv's
// identity).
type Spec struct {
	// Python is the base interpreter the venv is created from.
	Python python.Interpreter
	// Deps are pip requirement strings installed into the venv.
	Deps []string
	// Requirements are pip requirement files (-r) installed into the venv.
	Requirements []string
	// Env is the complete environment for provisioning subprocesses; nil means
	// inherit.
	Env []string
}

// A Venv is a provisioned virtualenv.
type Venv struct {
	Dir string
}

// stampName is the provisioning stamp inside a venv.  It records the Spec the venv
// was built from so an unchanged environment doesn't get rebuilt every run.
const stampName = ".provision.json"

// Requirement files stamp by content, not by mtime; editing a requirements file
// must invalidate the venv.
type stamp struct {
	PythonExe     string            `json:"python_exe"`
	PythonVersion string            `json:"python_version"`
	Deps          []string          `json:"deps,omitempty"`
	Requirements  map[string]string `json:"requirements,omitempty"`
}

// Provision ensures dir holds a venv matching spec, creating or recreating it as
// needed, and returns it.  With recreate set, any existing venv is thrown away
// unconditionally.
func Provision(ctx context.Context, dir string, spec Spec, recreate bool) (*Venv, error) {
	want, err := computeStamp(ctx, spec)
	if err != nil {
		return nil, err
	}

	venv := &Venv{Dir: dir}
	if !recreate {
		if have, err := readStamp(dir); err == nil && stampsEqual(have, want) {
			dlog.Debugf(ctx, "venv %s is up to date", dir)
			return venv, nil
		}
	}

	if _, err := os.Stat(dir); err == nil {
		dlog.Infof(ctx, "recreating venv %s", dir)
		if err := os.RemoveAll(dir); err != nil {
			return nil, err
		}
	} else {
		dlog.Infof(ctx, "creating venv %s", dir)
	}

	cmd := dexec.CommandContext(ctx, spec.Python.Exe, "-m", "venv", dir)
	cmd.Env = spec.Env
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("create venv %s: %w", dir, err)
	}

	if len(spec.Deps) > 0 || len(spec.Requirements) > 0 {
		args := []string{"-m", "pip", "install"}
		for _, req := range spec.Requirements {
			args = append(args, "-r", req)
		}
		args = append(args, spec.Deps...)
		cmd := dexec.CommandContext(ctx, venv.Python().Exe, args...)
		cmd.Env = spec.Env
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("install dependencies into %s: %w", dir, err)
		}
	}

	if err := writeStamp(dir, want); err != nil {
		return nil, err
	}
	return venv, nil
}

// BinDir returns the venv's scripts directory, which belongs at the front of PATH
// for everything run inside the venv.
func (v *Venv) BinDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(v.Dir, "Scripts")
	}
	return filepath.Join(v.Dir, "bin")
}

// Python returns the venv's own interpreter.
func (v *Venv) Python() python.Interpreter {
	exe := "python"
	if runtime.GOOS == "windows" {
		exe = "python.exe"
	}
	return python.Interpreter{
		Name: "python",
		Exe:  filepath.Join(v.BinDir(), exe),
	}
}

// LookPath resolves a command name inside the venv's bin directory, returning ""
// if the venv doesn't provide it.
func (v *Venv) LookPath(name string) string {
	candidate := filepath.Join(v.BinDir(), name)
	if info, err := os.Stat(candidate); err == nil && info.Mode().IsRegular() {
		return candidate
	}
	if runtime.GOOS == "windows" {
		if info, err := os.Stat(candidate + ".exe"); err == nil && info.Mode().IsRegular() {
			return candidate + ".exe"
		}
	}
	return ""
}

// InstallPackage installs an artifact (a wheel or sdist file) into the venv.  It
// always reinstalls; the project's own package changes between runs even when the
// venv's dependencies don't.
func (v *Venv) InstallPackage(ctx context.Context, artifact string, env []string) error {
	cmd := dexec.CommandContext(ctx, v.Python().Exe,
		"-m", "pip", "install", "--no-deps", "--force-reinstall", artifact)
	cmd.Env = env
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("install %s into %s: %w", filepath.Base(artifact), v.Dir, err)
	}
	return nil
}

func computeStamp(ctx context.Context, spec Spec) (*stamp, error) {
	info, err := spec.Python.Probe(ctx)
	if err != nil {
		return nil, err
	}
	st := &stamp{
		PythonExe:     spec.Python.Exe,
		PythonVersion: info.VersionInfo.String(),
		Deps:          append([]string(nil), spec.Deps...),
	}
	sort.Strings(st.Deps)
	if len(spec.Requirements) > 0 {
		st.Requirements = make(map[string]string, len(spec.Requirements))
		for _, req := range spec.Requirements {
			sum, err := fileSHA256(req)
			if err != nil {
				return nil, fmt.Errorf("requirements file: %w", err)
			}
			st.Requirements[req] = sum
		}
	}
	return st, nil
}

func stampsEqual(a, b *stamp) bool {
	aBytes, aErr := json.Marshal(a)
	bBytes, bErr := json.Marshal(b)
	return aErr == nil && bErr == nil && string(aBytes) == string(bBytes)
}

func readStamp(dir string) (*stamp, error) {
	content, err := os.ReadFile(filepath.Join(dir, stampName))
	if err != nil {
		return nil, err
	}
	var st stamp
	if err := json.Unmarshal(content, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func writeStamp(dir string, st *stamp) error {
	content, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, stampName), content, 0o666)
}

func fileSHA256(filename string) (string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
