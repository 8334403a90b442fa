// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package workspace manages the .wheelwright/ directory that lives beside a
// project's wheelwright.yaml: the venvs, the per-environment logs, the run
// history database, and scratch space.
package workspace

import (
	"os"
	"path/filepath"
)

// Workspace is an opened .wheelwright/ directory.
type Workspace struct {
	root string
}

// Open creates (if needed) and returns the workspace rooted at dir.
func Open(dir string) (*Workspace, error) {
	ws := &Workspace{root: dir}
	for _, sub := range []string{ws.EnvsDir(), ws.LogDir(), ws.tmpDir()} {
		if err := os.MkdirAll(sub, 0o777); err != nil {
			return nil, err
		}
	}
	return ws, nil
}

// Root returns the workspace directory itself.
func (ws *Workspace) Root() string { return ws.root }

// EnvsDir returns the directory holding all environment venvs.
func (ws *Workspace) EnvsDir() string { return filepath.Join(ws.root, "envs") }

// EnvDir returns the venv directory for one named environment.
func (ws *Workspace) EnvDir(name string) string { return filepath.Join(ws.EnvsDir(), name) }

// LogDir returns the directory where per-environment command output lands.
func (ws *Workspace) LogDir() string { return filepath.Join(ws.root, "logs") }

// LogFile returns the log file for one named environment.
func (ws *Workspace) LogFile(name string) string { return filepath.Join(ws.LogDir(), name+".log") }

// HistoryDB returns the path of the run-history database.
func (ws *Workspace) HistoryDB() string { return filepath.Join(ws.root, "history.db") }

func (ws *Workspace) tmpDir() string { return filepath.Join(ws.root, "tmp") }

// Scratch returns a fresh scratch directory under tmp/.  Callers own cleanup.
func (ws *Workspace) Scratch(prefix string) (string, error) {
	return os.MkdirTemp(ws.tmpDir(), prefix+".")
}
