// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package runner_test

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/wheelwright/pkg/config"
	"github.com/datawire/wheelwright/pkg/history"
	"github.com/datawire/wheelwright/pkg/python"
	"github.com/datawire/wheelwright/pkg/runner"
	"github.com/datawire/wheelwright/pkg/workspace"
)

// fakePython answers the interpreter probe, fakes `-m venv`, logs its pip traffic,
// and drops a wheel wherever `pip wheel` is pointed, well enough for the runner to
// build, provision, and install without a real Python.
const fakePythonScript = `#!/bin/sh
log() {
	if [ -n "$FAKE_LOG_DIR" ]; then
		printf 'python %s\n' "$*" >> "$FAKE_LOG_DIR/commands"
	fi
}
case "$1" in
	-c)
		printf '{"Executable":"%s","Prefix":"/fake","Implementation":"cpython","VersionInfo":{"major":3,"minor":11,"micro":4,"releaselevel":"final","serial":0}}' "$0"
		;;
	-m)
		case "$2" in
			venv)
				mkdir -p "$3/bin"
				cp "$0" "$3/bin/python"
				;;
			pip)
				log "$@"
				if [ "$3" = wheel ]; then
					out=''
					prev=''
					for arg in "$@"; do
						case "$prev" in
							--wheel-dir) out="$arg" ;;
						esac
						prev="$arg"
					done
					mkdir -p "$out"
					: > "$out/tensorkit-1.0-py3-none-any.whl"
				fi
				;;
		esac
		;;
esac
`

// fakeTool records its name and argv, and exits per $FAKE_EXIT.
const fakeToolScript = `#!/bin/sh
printf '%s %s\n' "$(basename "$0")" "$*" >> "$FAKE_LOG_DIR/commands"
exit "${FAKE_EXIT:-0}"
`

type fixture struct {
	Config    *config.Config
	Workspace *workspace.Workspace
	Registry  python.InterpreterRegistry
	LogDir    string
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.SkipNow()
	}

	binDir := t.TempDir()
	pythonExe := filepath.Join(binDir, "python3")
	require.NoError(t, os.WriteFile(pythonExe, []byte(fakePythonScript), 0o777))
	for _, tool := range []string{"pytest", "flake8"} {
		require.NoError(t, os.WriteFile(filepath.Join(binDir, tool), []byte(fakeToolScript), 0o777))
	}

	logDir := t.TempDir()
	t.Setenv("FAKE_LOG_DIR", logDir)
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	root := t.TempDir()
	cfg.Root = root
	cfg.Project.Name = "tensorkit"
	cfg.Project.Source = root
	cfg.Project.DistDir = filepath.Join(root, "dist")
	cfg.Workdir = filepath.Join(root, ".wheelwright")
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())

	ws, err := workspace.Open(cfg.Workdir)
	require.NoError(t, err)

	return &fixture{
		Config:    cfg,
		Workspace: ws,
		Registry:  python.InterpreterRegistry{"python3": pythonExe},
		LogDir:    logDir,
	}
}

func (f *fixture) commands(t *testing.T) []string {
	t.Helper()
	content, err := os.ReadFile(filepath.Join(f.LogDir, "commands"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(content), "\n"), "\n")
}

// toolCommands is the invocation log with the interpreter's own pip traffic
// filtered out, leaving just the configured tools.
func (f *fixture) toolCommands(t *testing.T) []string {
	t.Helper()
	var ret []string
	for _, line := range f.commands(t) {
		if !strings.HasPrefix(line, "python ") {
			ret = append(ret, line)
		}
	}
	return ret
}

// The env's passenv must reach its commands, and PATH must prefer the venv.
func TestRun(t *testing.T) {
	f := newFixture(t, &config.Config{
		EnvList: []string{"tests"},
		Environments: map[string]config.Environment{
			"lint": {
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Deps:        []string{"flake8"},
				Commands:    []string{"flake8 {source}"},
			},
			"tests": {
				Needs:       []string{"lint"},
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Deps:        []string{"pytest"},
				Commands:    []string{"pytest {source}/tests {posargs}"},
			},
		},
	})
	t.Setenv("FAKE_EXIT", "0")

	run := &runner.Runner{
		Config:    f.Config,
		Workspace: f.Workspace,
		Registry:  f.Registry,
		PosArgs:   []string{"-x"},
	}
	ctx := dlog.NewTestContext(t, false)
	results, err := run.Run(ctx, nil)
	require.NoError(t, err)

	require.Len(t, results, 2)
	// needs order: lint before tests
	assert.Equal(t, "lint", results[0].Env)
	assert.Equal(t, runner.StatusPassed, results[0].Status)
	assert.Equal(t, "tests", results[1].Env)
	assert.Equal(t, runner.StatusPassed, results[1].Status)
	assert.Equal(t, 1, results[1].Commands)

	commands := f.toolCommands(t)
	require.Len(t, commands, 2)
	assert.Equal(t, "flake8 "+f.Config.Project.Source, commands[0])
	assert.Equal(t, "pytest "+f.Config.Project.Source+"/tests -x", commands[1])

	// command output landed in the per-env log
	for _, env := range []string{"lint", "tests"} {
		_, err := os.Stat(f.Workspace.LogFile(env))
		assert.NoError(t, err)
	}
}

func TestRunFailureSkipsDependents(t *testing.T) {
	f := newFixture(t, &config.Config{
		EnvList: []string{"tests", "docs"},
		Environments: map[string]config.Environment{
			"lint": {
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Commands:    []string{"flake8 {source}"},
			},
			"tests": {
				Needs:       []string{"lint"},
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Commands:    []string{"pytest {source}/tests"},
			},
			"docs": {
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Commands:    []string{"pytest --collect-only {source}"},
			},
		},
	})
	t.Setenv("FAKE_EXIT", "3")

	run := &runner.Runner{
		Config:    f.Config,
		Workspace: f.Workspace,
		Registry:  f.Registry,
	}
	ctx := dlog.NewTestContext(t, false)
	results, err := run.Run(ctx, nil)

	var runErr *runner.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, 1, runErr.ExitCode())

	byName := make(map[string]runner.Result)
	for _, res := range results {
		byName[res.Env] = res
	}
	require.Len(t, byName, 3)
	assert.Equal(t, runner.StatusFailed, byName["lint"].Status)
	assert.Equal(t, 3, byName["lint"].ExitCode)
	assert.Equal(t, runner.StatusSkipped, byName["tests"].Status)
	assert.Equal(t, `needs lint, which did not pass`, byName["tests"].Detail)
	// docs doesn't depend on lint; it still runs (and fails on its own)
	assert.Equal(t, runner.StatusFailed, byName["docs"].Status)
	assert.ElementsMatch(t, []string{"lint", "docs"}, runErr.Failed)
}

func TestRunRecordsHistory(t *testing.T) {
	f := newFixture(t, &config.Config{
		EnvList: []string{"lint"},
		Environments: map[string]config.Environment{
			"lint": {
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Commands:    []string{"flake8 {source}"},
			},
		},
	})
	t.Setenv("FAKE_EXIT", "0")

	ctx := dlog.NewTestContext(t, false)
	db, err := history.Open(ctx, f.Workspace.HistoryDB())
	require.NoError(t, err)
	defer func() { assert.NoError(t, db.Close()) }()

	run := &runner.Runner{
		Config:    f.Config,
		Workspace: f.Workspace,
		Registry:  f.Registry,
		History:   db,
	}
	_, err = run.Run(ctx, nil)
	require.NoError(t, err)

	runs, err := db.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, history.StatusPassed, runs[0].Status)

	results, err := db.ListEnvResults(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "lint", results[0].EnvName)
	assert.Equal(t, history.EnvStatusPassed, results[0].Status)
}

func TestRunUnknownEnv(t *testing.T) {
	f := newFixture(t, &config.Config{
		Environments: map[string]config.Environment{
			"lint": {
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Commands:    []string{"flake8 {source}"},
			},
		},
	})
	run := &runner.Runner{
		Config:    f.Config,
		Workspace: f.Workspace,
		Registry:  f.Registry,
	}
	ctx := dlog.NewTestContext(t, false)
	_, err := run.Run(ctx, []string{"nonesuch"})
	assert.EqualError(t, err, `no such environment: "nonesuch"`)

	_, err = run.Run(ctx, nil)
	assert.EqualError(t, err, "nothing to run: no environments requested and no env_list configured")
}

// The wheel is built exactly once, and each installing environment gets it via
// `pip install --no-deps --force-reinstall` before its first command runs.
func TestRunBuildsAndInstalls(t *testing.T) {
	f := newFixture(t, &config.Config{
		EnvList: []string{"docs", "tests"},
		Build:   config.Build{PassEnv: []string{"FAKE_*"}},
		Environments: map[string]config.Environment{
			"docs": {
				PassEnv:  []string{"FAKE_*"},
				Commands: []string{"pytest --collect-only {source}"},
			},
			"tests": {
				PassEnv:  []string{"FAKE_*"},
				Deps:     []string{"pytest"},
				Commands: []string{"pytest {source}/tests", "{posargs}"},
			},
		},
	})
	t.Setenv("FAKE_EXIT", "0")

	run := &runner.Runner{
		Config:    f.Config,
		Workspace: f.Workspace,
		Registry:  f.Registry,
	}
	ctx := dlog.NewTestContext(t, false)
	results, err := run.Run(ctx, nil)
	require.NoError(t, err)

	require.Len(t, results, 2)
	assert.Equal(t, "docs", results[0].Env)
	assert.Equal(t, runner.StatusPassed, results[0].Status)
	assert.Equal(t, "tests", results[1].Env)
	assert.Equal(t, runner.StatusPassed, results[1].Status)
	// the trailing bare {posargs} still counts, it just ran nothing
	assert.Equal(t, 2, results[1].Commands)

	source := f.Config.Project.Source
	dist := f.Config.Project.DistDir
	wheel := filepath.Join(dist, "tensorkit-1.0-py3-none-any.whl")
	assert.Equal(t, []string{
		"python -m pip wheel --no-deps --wheel-dir " + dist + " " + source,
		"python -m pip install --no-deps --force-reinstall " + wheel,
		"pytest --collect-only " + source,
		"python -m pip install pytest",
		"python -m pip install --no-deps --force-reinstall " + wheel,
		"pytest " + source + "/tests",
	}, f.commands(t))
}

func TestRunCheckEnv(t *testing.T) {
	f := newFixture(t, &config.Config{
		EnvList: []string{"checkbuild"},
		Build:   config.Build{PassEnv: []string{"FAKE_*"}},
		Environments: map[string]config.Environment{
			"checkbuild": {
				Type: config.EnvTypeCheck,
				Check: config.Check{
					Artifacts: []string{config.ArtifactWheel},
					Rebuild:   true,
				},
			},
		},
	})
	require.NoError(t, os.MkdirAll(f.Config.Project.DistDir, 0o777))
	mkWheel(t, filepath.Join(f.Config.Project.DistDir, "tensorkit-1.0-py3-none-any.whl"), nil)
	// the rebuild only feeds the sdist to the build tooling, so an empty one will do
	sdist := filepath.Join(f.Config.Project.DistDir, "tensorkit-1.0.tar.gz")
	require.NoError(t, os.WriteFile(sdist, nil, 0o666))

	run := &runner.Runner{
		Config:    f.Config,
		Workspace: f.Workspace,
		Registry:  f.Registry,
		SkipBuild: true,
	}
	ctx := dlog.NewTestContext(t, false)
	results, err := run.Run(ctx, nil)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "checkbuild", results[0].Env)
	assert.Equal(t, runner.StatusPassed, results[0].Status)
	// one artifact check plus the rebuild
	assert.Equal(t, 2, results[0].Commands)
}

func TestRunCheckEnvBadWheel(t *testing.T) {
	f := newFixture(t, &config.Config{
		EnvList: []string{"checkbuild"},
		Environments: map[string]config.Environment{
			"checkbuild": {
				Type:  config.EnvTypeCheck,
				Check: config.Check{Artifacts: []string{config.ArtifactWheel}},
			},
		},
	})
	require.NoError(t, os.MkdirAll(f.Config.Project.DistDir, 0o777))
	mkWheel(t, filepath.Join(f.Config.Project.DistDir, "tensorkit-1.0-py3-none-any.whl"),
		func(files map[string]string) {
			// edited after RECORD was computed, so the digest no longer matches
			files["tensorkit/__init__.py"] = "__version__ = '1.0.post1'\n"
		})

	run := &runner.Runner{
		Config:    f.Config,
		Workspace: f.Workspace,
		Registry:  f.Registry,
		SkipBuild: true,
	}
	ctx := dlog.NewTestContext(t, false)
	results, err := run.Run(ctx, nil)

	var runErr *runner.RunError
	require.ErrorAs(t, err, &runErr)
	require.Len(t, results, 1)
	assert.Equal(t, runner.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Detail, "artifact check failed: tensorkit-1.0-py3-none-any.whl")
}

func TestRunParallel(t *testing.T) {
	f := newFixture(t, &config.Config{
		EnvList: []string{"docs", "format", "lint"},
		Environments: map[string]config.Environment{
			"docs": {
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Commands:    []string{"pytest --collect-only {source}"},
			},
			"format": {
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Commands:    []string{"flake8 --select=F {source}"},
			},
			"lint": {
				SkipInstall: true,
				PassEnv:     []string{"FAKE_*"},
				Commands:    []string{"flake8 {source}"},
			},
		},
	})
	t.Setenv("FAKE_EXIT", "0")

	run := &runner.Runner{
		Config:    f.Config,
		Workspace: f.Workspace,
		Registry:  f.Registry,
		Parallel:  3,
	}
	ctx := dlog.NewTestContext(t, false)
	results, err := run.Run(ctx, nil)
	require.NoError(t, err)

	// one level; results come back in name order regardless of finish order
	require.Len(t, results, 3)
	for i, name := range []string{"docs", "format", "lint"} {
		assert.Equal(t, name, results[i].Env)
		assert.Equal(t, runner.StatusPassed, results[i].Status)
	}
	source := f.Config.Project.Source
	assert.ElementsMatch(t, []string{
		"pytest --collect-only " + source,
		"flake8 --select=F " + source,
		"flake8 " + source,
	}, f.toolCommands(t))
}

// mkWheel writes a small wheel whose RECORD is consistent with its contents.
// tamper, when non-nil, edits the member map after RECORD has been computed.
func mkWheel(t *testing.T, path string, tamper func(files map[string]string)) {
	t.Helper()
	files := map[string]string{
		"tensorkit/__init__.py": "__version__ = '1.0'\n",
		"tensorkit-1.0.dist-info/WHEEL": "Wheel-Version: 1.0\n" +
			"Generator: test\n" +
			"Root-Is-Purelib: true\n" +
			"Tag: py3-none-any\n",
		"tensorkit-1.0.dist-info/METADATA": "Metadata-Version: 2.1\n" +
			"Name: tensorkit\n" +
			"Version: 1.0\n" +
			"Summary: tensors\n" +
			"Description-Content-Type: text/markdown\n" +
			"\n" +
			"# tensorkit\n",
	}
	record := ""
	for _, name := range []string{
		"tensorkit/__init__.py",
		"tensorkit-1.0.dist-info/WHEEL",
		"tensorkit-1.0.dist-info/METADATA",
	} {
		digest := sha256.Sum256([]byte(files[name]))
		record += fmt.Sprintf("%s,sha256=%s,%d\n",
			name, base64.RawURLEncoding.EncodeToString(digest[:]), len(files[name]))
	}
	record += "tensorkit-1.0.dist-info/RECORD,,\n"
	files["tensorkit-1.0.dist-info/RECORD"] = record
	if tamper != nil {
		tamper(files)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zipWriter := zip.NewWriter(&buf)
	for _, name := range names {
		member, err := zipWriter.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(member, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, zipWriter.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o666))
}
