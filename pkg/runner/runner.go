// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package runner executes configured environments: it provisions their venvs,
// installs the project's artifacts, and runs their command lists.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/datawire/dlib/dexec"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/sync/errgroup"

	"github.com/datawire/wheelwright/pkg/config"
	"github.com/datawire/wheelwright/pkg/dist"
	"github.com/datawire/wheelwright/pkg/history"
	"github.com/datawire/wheelwright/pkg/python"
	"github.com/datawire/wheelwright/pkg/python/pep503"
	"github.com/datawire/wheelwright/pkg/venv"
	"github.com/datawire/wheelwright/pkg/workspace"
)

// A Runner runs environments from one loaded Config.
type Runner struct {
	Config    *config.Config
	Workspace *workspace.Workspace
	// Registry resolves interpreter names; nil resolves everything through PATH.
	Registry python.InterpreterRegistry
	// History, when non-nil, records the run.  Recording is best-effort: storage
	// problems log a warning and never fail the run.
	History *history.DB

	// PosArgs substitutes {posargs} in commands.
	PosArgs []string
	// Recreate throws existing venvs away instead of reusing them.
	Recreate bool
	// Parallel is how many independent environments may run at once; 0 or 1
	// means strictly sequential.
	Parallel int
	// SkipBuild reuses the newest artifacts already in the dist dir instead of
	// building fresh ones.
	SkipBuild bool
}

// Status of one environment after a run.
type Status string

const (
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// A Result is the outcome of one environment.
type Result struct {
	Env      string
	Status   Status
	ExitCode int
	Duration time.Duration
	Commands int
	// Detail says what failed, or why the environment was skipped.
	Detail string
}

// A RunError is returned when environments failed; main maps its ExitCode to the
// process exit status.
type RunError struct {
	Failed []string
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%d environment(s) failed: %s", len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *RunError) ExitCode() int { return 1 }

// Run runs the named environments (default: the config's env_list) plus their
// transitive needs, in dependency order.  It returns a Result per selected
// environment; the error is a *RunError if any environment failed, reserved
// otherwise for the run machinery itself breaking.
func (r *Runner) Run(ctx context.Context, envNames []string) ([]Result, error) {
	if len(envNames) == 0 {
		envNames = r.Config.EnvList
	}
	if len(envNames) == 0 {
		return nil, errors.New("nothing to run: no environments requested and no env_list configured")
	}
	levels, err := r.selectEnvs(envNames)
	if err != nil {
		return nil, err
	}

	artifacts, err := r.buildArtifacts(ctx, levels)
	if err != nil {
		return nil, err
	}

	runID := r.beginHistory(ctx)

	var mu sync.Mutex
	resultsByName := make(map[string]Result)
	record := func(res Result) {
		mu.Lock()
		resultsByName[res.Env] = res
		mu.Unlock()
		r.recordHistory(ctx, runID, res)
	}
	failedNeed := func(env config.Environment) string {
		mu.Lock()
		defer mu.Unlock()
		for _, need := range env.Needs {
			if res, ok := resultsByName[need]; ok && res.Status != StatusPassed {
				return need
			}
		}
		return ""
	}

	for _, level := range levels {
		group, groupCtx := errgroup.WithContext(ctx)
		limit := r.Parallel
		if limit < 2 {
			limit = 1
		}
		group.SetLimit(limit)
		for _, name := range level {
			name := name
			group.Go(func() error {
				env := r.Config.Environments[name]
				if need := failedNeed(env); need != "" {
					dlog.Infof(groupCtx, "%s: skipped (needs %s)", name, need)
					record(Result{
						Env:    name,
						Status: StatusSkipped,
						Detail: fmt.Sprintf("needs %s, which did not pass", need),
					})
					return nil
				}
				record(r.runEnv(groupCtx, name, env, artifacts))
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return nil, err
		}
	}

	var results []Result
	var failed []string
	for _, level := range levels {
		for _, name := range level {
			res := resultsByName[name]
			results = append(results, res)
			if res.Status == StatusFailed {
				failed = append(failed, name)
			}
		}
	}

	if len(failed) > 0 {
		r.finishHistory(ctx, runID, history.StatusFailed)
		return results, &RunError{Failed: failed}
	}
	r.finishHistory(ctx, runID, history.StatusPassed)
	return results, nil
}

// selectEnvs expands the requested environments with their transitive needs and
// groups them into dependency levels: everything in a level depends only on
// earlier levels.
func (r *Runner) selectEnvs(envNames []string) ([][]string, error) {
	selected := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if selected[name] {
			return nil
		}
		env, ok := r.Config.Environments[name]
		if !ok {
			return fmt.Errorf("no such environment: %q", name)
		}
		selected[name] = true
		for _, need := range env.Needs {
			if err := visit(need); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range envNames {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	// Kahn-style leveling; Validate already rejected cycles, but a hand-built
	// Config may not have been validated.
	depth := make(map[string]int, len(selected))
	var depthOf func(name string, seen map[string]bool) (int, error)
	depthOf = func(name string, seen map[string]bool) (int, error) {
		if d, ok := depth[name]; ok {
			return d, nil
		}
		if seen[name] {
			return 0, fmt.Errorf("dependency cycle involving %q", name)
		}
		seen[name] = true
		d := 0
		for _, need := range r.Config.Environments[name].Needs {
			if !selected[need] {
				continue
			}
			nd, err := depthOf(need, seen)
			if err != nil {
				return 0, err
			}
			if nd+1 > d {
				d = nd + 1
			}
		}
		depth[name] = d
		return d, nil
	}
	maxDepth := 0
	for name := range selected {
		d, err := depthOf(name, make(map[string]bool))
		if err != nil {
			return nil, err
		}
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for name, d := range depth {
		levels[d] = append(levels[d], name)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels, nil
}

// buildArtifacts builds (or, with SkipBuild, locates) every artifact kind the
// selected environments consume, before any environment starts.
func (r *Runner) buildArtifacts(ctx context.Context, levels [][]string) (map[string]string, error) {
	needed := make(map[string]bool)
	for _, level := range levels {
		for _, name := range level {
			env := r.Config.Environments[name]
			switch env.Type {
			case config.EnvTypeCheck:
				for _, kind := range env.Check.Artifacts {
					needed[kind] = true
				}
				if env.Check.Rebuild {
					needed[config.ArtifactSdist] = true
				}
			default:
				if !env.SkipInstall {
					needed[env.InstallVia] = true
				}
			}
		}
	}
	if len(needed) == 0 {
		return nil, nil
	}

	builder, err := r.builder(ctx)
	if err != nil {
		return nil, err
	}

	artifacts := make(map[string]string, len(needed))
	for _, kind := range []string{config.ArtifactSdist, config.ArtifactWheel} {
		if !needed[kind] {
			continue
		}
		var file string
		var err error
		if r.SkipBuild {
			pattern := "*.whl"
			if kind == config.ArtifactSdist {
				pattern = "*.tar.gz"
			}
			file, err = newestExisting(r.Config.Project.DistDir, pattern)
		} else if kind == config.ArtifactSdist {
			file, err = builder.BuildSdist(ctx)
		} else {
			file, err = builder.BuildWheel(ctx)
		}
		if err != nil {
			return nil, err
		}
		dlog.Infof(ctx, "using %s %s", kind, file)
		artifacts[kind] = file
	}
	return artifacts, nil
}

func (r *Runner) builder(ctx context.Context) (*dist.Builder, error) {
	interp, err := r.Registry.Resolve(r.Config.DefaultPython)
	if err != nil {
		return nil, err
	}
	buildEnv, err := Environ(os.Environ(), r.Config.Build.PassEnv, r.Config.Build.SetEnv, "")
	if err != nil {
		return nil, err
	}
	return &dist.Builder{
		Python:       *interp,
		Source:       r.Config.Project.Source,
		DistDir:      r.Config.Project.DistDir,
		Via:          r.Config.Build.Via,
		Env:          buildEnv,
		Reproducible: r.Config.Build.Reproducible,
	}, nil
}

func (r *Runner) runEnv(ctx context.Context, name string, env config.Environment, artifacts map[string]string) Result {
	start := time.Now()
	res := Result{Env: name}

	var err error
	if env.Type == config.EnvTypeCheck {
		res.Commands, err = r.runCheckEnv(ctx, name, env, artifacts)
	} else {
		res.Commands, err = r.runCommandsEnv(ctx, name, env, artifacts)
	}
	res.Duration = time.Since(start)

	if err != nil {
		res.Status = StatusFailed
		res.Detail = err.Error()
		res.ExitCode = 1
		var exitErr *dexec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		dlog.Errorf(ctx, "%s: failed: %v", name, err)
	} else {
		res.Status = StatusPassed
		dlog.Infof(ctx, "%s: passed (%d command(s) in %s)", name, res.Commands, res.Duration.Round(time.Millisecond))
	}
	return res
}

func (r *Runner) runCommandsEnv(ctx context.Context, name string, env config.Environment, artifacts map[string]string) (int, error) {
	interp, err := r.Registry.Resolve(env.Python)
	if err != nil {
		return 0, err
	}

	procEnv, err := Environ(os.Environ(), env.PassEnv, env.SetEnv, env.EnvFile)
	if err != nil {
		return 0, err
	}

	v, err := venv.Provision(ctx, r.Workspace.EnvDir(name), venv.Spec{
		Python:       *interp,
		Deps:         env.Deps,
		Requirements: env.Requirements,
		Env:          procEnv,
	}, r.Recreate)
	if err != nil {
		return 0, err
	}
	procEnv = withVenv(procEnv, v)

	if !env.SkipInstall {
		artifact, ok := artifacts[env.InstallVia]
		if !ok {
			return 0, fmt.Errorf("no %s was built", env.InstallVia)
		}
		if err := v.InstallPackage(ctx, artifact, procEnv); err != nil {
			return 0, err
		}
	}

	expansion := config.Expansion{
		Values: map[string]string{
			"source":    r.Config.Project.Source,
			"dist":      r.Config.Project.DistDir,
			"envdir":    v.Dir,
			"envbindir": v.BinDir(),
			"python":    v.Python().Exe,
			"project":   r.Config.Root,
			"workdir":   r.Workspace.Root(),
		},
		PosArgs: r.PosArgs,
	}

	workdir := r.Config.Root
	if env.Changedir != "" {
		expanded, err := expansion.ExpandString(env.Changedir)
		if err != nil {
			return 0, err
		}
		if !filepath.IsAbs(expanded) {
			expanded = filepath.Join(r.Config.Root, expanded)
		}
		workdir = expanded
	}

	logFile, err := os.Create(r.Workspace.LogFile(name))
	if err != nil {
		return 0, err
	}
	defer func() { _ = logFile.Close() }()
	output := io.MultiWriter(logFile, dlog.StdLogger(ctx, dlog.LogLevelInfo).Writer())

	for i, command := range env.Commands {
		words, err := expansion.ExpandCommand(command)
		if err != nil {
			return i, err
		}
		if len(words) == 0 {
			// a bare {posargs} with no positional arguments
			dlog.Debugf(ctx, "%s: nothing to run for %q", name, command)
			continue
		}

		exe := words[0]
		if fromVenv := v.LookPath(exe); fromVenv != "" {
			exe = fromVenv
		} else if !strings.ContainsRune(exe, os.PathSeparator) && !allowed(env.AllowlistExternals, exe) {
			dlog.Warnf(ctx, "%s: command %q is not provided by the venv and not in allowlist_externals", name, exe)
		}

		cmd := dexec.CommandContext(ctx, exe, words[1:]...)
		cmd.Dir = workdir
		cmd.Env = procEnv
		cmd.Stdout = output
		cmd.Stderr = output
		if err := cmd.Run(); err != nil {
			return i, fmt.Errorf("command %q: %w", command, err)
		}
	}
	return len(env.Commands), nil
}

// runCheckEnv validates the built artifacts natively and, with rebuild set, proves
// the sdist can produce a wheel.  The returned count is how many checks ran.
func (r *Runner) runCheckEnv(ctx context.Context, name string, env config.Environment, artifacts map[string]string) (int, error) {
	checker := &dist.Checker{}
	if env.Check.Index != "" {
		checker.Index = &pep503.Client{BaseURL: env.Check.Index}
	}

	checks := 0
	var failures []string
	for _, kind := range env.Check.Artifacts {
		artifact, ok := artifacts[kind]
		if !ok {
			return checks, fmt.Errorf("no %s was built", kind)
		}
		report, err := checker.Check(ctx, artifact)
		if err != nil {
			return checks, err
		}
		checks++
		for _, warning := range report.Warnings {
			dlog.Warnf(ctx, "%s: %s: %s", name, filepath.Base(artifact), warning)
		}
		for _, problem := range report.Errors {
			dlog.Errorf(ctx, "%s: %s: %s", name, filepath.Base(artifact), problem)
		}
		if !report.OK(env.Check.Strict) {
			failures = append(failures, filepath.Base(artifact))
		}
	}

	if env.Check.Rebuild {
		sdist, ok := artifacts[config.ArtifactSdist]
		if !ok {
			return checks, errors.New("rebuild check needs an sdist")
		}
		builder, err := r.builder(ctx)
		if err != nil {
			return checks, err
		}
		scratch, err := r.Workspace.Scratch("rebuild")
		if err != nil {
			return checks, err
		}
		defer func() { _ = os.RemoveAll(scratch) }()
		if _, err := builder.Rebuild(ctx, sdist, scratch); err != nil {
			return checks, err
		}
		checks++
	}

	if len(failures) > 0 {
		return checks, fmt.Errorf("artifact check failed: %s", strings.Join(failures, ", "))
	}
	return checks, nil
}

func allowed(allowlist []string, exe string) bool {
	for _, entry := range allowlist {
		if entry == exe {
			return true
		}
	}
	return false
}

func newestExisting(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", err
	}
	var best string
	var bestTime time.Time
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestTime) {
			best, bestTime = match, info.ModTime()
		}
	}
	if best == "" {
		return "", fmt.Errorf("--skip-build: no %s file in %s", pattern, dir)
	}
	return best, nil
}

func (r *Runner) beginHistory(ctx context.Context) string {
	if r.History == nil {
		return ""
	}
	runID, err := r.History.BeginRun(ctx, os.Args)
	if err != nil {
		dlog.Warnf(ctx, "history: %v", err)
		return ""
	}
	return runID
}

func (r *Runner) recordHistory(ctx context.Context, runID string, res Result) {
	if r.History == nil || runID == "" {
		return
	}
	if err := r.History.RecordEnvResult(ctx, history.EnvResult{
		RunID:    runID,
		EnvName:  res.Env,
		Status:   string(res.Status),
		ExitCode: res.ExitCode,
		Duration: res.Duration,
		Detail:   res.Detail,
	}); err != nil {
		dlog.Warnf(ctx, "history: %v", err)
	}
}

func (r *Runner) finishHistory(ctx context.Context, runID, status string) {
	if r.History == nil || runID == "" {
		return
	}
	if err := r.History.FinishRun(ctx, runID, status); err != nil {
		dlog.Warnf(ctx, "history: %v", err)
	}
}
