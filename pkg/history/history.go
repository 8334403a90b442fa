// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

// Package history records wheelwright runs and their per-environment results in a
// SQLite database inside the workspace.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Run statuses.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
)

// Per-environment statuses.
const (
	EnvStatusPassed  = "passed"
	EnvStatusFailed  = "failed"
	EnvStatusSkipped = "skipped"
)

// A Run is one `wheelwright run` invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Argv       string
}

// An EnvResult is the outcome of one environment within a run.
type EnvResult struct {
	RunID    string
	EnvName  string
	Status   string
	ExitCode int
	Duration time.Duration
	Detail   string
}

// A DB is an open history database.
type DB struct {
	db *sql.DB
}

// Open opens (creating and migrating as needed) the history database at path.
// Use ":memory:" for a throwaway in-memory database.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history database %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open history database %s: %w", path, err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history database %s: %w", path, err)
	}

	return &DB{db: db}, nil
}

func (h *DB) Close() error {
	return h.db.Close()
}

// BeginRun records a run that is starting and returns its ID.
func (h *DB) BeginRun(ctx context.Context, argv []string) (string, error) {
	id := uuid.NewString()
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, status, argv) VALUES (?, ?, ?, ?)`,
		id, time.Now().UTC(), StatusRunning, strings.Join(argv, " "))
	if err != nil {
		return "", fmt.Errorf("record run start: %w", err)
	}
	return id, nil
}

// FinishRun finalizes a run's status.
func (h *DB) FinishRun(ctx context.Context, runID, status string) error {
	_, err := h.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now().UTC(), status, runID)
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	return nil
}

// RecordEnvResult stores one environment's outcome.
func (h *DB) RecordEnvResult(ctx context.Context, res EnvResult) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO env_results (run_id, env_name, status, exit_code, duration_ms, detail)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		res.RunID, res.EnvName, res.Status, res.ExitCode, res.Duration.Milliseconds(), res.Detail)
	if err != nil {
		return fmt.Errorf("record result for %s: %w", res.EnvName, err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (h *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, argv
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.StartedAt, &finished, &run.Status, &run.Argv); err != nil {
			return nil, err
		}
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListEnvResults returns the results belonging to one run.
func (h *DB) ListEnvResults(ctx context.Context, runID string) ([]EnvResult, error) {
	return h.queryEnvResults(ctx,
		`SELECT run_id, env_name, status, exit_code, duration_ms, detail
		 FROM env_results WHERE run_id = ? ORDER BY env_name`, runID)
}

// ListEnvHistory returns one environment's results across runs, newest first.
func (h *DB) ListEnvHistory(ctx context.Context, envName string, limit int) ([]EnvResult, error) {
	return h.queryEnvResults(ctx,
		`SELECT r.run_id, r.env_name, r.status, r.exit_code, r.duration_ms, r.detail
		 FROM env_results r JOIN runs ON runs.id = r.run_id
		 WHERE r.env_name = ? ORDER BY runs.started_at DESC LIMIT ?`, envName, limit)
}

func (h *DB) queryEnvResults(ctx context.Context, query string, args ...any) ([]EnvResult, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []EnvResult
	for rows.Next() {
		var res EnvResult
		var durationMS int64
		if err := rows.Scan(&res.RunID, &res.EnvName, &res.Status, &res.ExitCode, &durationMS, &res.Detail); err != nil {
			return nil, err
		}
		res.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, res)
	}
	return results, rows.Err()
}
