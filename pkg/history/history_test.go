// Copyright (C) 2023  Ambassador Labs
//
// SPDX-License-Identifier: Apache-2.0

package history_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/wheelwright/pkg/history"
)

func TestHistory(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	db, err := history.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer func() { assert.NoError(t, db.Close()) }()

	runID, err := db.BeginRun(ctx, []string{"wheelwright", "run", "tests", "lint"})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, db.RecordEnvResult(ctx, history.EnvResult{
		RunID:    runID,
		EnvName:  "tests",
		Status:   history.EnvStatusPassed,
		Duration: 90 * time.Second,
	}))
	require.NoError(t, db.RecordEnvResult(ctx, history.EnvResult{
		RunID:    runID,
		EnvName:  "lint",
		Status:   history.EnvStatusFailed,
		ExitCode: 1,
		Duration: 3 * time.Second,
		Detail:   `command "flake8 python" exited with status 1`,
	}))
	require.NoError(t, db.FinishRun(ctx, runID, history.StatusFailed))

	runs, err := db.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, history.StatusFailed, runs[0].Status)
	assert.Equal(t, "wheelwright run tests lint", runs[0].Argv)
	assert.False(t, runs[0].FinishedAt.IsZero())

	results, err := db.ListEnvResults(ctx, runID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	// ordered by env name
	assert.Equal(t, "lint", results[0].EnvName)
	assert.Equal(t, history.EnvStatusFailed, results[0].Status)
	assert.Equal(t, 1, results[0].ExitCode)
	assert.Equal(t, 3*time.Second, results[0].Duration)
	assert.Equal(t, "tests", results[1].EnvName)
}

func TestHistoryOnDisk(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	path := filepath.Join(t.TempDir(), "history.db")

	db, err := history.Open(ctx, path)
	require.NoError(t, err)
	runID, err := db.BeginRun(ctx, []string{"wheelwright", "run"})
	require.NoError(t, err)
	require.NoError(t, db.RecordEnvResult(ctx, history.EnvResult{
		RunID: runID, EnvName: "tests", Status: history.EnvStatusPassed,
	}))
	require.NoError(t, db.FinishRun(ctx, runID, history.StatusPassed))
	require.NoError(t, db.Close())

	// reopen: migrations are idempotent and the data survives
	db, err = history.Open(ctx, path)
	require.NoError(t, err)
	defer func() { assert.NoError(t, db.Close()) }()

	history1, err := db.ListEnvHistory(ctx, "tests", 5)
	require.NoError(t, err)
	require.Len(t, history1, 1)
	assert.Equal(t, runID, history1[0].RunID)

	history2, err := db.ListEnvHistory(ctx, "nonesuch", 5)
	require.NoError(t, err)
	assert.Empty(t, history2)
}
