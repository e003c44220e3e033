//go:build !integration

package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/streetbus/internal/config"
	"github.com/sells-group/streetbus/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			City:      "Denver_CO",
			Status:    model.RunStatusComplete,
			Result:    &model.RunResult{BusFeatures: 412, NonBusFeatures: 9031},
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			City:      "Austin_TX",
			Status:    model.RunStatusRunning,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "CITY")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "Denver_CO")
	assert.Contains(t, output, "complete")
	assert.Contains(t, output, "412")
	assert.Contains(t, output, "9031")
	assert.Contains(t, output, "Austin_TX")
	assert.Contains(t, output, "running")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
}

func TestFormatRunsList_FailedRun(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []model.Run{
		{
			ID:     "abc12345-6789-0000-0000-000000000000",
			City:   "Denver_CO",
			Status: model.RunStatusFailed,
			Result: &model.RunResult{
				Error: "engine: clip: boundary layer must be polygons and this message is long",
			},
			CreatedAt: now,
			UpdatedAt: now.Add(30 * time.Second),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "failed")
	assert.Contains(t, output, "engine: clip: boundary layer must be ...")
	assert.Contains(t, output, "30s")
}

func TestRunsStats(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	runs := []model.Run{
		{
			ID:        "1",
			Status:    model.RunStatusComplete,
			Result:    &model.RunResult{BusFeatures: 3, NonBusFeatures: 10},
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "2",
			Status:    model.RunStatusComplete,
			Result:    &model.RunResult{BusFeatures: 1, NonBusFeatures: 4, Warnings: []string{"no .prj"}},
			CreatedAt: now.Add(5 * time.Minute),
			UpdatedAt: now.Add(8 * time.Minute),
		},
		{
			ID:        "3",
			Status:    model.RunStatusFailed,
			Result:    &model.RunResult{Error: "input layer missing"},
			CreatedAt: now.Add(10 * time.Minute),
			UpdatedAt: now.Add(10*time.Minute + 30*time.Second),
		},
		{
			ID:        "4",
			Status:    model.RunStatusRunning,
			CreatedAt: now.Add(15 * time.Minute),
			UpdatedAt: now.Add(15 * time.Minute),
		},
	}

	stats := computeRunStats(runs)
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 2, stats.Complete)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Other)
	assert.Equal(t, 1, stats.Warned)
	assert.Equal(t, 4, stats.Bus)
	assert.Equal(t, 14, stats.NonBus)
	// Average duration of the 2 complete runs: (120s + 180s) / 2 = 150s.
	assert.InDelta(t, 150.0, stats.AvgDurSecs, 0.1)

	var buf bytes.Buffer
	formatRunStats(&buf, stats)

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "Complete:")
	assert.Contains(t, output, "Failed:")
	assert.Contains(t, output, "Bus features:")
	assert.Contains(t, output, "150.0s")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789-0000-0000-000000000000"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestRunsListCmd_LedgerDisabled(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "none"}}

	runsListCmd.SetContext(context.Background())
	defer runsListCmd.SetContext(context.TODO())

	err := runsListCmd.RunE(runsListCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run ledger is disabled")
}

func TestRunsShowCmd_WithPhases(t *testing.T) {
	ctx := context.Background()
	cfg = &config.Config{Store: config.StoreConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "runs.db"),
	}}

	st, err := initStore(ctx, nil)
	require.NoError(t, err)
	run, err := st.CreateRun(ctx, "Denver_CO")
	require.NoError(t, err)
	phase, err := st.CreatePhase(ctx, run.ID, "2_project")
	require.NoError(t, err)
	require.NoError(t, st.CompletePhase(ctx, phase.ID, &model.PhaseResult{
		Name:   "2_project",
		Status: model.PhaseStatusComplete,
	}))
	require.NoError(t, st.UpdateRunResult(ctx, run.ID, model.RunStatusComplete, &model.RunResult{SRID: 32613}))
	require.NoError(t, st.Close())

	var out bytes.Buffer
	runsShowCmd.SetOut(&out)
	defer runsShowCmd.SetOut(nil)
	runsShowCmd.SetContext(ctx)
	defer runsShowCmd.SetContext(context.TODO())

	require.NoError(t, runsShowCmd.RunE(runsShowCmd, []string{run.ID}))
	assert.Contains(t, out.String(), `"city": "Denver_CO"`)
	assert.Contains(t, out.String(), `"status": "complete"`)
	assert.Contains(t, out.String(), `"name": "2_project"`)
	assert.Contains(t, out.String(), `"srid": 32613`)
}

func TestRunsShowCmd_NotFound(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "runs.db"),
	}}

	runsShowCmd.SetContext(context.Background())
	defer runsShowCmd.SetContext(context.TODO())

	err := runsShowCmd.RunE(runsShowCmd, []string{"no-such-run"})
	require.Error(t, err)
	assert.True(t, model.IsNotFound(err))
}
