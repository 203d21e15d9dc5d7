package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tshcal/internal/calibration"
	"github.com/banshee-data/tshcal/internal/config"
	"github.com/banshee-data/tshcal/internal/fsutil"
	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/rig"
)

func writeConfig(t *testing.T, body string) *config.CalibrationConfig {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tshcal.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	cfg, err := loadConfig(path, fsutil.OSFileSystem{})
	require.NoError(t, err)
	return cfg
}

func TestResolveSettingsFlagsOverrideConfig(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.MkdirAll("/data", 0755))
	require.NoError(t, fsys.MkdirAll("/other", 0755))

	cfg := writeConfig(t, `{"sensor_id": "es13", "rate": 250, "out_dir": "/data"}`)
	now := time.Date(2020, 3, 4, 8, 0, 0, 0, time.UTC)

	s, err := resolveSettings(cfg, options{}, fsys, now)
	require.NoError(t, err)
	assert.Equal(t, "es13", s.sensorID)
	assert.Equal(t, 250.0, s.rate)
	assert.Equal(t, "/data", s.outDir)
	assert.True(t, s.start.IsZero())

	s, err = resolveSettings(cfg, options{sensorID: "es09", rate: 500, outDir: "/other", start: "09:30"}, fsys, now)
	require.NoError(t, err)
	assert.Equal(t, "es09", s.sensorID)
	assert.Equal(t, 500.0, s.rate)
	assert.Equal(t, "/other", s.outDir)
	assert.Equal(t, time.Date(2020, 3, 4, 9, 30, 0, 0, time.UTC), s.start)
}

func TestResolveSettingsRejects(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.MkdirAll("/data", 0755))
	cfg := config.EmptyCalibrationConfig()
	now := time.Now()

	tests := []struct {
		name string
		opts options
		want string
	}{
		{"bad sensor", options{sensorID: "tshes-13", outDir: "/data"}, "sensor"},
		{"rate too high", options{rate: 1000, outDir: "/data"}, "rate"},
		{"missing outdir", options{outDir: "/nowhere"}, "does not exist"},
		{"bad start", options{outDir: "/data", start: "noon"}, "start time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolveSettings(cfg, tt.opts, fsys, now)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseStartTime(t *testing.T) {
	loc := time.FixedZone("bench", -7*3600)
	now := time.Date(2021, 6, 1, 14, 0, 0, 0, loc)

	got, err := parseStartTime("15:04:05", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 6, 1, 15, 4, 5, 0, loc), got)

	got, err = parseStartTime("08:00", now)
	require.NoError(t, err)
	assert.True(t, got.Before(now), "past times are kept and start at once")

	got, err = parseStartTime("2021-06-02T01:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2021, 6, 2, 1, 0, 0, 0, time.UTC), got)

	_, err = parseStartTime("25:00", now)
	assert.Error(t, err)
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	cfg, err := loadConfig("", fsutil.NewMemoryFileSystem())
	require.NoError(t, err)
	assert.Equal(t, "es13", cfg.GetSensorID())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"), fsutil.OSFileSystem{})
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 2, exitCode(fmt.Errorf("pre-run: %w", calibration.ErrQuickSummaryTimeout)))
	assert.Equal(t, 1, exitCode(&calibration.StepError{Home: "-z", Axis: "pitch", Err: errors.New("boom")}))
	assert.Equal(t, 1, exitCode(context.Canceled))
}

func TestSetupLoggingTeesToFile(t *testing.T) {
	dir := t.TempDir()
	origLog, origDebug := monitoring.Logf, monitoring.Debugf
	t.Cleanup(func() {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
		monitoring.SetLogger(origLog)
		monitoring.SetDebugLogger(origDebug)
	})

	closer, err := setupLogging(dir, true, false)
	require.NoError(t, err)
	monitoring.Logf("hello %s", "bench")
	monitoring.Debugf("detail %d", 7)
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello bench")
	assert.Contains(t, string(data), "DEBUG: detail 7")

	_, err = setupLogging(filepath.Join(dir, "absent"), false, false)
	assert.Error(t, err)
}

func TestRunDevMode(t *testing.T) {
	t.Cleanup(monitoring.Capture(func(string, ...interface{}) {}))
	devPaced = false
	defer func() { devPaced = true }()

	outDir := t.TempDir()
	cfg := writeConfig(t, `{
		"search_capture": "40ms",
		"record_capture": "200ms",
		"quick_summary": "100ms",
		"settle": "1ms",
		"tolerance": 0.01,
		"min_width": 1
	}`)
	s, err := resolveSettings(cfg, options{outDir: outDir, dev: true, listen: "127.0.0.1:0"}, fsutil.OSFileSystem{}, time.Now())
	require.NoError(t, err)
	s.prompter = calibration.AutoPrompter{Accept: true}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	require.NoError(t, run(ctx, s))

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	var csvs, records []string
	for _, e := range entries {
		switch filepath.Ext(e.Name()) {
		case ".csv":
			csvs = append(csvs, e.Name())
		case ".json":
			records = append(records, e.Name())
		}
	}
	assert.Len(t, csvs, len(rig.Order))
	require.Len(t, records, 1)
	assert.True(t, strings.HasPrefix(records[0], "tshcal_es13_"))

	data, err := os.ReadFile(filepath.Join(outDir, records[0]))
	require.NoError(t, err)
	var rec calibration.RunRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Empty(t, rec.Error)
	assert.True(t, rec.Parked)
	require.Len(t, rec.Visits, len(rig.Order))
	for _, v := range rec.Visits {
		require.NotNil(t, v.Summary, "home %s", v.Home)
		assert.InDelta(t, 50, v.Summary.Samples, 1, "home %s", v.Home)
	}
}
