package calibration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tshcal/internal/fsutil"
	"github.com/banshee-data/tshcal/internal/gss"
	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/rig"
	"github.com/banshee-data/tshcal/internal/timeutil"
	"github.com/banshee-data/tshcal/internal/tsh/buffer"
	"github.com/banshee-data/tshcal/internal/tsh/packet"
)

// rigSensor reads the simulated rig's gravity vector, so searches have a
// real optimum to find.
type rigSensor struct {
	rig  *rig.SimController
	rate float64

	mu       sync.Mutex
	captures int
	failAt   int
	failErr  error
}

func (s *rigSensor) ID() string     { return "es13" }
func (s *rigSensor) Rate() float64 { return s.rate }

func (s *rigSensor) Capture(ctx context.Context, d time.Duration) (*buffer.SampleBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.captures++
	n := s.captures
	s.mu.Unlock()
	if s.failAt > 0 && n >= s.failAt {
		return nil, s.failErr
	}

	buf := buffer.NewSampleBuffer(s.ID(), s.rate, d)
	g := s.rig.Orientation().Gravity()
	samples := make([]packet.Sample, buf.Capacity())
	for i := range samples {
		samples[i] = packet.Sample{X: float32(g[0]), Y: float32(g[1]), Z: float32(g[2])}
	}
	if _, err := buf.Add(samples); err != nil {
		return nil, err
	}
	return buf, nil
}

type harness struct {
	sim    *rig.SimController
	sensor *rigSensor
	fs     *fsutil.MemoryFileSystem
	clock  *timeutil.MockClock
	seq    *Sequencer
	logs   []string
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		sim:   rig.NewSimController(),
		fs:    fsutil.NewMemoryFileSystem(),
		clock: timeutil.NewMockClock(time.Date(2021, 3, 4, 10, 0, 0, 0, time.UTC)),
	}
	var mu sync.Mutex
	t.Cleanup(monitoring.Capture(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		h.logs = append(h.logs, fmt.Sprintf(format, v...))
	}))
	require.NoError(t, h.fs.MkdirAll("/out", 0755))

	h.sensor = &rigSensor{rig: h.sim, rate: 10}
	cfg := Config{
		OutDir:        "/out",
		Statistic:     buffer.StatMean,
		SearchCapture: time.Second,
		RecordCapture: 5 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mover := rig.NewMover(h.sim, h.clock, rig.MoveConfig{Settle: time.Second, Tolerance: 0.01})
	h.seq = NewSequencer(mover, h.sensor, h.fs, cfg)
	h.seq.Clock = h.clock
	return h
}

func (h *harness) loadRecord(t *testing.T) RunRecord {
	t.Helper()
	data, err := h.fs.ReadFile(h.seq.RecordPath())
	require.NoError(t, err)
	var rec RunRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	return rec
}

func (h *harness) logged(substr string) bool {
	for _, l := range h.logs {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func TestRunVisitsEveryHome(t *testing.T) {
	h := newHarness(t, nil)
	var evals []gss.Evaluation
	var titles []string
	h.seq.OnEval = func(e gss.Evaluation) { evals = append(evals, e) }
	h.seq.OnTitle = func(s string) { titles = append(titles, s) }

	rec, err := h.seq.Run(context.Background())
	require.NoError(t, err)

	var names []string
	for _, v := range rec.Visits {
		names = append(names, v.Home)
	}
	assert.Equal(t, rig.Order, names)
	assert.True(t, rec.Complete())
	assert.True(t, rec.Parked)
	assert.Empty(t, rec.Error)
	assert.Equal(t, rig.Orientation{}, h.sim.Orientation(), "parked at +x")

	for _, v := range rec.Visits {
		require.Len(t, v.Searches, 2, v.Home)
		for _, sr := range v.Searches {
			assert.True(t, sr.Result.Converged, "%s %s", v.Home, sr.Axis)
			assert.Len(t, sr.Evaluations, 4+sr.Result.Iterations)
			assert.Less(t, sr.Result.Width, 0.1)
			wantMode := "max"
			if strings.HasPrefix(v.Home, "-") {
				wantMode = "min"
			}
			assert.Equal(t, wantMode, sr.Mode)
		}
		require.NotNil(t, v.Summary)
		assert.Equal(t, 50, v.Summary.Samples)
		assert.Equal(t, CSVPath("/out", "es13", v.Home, rec.RunID), v.CSV)

		data, err := h.fs.ReadFile(v.CSV)
		require.NoError(t, err)
		assert.Equal(t, 50, strings.Count(string(data), "\n"))
	}

	// the +x searches find the zero pose
	plusX := rec.Visits[0]
	assert.InDelta(t, 0, plusX.Searches[0].Result.Best, 0.1)
	assert.InDelta(t, 0, plusX.Searches[1].Result.Best, 0.1)
	assert.InDelta(t, 1, plusX.Summary.Mean[buffer.AxisX], 1e-3)

	// -x cannot reach 180 and settles against the top of its bracket
	minusX := rec.Visits[3]
	assert.InDelta(t, 172, minusX.Searches[0].Result.Best, 0.1)

	assert.NotEmpty(t, evals)
	assert.Equal(t, "+x pitch", evals[0].Label)
	assert.Contains(t, titles, "Parking at rough home +x")

	onDisk := h.loadRecord(t)
	assert.Equal(t, rec.RunID, onDisk.RunID)
	assert.Len(t, onDisk.Visits, 6)
	require.NotNil(t, onDisk.Finished)
	assert.Len(t, h.fs.Files("/out"), 7)
}

func TestRunRecentersAfterRecording(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartAt = "+y" })
	h.sensor.rate = 4

	var poses []rig.Orientation
	h.seq.OnTitle = func(s string) {
		if strings.HasPrefix(s, "Moving to rough home") || strings.HasPrefix(s, "Parking") {
			poses = append(poses, h.sim.Orientation())
		}
	}
	_, err := h.seq.Run(context.Background())
	require.NoError(t, err)

	plusY, _ := rig.Lookup("+y")
	minusX, _ := rig.Lookup("-x")
	minusY, _ := rig.Lookup("-y")
	// before moving to each next home the searched axes are back on target
	require.Len(t, poses, 5)
	assert.Equal(t, plusY.Target, poses[1], "after +y")
	assert.Equal(t, minusX.Target.Pitch, poses[2].Pitch, "after -x")
	assert.Equal(t, minusY.Target, poses[3], "after -y")
}

func TestRunStartAt(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartAt = "-x" })

	rec, err := h.seq.Run(context.Background())
	require.NoError(t, err)

	minusX, _ := rig.Lookup("-x")
	assert.Equal(t, minusX.Target.Moves(), h.sim.Moves()[:3], "full target first")
	require.Len(t, rec.Visits, 3)
	assert.Equal(t, "-x", rec.StartHome)
	assert.Equal(t, []string{"-x", "-y", "+z"}, []string{rec.Visits[0].Home, rec.Visits[1].Home, rec.Visits[2].Home})
	assert.True(t, rec.Complete())
}

func TestRunUnknownStartHome(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StartAt = "+w" })
	rec, err := h.seq.Run(context.Background())
	assert.Error(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, h.sim.Moves())
}

func TestRunOperatorDeclines(t *testing.T) {
	h := newHarness(t, nil)
	h.seq.Prompter = AutoPrompter{Accept: false}

	rec, err := h.seq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSearchAborted)
	assert.True(t, IsOperatorAbort(err))
	assert.Empty(t, h.sim.Moves())
	assert.False(t, rec.Parked)

	onDisk := h.loadRecord(t)
	assert.Contains(t, onDisk.Error, "aborted")
}

type scriptedPrompter struct {
	answers   []bool
	questions []string
}

func (p *scriptedPrompter) Confirm(_ context.Context, q string) (bool, error) {
	p.questions = append(p.questions, q)
	if len(p.answers) == 0 {
		return false, nil
	}
	a := p.answers[0]
	p.answers = p.answers[1:]
	return a, nil
}

func TestRunDebugPromptsBeforeEveryMove(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Debug = true })
	p := &scriptedPrompter{answers: []bool{true, true, true}}
	h.seq.Prompter = p

	_, err := h.seq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSearchAborted)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "+x", se.Home)

	require.Len(t, p.questions, 4)
	assert.Contains(t, p.questions[0], "Calibrate sensor es13")
	assert.Equal(t, "Move roll to 0.0000?", p.questions[1])
	assert.Equal(t, "Move yaw to 0.0000?", p.questions[3])
	assert.Len(t, h.sim.Moves(), 2, "refused yaw move never happens")
	assert.False(t, h.loadRecord(t).Parked)
}

func TestRunCaptureFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.sensor.failAt = 7
	h.sensor.failErr = errors.New("incomplete packet")

	rec, err := h.seq.Run(context.Background())
	require.Error(t, err)

	var se *StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "+x", se.Home)
	assert.Equal(t, "pitch", se.Axis)
	assert.Contains(t, err.Error(), "rough home +x, axis pitch")

	require.Len(t, rec.Visits, 1)
	assert.Len(t, rec.Visits[0].Searches[0].Evaluations, 6)
	assert.True(t, rec.Parked, "rig parked after failure")

	onDisk := h.loadRecord(t)
	assert.Contains(t, onDisk.Error, "incomplete packet")
	assert.Len(t, onDisk.Visits, 1)
}

func TestRunKeepsPartialResults(t *testing.T) {
	h := newHarness(t, nil)
	// fail somewhere inside the second home
	h.sensor.failAt = 60
	h.sensor.failErr = errors.New("sensor went away")

	_, err := h.seq.Run(context.Background())
	require.Error(t, err)

	onDisk := h.loadRecord(t)
	require.GreaterOrEqual(t, len(onDisk.Visits), 2)
	assert.NotEmpty(t, onDisk.Visits[0].CSV)
	_, err = h.fs.ReadFile(onDisk.Visits[0].CSV)
	assert.NoError(t, err, "first home CSV survives")
}

func TestRunToleranceExceeded(t *testing.T) {
	h := newHarness(t, nil)
	h.sim.SetOffset(rig.Pitch, 0.5)

	_, err := h.seq.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, rig.ErrPositionToleranceExceeded)
	assert.True(t, h.logged("could not park rig"))
}

func TestRunWaitsForStartTime(t *testing.T) {
	start := time.Date(2021, 3, 4, 11, 30, 0, 0, time.UTC)
	h := newHarness(t, func(c *Config) { c.StartTime = start; c.StartAt = "+z" })

	_, err := h.seq.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, h.clock.Sleeps()[0])
	assert.True(t, h.logged("Waiting 1h30m0s until start time"))
}

func TestRunQuickSummaryFirst(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.QuickSummary = 2 * time.Second; c.StartAt = "+z" })

	rec, err := h.seq.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec.QuickSummary)
	assert.Equal(t, 20, rec.QuickSummary.Samples)
	assert.True(t, h.logged("QUICK SUMMARY"))
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.seq.OnEval = func(e gss.Evaluation) {
		if e.Iteration == 2 {
			cancel()
		}
	}
	rec, err := h.seq.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, rec.Parked, "no park after cancel")
}

func TestStepErrorMessage(t *testing.T) {
	base := errors.New("boom")
	e := &StepError{Home: "-y", Axis: "roll", Err: base}
	assert.Equal(t, "rough home -y, axis roll: boom", e.Error())
	assert.ErrorIs(t, e, base)
	assert.Equal(t, "rough home -y: boom", (&StepError{Home: "-y", Err: base}).Error())
}

func TestNewSequencerDefaults(t *testing.T) {
	h := newHarness(t, nil)
	s := NewSequencer(nil, h.sensor, h.fs, Config{})
	assert.Equal(t, buffer.StatMean, s.cfg.Statistic)
	assert.Equal(t, gss.DefaultMinWidth, s.cfg.MinWidth)
	assert.Equal(t, gss.DefaultMaxIters, s.cfg.MaxIters)
	assert.Equal(t, ".", s.cfg.OutDir)
	assert.NotEqual(t, h.seq.RunID(), s.RunID())
}
