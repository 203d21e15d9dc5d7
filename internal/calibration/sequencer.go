// Package calibration runs a TSH-ES accelerometer through the six rough
// homes, refining each with golden-section searches and recording a long
// capture at the refined pose.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tshcal/internal/fsutil"
	"github.com/banshee-data/tshcal/internal/gss"
	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/rig"
	"github.com/banshee-data/tshcal/internal/timeutil"
	"github.com/banshee-data/tshcal/internal/tsh/buffer"
)

// StepError locates a fatal failure at a rough home and, when known, the
// rig axis being searched or moved.
type StepError struct {
	Home string
	Axis string
	Err  error
}

func (e *StepError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("rough home %s: %v", e.Home, e.Err)
	}
	return fmt.Sprintf("rough home %s, axis %s: %v", e.Home, e.Axis, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Config controls one calibration run.
type Config struct {
	OutDir    string
	Statistic buffer.Statistic
	// SearchCapture is the capture length behind each objective evaluation.
	SearchCapture time.Duration
	// RecordCapture is the long capture recorded at each refined home.
	RecordCapture time.Duration
	// QuickSummary is the pre-run capture length; zero skips it.
	QuickSummary time.Duration
	MinWidth     float64
	MaxIters     int
	// StartAt names the first rough home; empty starts at the first in order.
	StartAt string
	// StartTime delays the first move. Zero or past times start at once.
	StartTime time.Time
	// Debug asks the operator before every rig move.
	Debug bool
}

// DefaultConfig returns the settings used on the bench.
func DefaultConfig() Config {
	return Config{
		OutDir:        ".",
		Statistic:     buffer.StatMean,
		SearchCapture: 2 * time.Second,
		RecordCapture: 60 * time.Second,
		QuickSummary:  2 * time.Second,
		MinWidth:      gss.DefaultMinWidth,
		MaxIters:      gss.DefaultMaxIters,
	}
}

// Sequencer drives one sensor through the rough homes.
type Sequencer struct {
	mover  *rig.Mover
	sensor Capturer
	fs     fsutil.FileSystem
	cfg    Config

	Prompter Prompter
	Clock    timeutil.Clock
	// OnEval receives every objective evaluation.
	OnEval func(gss.Evaluation)
	// OnTitle receives a short label whenever the run changes step.
	OnTitle func(string)

	runID  string
	record RunRecord
}

// NewSequencer creates a sequencer with a fresh run id. Prompter defaults to
// accepting everything and Clock to the real clock.
func NewSequencer(mover *rig.Mover, sensor Capturer, fsys fsutil.FileSystem, cfg Config) *Sequencer {
	def := DefaultConfig()
	if cfg.Statistic == "" {
		cfg.Statistic = def.Statistic
	}
	if cfg.MinWidth <= 0 {
		cfg.MinWidth = def.MinWidth
	}
	if cfg.MaxIters <= 0 {
		cfg.MaxIters = def.MaxIters
	}
	if cfg.OutDir == "" {
		cfg.OutDir = def.OutDir
	}
	return &Sequencer{
		mover:    mover,
		sensor:   sensor,
		fs:       fsys,
		cfg:      cfg,
		Prompter: AutoPrompter{Accept: true},
		Clock:    timeutil.RealClock{},
		runID:    uuid.NewString(),
	}
}

// RunID identifies this run in output file names.
func (s *Sequencer) RunID() string { return s.runID }

// RecordPath is where the run record is written.
func (s *Sequencer) RecordPath() string {
	return RecordPath(s.cfg.OutDir, s.sensor.ID(), s.runID)
}

func (s *Sequencer) title(format string, args ...interface{}) {
	t := fmt.Sprintf(format, args...)
	monitoring.Logf("%s", t)
	if s.OnTitle != nil {
		s.OnTitle(t)
	}
}

// Run performs the whole calibration. The returned record holds whatever
// was completed, and is also on disk, even when err is non-nil.
func (s *Sequencer) Run(ctx context.Context) (rec *RunRecord, err error) {
	homes, err := rig.Sequence(s.cfg.StartAt)
	if err != nil {
		return nil, err
	}
	s.record = RunRecord{
		RunID:     s.runID,
		SensorID:  s.sensor.ID(),
		Rate:      s.sensor.Rate(),
		Statistic: string(s.cfg.Statistic),
		StartHome: homes[0].Name,
		Started:   s.Clock.Now(),
	}
	rec = &s.record
	monitoring.Logf("Calibration run %s for sensor %s starting at %s", s.runID, s.sensor.ID(), homes[0].Name)

	moved := false
	defer func() {
		if err != nil {
			rec.Error = err.Error()
			if moved && !IsOperatorAbort(err) && ctx.Err() == nil {
				if perr := s.park(ctx); perr != nil {
					monitoring.Warnf("could not park rig after failure: %v", perr)
				}
			}
		}
		finished := s.Clock.Now()
		rec.Finished = &finished
		if werr := s.persist(); werr != nil {
			monitoring.Warnf("%v", werr)
			if err == nil {
				err = werr
			}
		}
	}()

	if s.cfg.QuickSummary > 0 {
		s.title("Quick data summary")
		summary, err := QuickSummary(ctx, s.sensor, s.cfg.QuickSummary)
		if err != nil {
			return rec, err
		}
		rec.QuickSummary = &summary
	}

	if err := confirmOrAbort(ctx, s.Prompter,
		fmt.Sprintf("Calibrate sensor %s from rough home %s?", s.sensor.ID(), homes[0].Name)); err != nil {
		return rec, err
	}

	if s.cfg.Debug {
		s.mover.BeforeMove = func(ctx context.Context, axis rig.AxisIndex, target float64) error {
			return confirmOrAbort(ctx, s.Prompter, fmt.Sprintf("Move %s to %.4f?", axis, target))
		}
		defer func() { s.mover.BeforeMove = nil }()
	}

	if !s.cfg.StartTime.IsZero() {
		if wait := s.Clock.Until(s.cfg.StartTime); wait > 0 {
			monitoring.Logf("Waiting %v until start time %s", wait.Round(time.Second), s.cfg.StartTime.Format(time.RFC3339))
		}
		if err := timeutil.WaitUntil(ctx, s.Clock, s.cfg.StartTime); err != nil {
			return rec, err
		}
	}

	s.title("Moving to rough home %s", homes[0].Name)
	moved = true
	if err := s.mover.MoveToOrientation(ctx, homes[0].Target); err != nil {
		return rec, &StepError{Home: homes[0].Name, Err: err}
	}

	for i, home := range homes {
		if i > 0 {
			s.title("Moving to rough home %s", home.Name)
			if err := s.mover.MoveAll(ctx, home.Approach); err != nil {
				return rec, &StepError{Home: home.Name, Err: err}
			}
		}
		visit, err := s.visit(ctx, home)
		rec.Visits = append(rec.Visits, visit)
		if err != nil {
			return rec, err
		}
		if err := s.persist(); err != nil {
			return rec, &StepError{Home: home.Name, Err: err}
		}
	}

	if err := s.park(ctx); err != nil {
		return rec, &StepError{Home: rig.ParkHome, Err: err}
	}
	monitoring.Logf("Calibration run %s complete: %d rough homes recorded", s.runID, len(rec.Visits))
	return rec, nil
}

// visit searches both axes at home, records the long capture and moves the
// searched axes back to the home's target.
func (s *Sequencer) visit(ctx context.Context, home rig.RoughHome) (Visit, error) {
	v := Visit{Home: home.Name, SensorAxis: home.SensorAxis, Started: s.Clock.Now()}
	sensorAxis, err := buffer.ParseAxis(home.SensorAxis)
	if err != nil {
		return v, &StepError{Home: home.Name, Err: err}
	}

	mode := gss.Max
	if home.SeeksMinimum() {
		mode = gss.Min
	}

	for _, sa := range home.Searches {
		sr, err := s.search(ctx, home, sa, sensorAxis, mode)
		v.Searches = append(v.Searches, sr)
		if err != nil {
			return v, &StepError{Home: home.Name, Axis: sa.Axis.String(), Err: err}
		}
	}

	s.title("Recording %v at rough home %s", s.cfg.RecordCapture, home.Name)
	buf, err := s.sensor.Capture(ctx, s.cfg.RecordCapture)
	if err != nil {
		return v, &StepError{Home: home.Name, Err: fmt.Errorf("record capture: %w", err)}
	}
	path := CSVPath(s.cfg.OutDir, s.sensor.ID(), home.Name, s.runID)
	if err := writeCSV(s.fs, path, buf); err != nil {
		return v, &StepError{Home: home.Name, Err: err}
	}
	v.CSV = path
	if summary, err := buf.Summarize(); err != nil {
		monitoring.Warnf("rough home %s: no summary: %v", home.Name, err)
	} else {
		v.Summary = &summary
		monitoring.Logf("Rough home %s recorded to %s, mean %s = %.6f", home.Name, path,
			sensorAxis, summary.Mean[sensorAxis])
	}

	for _, sa := range home.Searches {
		if _, err := s.mover.Move(ctx, sa.Axis, home.Target.Get(sa.Axis)); err != nil {
			return v, &StepError{Home: home.Name, Axis: sa.Axis.String(), Err: err}
		}
	}
	v.Finished = s.Clock.Now()
	return v, nil
}

func (s *Sequencer) search(ctx context.Context, home rig.RoughHome, sa rig.SearchAxis,
	sensorAxis buffer.Axis, mode gss.Mode) (SearchRecord, error) {
	sr := SearchRecord{Axis: sa.Axis.String(), A: sa.A, B: sa.B, Mode: mode.String()}
	label := fmt.Sprintf("%s %s", home.Name, sa.Axis)
	s.title("Searching %s between %.2f and %.2f for the %s of %s", label, sa.A, sa.B, mode, sensorAxis)

	objective := func(ctx context.Context, angle float64) (float64, error) {
		if _, err := s.mover.Move(ctx, sa.Axis, angle); err != nil {
			return 0, err
		}
		buf, err := s.sensor.Capture(ctx, s.cfg.SearchCapture)
		if err != nil {
			return 0, err
		}
		return buf.Stat(sensorAxis, s.cfg.Statistic)
	}

	search, err := gss.New(sa.A, sa.B, mode, objective, gss.Config{
		Label: label,
		OnEval: func(e gss.Evaluation) {
			sr.Evaluations = append(sr.Evaluations, e)
			if s.OnEval != nil {
				s.OnEval(e)
			}
		},
	})
	if err != nil {
		return sr, err
	}
	res, err := search.AutoRun(ctx, s.cfg.MinWidth, s.cfg.MaxIters)
	sr.Result = res
	if err != nil {
		return sr, err
	}
	monitoring.Logf("%s", search)

	sr.Reached, err = s.mover.Move(ctx, sa.Axis, res.Best)
	return sr, err
}

func (s *Sequencer) park(ctx context.Context) error {
	home, err := rig.Lookup(rig.ParkHome)
	if err != nil {
		return err
	}
	s.title("Parking at rough home %s", home.Name)
	if err := s.mover.MoveToOrientation(ctx, home.Target); err != nil {
		return err
	}
	s.record.Parked = true
	return nil
}

func (s *Sequencer) persist() error {
	return writeRecord(s.fs, s.RecordPath(), &s.record)
}

// IsOperatorAbort reports whether err came from the operator declining.
func IsOperatorAbort(err error) bool { return errors.Is(err, ErrSearchAborted) }
