// Package rig drives the three-axis calibration rig through its motion
// controller and describes the six rough-home orientations.
package rig

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/timeutil"
)

var (
	// ErrPositionToleranceExceeded is returned when an axis still misses its
	// target after every retry.
	ErrPositionToleranceExceeded = errors.New("rig position tolerance exceeded")
	// ErrUnknownAxis is returned for an axis index or name the rig does not have.
	ErrUnknownAxis = errors.New("unknown rig axis")
)

// AxisIndex is the controller's stage number for a rig axis.
type AxisIndex int

const (
	Roll  AxisIndex = 1
	Pitch AxisIndex = 2
	Yaw   AxisIndex = 3
)

// Axes lists the rig axes in controller order.
var Axes = []AxisIndex{Roll, Pitch, Yaw}

func (a AxisIndex) String() string {
	switch a {
	case Roll:
		return "roll"
	case Pitch:
		return "pitch"
	case Yaw:
		return "yaw"
	default:
		return fmt.Sprintf("axis%d", int(a))
	}
}

// Valid reports whether a names one of the three rig axes.
func (a AxisIndex) Valid() bool { return a >= Roll && a <= Yaw }

// ParseAxis accepts "roll", "pitch" or "yaw".
func ParseAxis(name string) (AxisIndex, error) {
	for _, a := range Axes {
		if a.String() == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q must be roll, pitch or yaw", ErrUnknownAxis, name)
}

// Axis is one motorised stage of the rig.
type Axis interface {
	Index() AxisIndex
	// On enables the stage motor.
	On(ctx context.Context) error
	// MoveTo commands an absolute move in degrees. With wait set it blocks
	// until motion stops and returns the position reached.
	MoveTo(ctx context.Context, angle float64, wait bool) (float64, error)
	// Position queries the current position in degrees.
	Position(ctx context.Context) (float64, error)
}

// Controller is the motion controller driving all three stages.
type Controller interface {
	Axis(index AxisIndex) (Axis, error)
	// MotorStatus reports whether the stage motor is powered.
	MotorStatus(ctx context.Context, index AxisIndex) (bool, error)
	Close() error
}

// MoveConfig bounds how a Mover settles and retries.
type MoveConfig struct {
	// Settle is the wait after every commanded move.
	Settle time.Duration
	// Tolerance is the largest accepted |actual - target| in degrees.
	Tolerance float64
	// MaxRetries is the number of extra attempts after the first move.
	MaxRetries int
}

// DefaultMoveConfig returns the settle and tolerance used on the bench rig.
func DefaultMoveConfig() MoveConfig {
	return MoveConfig{Settle: 3 * time.Second, Tolerance: 0.01, MaxRetries: 3}
}

// MoveRecord describes one completed move, for progress reporting.
type MoveRecord struct {
	Axis     AxisIndex `json:"axis"`
	Target   float64   `json:"target"`
	Actual   float64   `json:"actual"`
	Attempts int       `json:"attempts"`
}

// Mover commands absolute moves, waits for the rig to settle and verifies
// the reached position.
type Mover struct {
	ctrl   Controller
	clock  timeutil.Clock
	cfg    MoveConfig
	OnMove func(MoveRecord)
	// BeforeMove, when set, is consulted before every move; an error cancels it.
	BeforeMove func(ctx context.Context, axis AxisIndex, target float64) error
}

// NewMover creates a Mover. A zero Tolerance uses the default.
func NewMover(ctrl Controller, clock timeutil.Clock, cfg MoveConfig) *Mover {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultMoveConfig().Tolerance
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Mover{ctrl: ctrl, clock: clock, cfg: cfg}
}

// Controller returns the controller being driven.
func (m *Mover) Controller() Controller { return m.ctrl }

// Move drives axis to target and returns the position reached. Each attempt
// is followed by the settle delay. If the axis is still outside tolerance
// after MaxRetries retries the error wraps ErrPositionToleranceExceeded.
func (m *Mover) Move(ctx context.Context, index AxisIndex, target float64) (float64, error) {
	if m.BeforeMove != nil {
		if err := m.BeforeMove(ctx, index, target); err != nil {
			return 0, err
		}
	}
	ax, err := m.ctrl.Axis(index)
	if err != nil {
		return 0, err
	}
	if err := ax.On(ctx); err != nil {
		return 0, fmt.Errorf("enable %s: %w", index, err)
	}

	monitoring.Logf("Moving rig %s to %.4f", index, target)
	var actual float64
	for attempt := 1; attempt <= m.cfg.MaxRetries+1; attempt++ {
		actual, err = ax.MoveTo(ctx, target, true)
		if err != nil {
			return actual, fmt.Errorf("move %s to %.4f: %w", index, target, err)
		}
		if err := m.clock.Sleep(ctx, m.cfg.Settle); err != nil {
			return actual, err
		}
		if math.Abs(actual-target) <= m.cfg.Tolerance {
			monitoring.Debugf("rig %s at %.4f (target %.4f, attempt %d)", index, actual, target, attempt)
			if m.OnMove != nil {
				m.OnMove(MoveRecord{Axis: index, Target: target, Actual: actual, Attempts: attempt})
			}
			return actual, nil
		}
		monitoring.Warnf("rig %s reached %.4f, %.4f from target %.4f (attempt %d of %d)",
			index, actual, actual-target, target, attempt, m.cfg.MaxRetries+1)
	}
	return actual, fmt.Errorf("%w: %s at %.4f after %d attempts, target %.4f, tolerance %.4f",
		ErrPositionToleranceExceeded, index, actual, m.cfg.MaxRetries+1, target, m.cfg.Tolerance)
}

// MoveAll performs moves in order.
func (m *Mover) MoveAll(ctx context.Context, moves []AxisMove) error {
	for _, mv := range moves {
		if _, err := m.Move(ctx, mv.Axis, mv.Angle); err != nil {
			return err
		}
	}
	return nil
}

// MoveToOrientation moves roll, pitch and yaw, in that order, to o.
func (m *Mover) MoveToOrientation(ctx context.Context, o Orientation) error {
	return m.MoveAll(ctx, o.Moves())
}
