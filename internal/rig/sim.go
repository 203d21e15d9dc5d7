package rig

import (
	"context"
	"fmt"
	"math"
	"sync"
)

// SimController is an in-memory Controller. Moves land on target plus
// Offset, and every move is recorded.
type SimController struct {
	mu       sync.Mutex
	pos      map[AxisIndex]float64
	on       map[AxisIndex]bool
	offset   map[AxisIndex]float64
	misses   map[AxisIndex]int
	moves    []AxisMove
	closed   bool
	observer func(Orientation)
}

// NewSimController creates a simulated rig at the zero pose.
func NewSimController() *SimController {
	return &SimController{
		pos:    make(map[AxisIndex]float64),
		on:     make(map[AxisIndex]bool),
		offset: make(map[AxisIndex]float64),
		misses: make(map[AxisIndex]int),
	}
}

// SetOffset makes every move of axis land off target by delta degrees.
func (s *SimController) SetOffset(a AxisIndex, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offset[a] = delta
}

// MissNext makes the next n moves of axis land one degree off target.
func (s *SimController) MissNext(a AxisIndex, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.misses[a] = n
}

// Observe registers f to receive the pose after every move.
func (s *SimController) Observe(f func(Orientation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = f
}

// Orientation returns the current simulated pose.
func (s *SimController) Orientation() Orientation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orientation()
}

func (s *SimController) orientation() Orientation {
	return Orientation{Roll: s.pos[Roll], Pitch: s.pos[Pitch], Yaw: s.pos[Yaw]}
}

// Moves returns every commanded move in order.
func (s *SimController) Moves() []AxisMove {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AxisMove, len(s.moves))
	copy(out, s.moves)
	return out
}

// Axis returns a simulated stage.
func (s *SimController) Axis(index AxisIndex) (Axis, error) {
	if !index.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAxis, int(index))
	}
	return &simAxis{sim: s, index: index}, nil
}

// MotorStatus reports whether On was called for the stage.
func (s *SimController) MotorStatus(_ context.Context, index AxisIndex) (bool, error) {
	if !index.Valid() {
		return false, fmt.Errorf("%w: %d", ErrUnknownAxis, int(index))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on[index], nil
}

// Close marks the controller closed.
func (s *SimController) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type simAxis struct {
	sim   *SimController
	index AxisIndex
}

func (a *simAxis) Index() AxisIndex { return a.index }

func (a *simAxis) On(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	if a.sim.closed {
		return fmt.Errorf("simulated controller closed")
	}
	a.sim.on[a.index] = true
	return nil
}

func (a *simAxis) MoveTo(ctx context.Context, angle float64, _ bool) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s := a.sim
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("simulated controller closed")
	}
	if !s.on[a.index] {
		s.mu.Unlock()
		return 0, fmt.Errorf("%s motor is off", a.index)
	}
	actual := angle + s.offset[a.index]
	if s.misses[a.index] > 0 {
		s.misses[a.index]--
		actual += 1
	}
	s.pos[a.index] = actual
	s.moves = append(s.moves, AxisMove{Axis: a.index, Angle: angle})
	pose, observer := s.orientation(), s.observer
	s.mu.Unlock()

	if observer != nil {
		observer(pose)
	}
	return actual, nil
}

func (a *simAxis) Position(context.Context) (float64, error) {
	a.sim.mu.Lock()
	defer a.sim.mu.Unlock()
	return a.sim.pos[a.index], nil
}

// Gravity is the unit gravity vector in sensor coordinates at pose o.
// Roll turns about the sensor z axis, pitch about y and yaw about x,
// applied in that order, so the zero pose reads +1 g on x.
func (o Orientation) Gravity() [3]float64 {
	rad := math.Pi / 180
	sr, cr := math.Sincos(o.Roll * rad)
	sp, cp := math.Sincos(o.Pitch * rad)
	sy, cy := math.Sincos(o.Yaw * rad)

	// roll
	x, y, z := cr, sr, 0.0
	// pitch
	x, z = x*cp+z*sp, -x*sp+z*cp
	// yaw
	y, z = y*cy+z*sy, -y*sy+z*cy
	return [3]float64{x, y, z}
}
