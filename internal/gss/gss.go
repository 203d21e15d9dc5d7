// Package gss implements a golden-section search for the extremum of a
// unimodal function of one rig angle.
//
// The search keeps four points ordered a < c < d < b. Each iteration compares
// the objective at the two inner points, discards one end of the bracket and
// evaluates exactly one new point, shrinking the bracket by 1/Phi.
package gss

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/tshcal/internal/monitoring"
)

// Phi is the golden ratio.
var Phi = (1 + math.Sqrt(5)) / 2

// Defaults for AutoRun.
const (
	DefaultMinWidth = 0.1 // degrees
	DefaultMaxIters = 25
)

// ErrNotInitialized is returned by UpdateInterval before FourInitialMoves.
var ErrNotInitialized = errors.New("golden-section search not initialized")

// Mode selects whether the search looks for a maximum or a minimum.
type Mode int

const (
	Max Mode = iota
	Min
)

func (m Mode) String() string {
	if m == Min {
		return "min"
	}
	return "max"
}

// comparator returns the rule that decides whether b is discarded.
// Max keeps the lower part on ties, Min keeps the upper part.
func (m Mode) comparator() func(fc, fd float64) bool {
	if m == Min {
		return func(fc, fd float64) bool { return fc < fd }
	}
	return func(fc, fd float64) bool { return fc >= fd }
}

// Point is one evaluated angle.
type Point struct {
	Angle float64 `json:"angle"`
	Value float64 `json:"value"`
}

// Objective moves to angle and measures the function value there.
type Objective func(ctx context.Context, angle float64) (float64, error)

// Evaluation describes one objective call, for progress reporting.
type Evaluation struct {
	Label     string  `json:"label"`
	Iteration int     `json:"iteration"`
	Slot      string  `json:"slot"`
	Angle     float64 `json:"angle"`
	Value     float64 `json:"value"`
}

// Config contains optional search settings.
type Config struct {
	// Label names the search in logs and evaluations, e.g. "+x pitch".
	Label string
	// OnEval is called after every objective evaluation.
	OnEval func(Evaluation)
}

// Search is a golden-section search in progress. It is not safe for concurrent use.
type Search struct {
	mode      Mode
	cmp       func(fc, fd float64) bool
	objective Objective
	label     string
	onEval    func(Evaluation)

	a, c, d, b  Point
	width, mean float64
	iterations  int
	ready       bool
}

// New creates a search over the interval between a and b. The endpoints may
// be given in either order.
func New(a, b float64, mode Mode, objective Objective, cfg Config) (*Search, error) {
	if objective == nil {
		return nil, errors.New("gss: nil objective")
	}
	if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return nil, fmt.Errorf("gss: invalid interval (%g, %g)", a, b)
	}
	if a == b {
		return nil, fmt.Errorf("gss: empty interval at %g", a)
	}
	if a > b {
		a, b = b, a
	}
	s := &Search{
		mode:      mode,
		cmp:       mode.comparator(),
		objective: objective,
		label:     cfg.Label,
		onEval:    cfg.OnEval,
	}
	s.a.Angle, s.b.Angle = a, b
	s.c.Angle = b - (b-a)/Phi
	s.d.Angle = a + (b-a)/Phi
	s.width = b - a
	s.mean = (a + b) / 2
	return s, nil
}

func (s *Search) eval(ctx context.Context, slot string, angle float64) (Point, error) {
	if err := ctx.Err(); err != nil {
		return Point{}, err
	}
	v, err := s.objective(ctx, angle)
	if err != nil {
		return Point{}, fmt.Errorf("evaluate %s at %.3f: %w", s.label, angle, err)
	}
	if s.onEval != nil {
		s.onEval(Evaluation{Label: s.label, Iteration: s.iterations, Slot: slot, Angle: angle, Value: v})
	}
	return Point{Angle: angle, Value: v}, nil
}

// FourInitialMoves evaluates the objective at a, c, d and b, in that order.
func (s *Search) FourInitialMoves(ctx context.Context) error {
	var err error
	if s.a, err = s.eval(ctx, "a", s.a.Angle); err != nil {
		return err
	}
	if s.c, err = s.eval(ctx, "c", s.c.Angle); err != nil {
		return err
	}
	if s.d, err = s.eval(ctx, "d", s.d.Angle); err != nil {
		return err
	}
	if s.b, err = s.eval(ctx, "b", s.b.Angle); err != nil {
		return err
	}
	s.ready = true
	monitoring.Debugf("%s", s)
	return nil
}

// UpdateInterval performs one iteration. When the comparator holds for the
// inner values, b is dropped: (a, c, d, b) becomes (a, c', c, d). Otherwise a
// is dropped: (a, c, d, b) becomes (c, d, d', b). Only the primed point is new.
func (s *Search) UpdateInterval(ctx context.Context) error {
	if !s.ready {
		return ErrNotInitialized
	}
	s.iterations++

	if s.cmp(s.c.Value, s.d.Value) {
		a, b := s.a.Angle, s.d.Angle
		p, err := s.eval(ctx, "c", b-(b-a)/Phi)
		if err != nil {
			s.iterations--
			return err
		}
		s.b, s.d, s.c = s.d, s.c, p
	} else {
		a, b := s.c.Angle, s.b.Angle
		p, err := s.eval(ctx, "d", a+(b-a)/Phi)
		if err != nil {
			s.iterations--
			return err
		}
		s.a, s.c, s.d = s.c, s.d, p
	}

	s.width = s.b.Angle - s.a.Angle
	s.mean = (s.a.Angle + s.b.Angle) / 2
	monitoring.Debugf("%s  i:%3d", s, s.iterations)
	return nil
}

// Result is the outcome of AutoRun.
type Result struct {
	Best       float64  `json:"best"`
	Width      float64  `json:"width"`
	Iterations int      `json:"iterations"`
	Converged  bool     `json:"converged"`
	Points     [4]Point `json:"points"`
}

// AutoRun iterates until the bracket is narrower than minWidth or maxIters
// iterations have run. At least one iteration always runs, even when the
// starting bracket is already narrower than minWidth. Running out of
// iterations is logged and still returns the best estimate; only objective
// failures and cancellation are errors.
// FourInitialMoves is performed first if it has not been.
func (s *Search) AutoRun(ctx context.Context, minWidth float64, maxIters int) (Result, error) {
	if minWidth <= 0 {
		minWidth = DefaultMinWidth
	}
	if maxIters <= 0 {
		maxIters = DefaultMaxIters
	}
	if !s.ready {
		if err := s.FourInitialMoves(ctx); err != nil {
			return Result{}, err
		}
	}

	for {
		if err := s.UpdateInterval(ctx); err != nil {
			return Result{}, err
		}
		if s.width < minWidth || s.iterations >= maxIters {
			break
		}
	}

	res := s.Result(minWidth)
	if !res.Converged {
		monitoring.Warnf("%s did not converge: width %.4f after %d iterations, using mean %.4f",
			s.label, s.width, s.iterations, s.mean)
	}
	return res, nil
}

// Result reports the current state against minWidth.
func (s *Search) Result(minWidth float64) Result {
	return Result{
		Best:       s.mean,
		Width:      s.width,
		Iterations: s.iterations,
		Converged:  s.width < minWidth,
		Points:     s.Points(),
	}
}

// Points returns the four slots in order a, c, d, b.
func (s *Search) Points() [4]Point { return [4]Point{s.a, s.c, s.d, s.b} }

func (s *Search) Width() float64  { return s.width }
func (s *Search) Mean() float64   { return s.mean }
func (s *Search) Iterations() int { return s.iterations }
func (s *Search) Mode() Mode      { return s.mode }
func (s *Search) Label() string   { return s.label }

func (s *Search) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "GSS(%s)", s.mode)
	if s.label != "" {
		fmt.Fprintf(&sb, " %s", s.label)
	}
	for i, p := range s.Points() {
		fmt.Fprintf(&sb, "  %c: %8.3f, %12.9f", "acdb"[i], p.Angle, p.Value)
	}
	fmt.Fprintf(&sb, "  w:%6.2f  m:%6.2f", s.width, s.mean)
	return sb.String()
}
