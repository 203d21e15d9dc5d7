// Package buffer accumulates decoded accel samples into a fixed-size buffer
// and computes per-axis statistics once it is full.
package buffer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/tsh/packet"
)

var (
	// ErrBufferOverrun is returned by Add on a buffer that is already full.
	// Nothing is written; callers treat it as a warning.
	ErrBufferOverrun = errors.New("sample buffer already full")
	// ErrNotFull guards statistics on a buffer that is still filling.
	ErrNotFull = errors.New("sample buffer not full")
)

// Axis selects one sensor axis.
type Axis int

const (
	AxisX Axis = iota
	AxisY
	AxisZ
)

func (a Axis) String() string {
	switch a {
	case AxisX:
		return "x"
	case AxisY:
		return "y"
	case AxisZ:
		return "z"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

// ParseAxis accepts "x", "y" or "z".
func ParseAxis(s string) (Axis, error) {
	switch s {
	case "x", "X":
		return AxisX, nil
	case "y", "Y":
		return AxisY, nil
	case "z", "Z":
		return AxisZ, nil
	}
	return 0, fmt.Errorf("unknown sensor axis %q", s)
}

// Statistic names the reduction used as a search objective.
type Statistic string

const (
	StatMean   Statistic = "mean"
	StatMedian Statistic = "median"
)

// ParseStatistic accepts "mean" or "median".
func ParseStatistic(s string) (Statistic, error) {
	switch Statistic(s) {
	case StatMean, StatMedian:
		return Statistic(s), nil
	}
	return "", fmt.Errorf("unknown statistic %q (want mean or median)", s)
}

// SampleBuffer holds up to Capacity samples, stored column-wise.
// It is not safe for concurrent use.
type SampleBuffer struct {
	SensorID string
	Rate     float64

	capacity int
	cols     [3][]float64
	cursor   int
	full     bool
	dropped  int
}

// NewSampleBuffer sizes a buffer for duration at rate samples per second,
// rounding up. A buffer always holds at least one sample.
func NewSampleBuffer(sensorID string, rate float64, duration time.Duration) *SampleBuffer {
	n := int(math.Ceil(rate * duration.Seconds()))
	return WithCapacity(sensorID, rate, n)
}

// WithCapacity creates a buffer holding exactly capacity samples.
func WithCapacity(sensorID string, rate float64, capacity int) *SampleBuffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &SampleBuffer{SensorID: sensorID, Rate: rate, capacity: capacity}
	for i := range b.cols {
		b.cols[i] = make([]float64, capacity)
	}
	return b
}

func (b *SampleBuffer) Capacity() int { return b.capacity }

// Cursor is the number of samples stored so far.
func (b *SampleBuffer) Cursor() int { return b.cursor }

func (b *SampleBuffer) IsFull() bool { return b.full }

// Dropped counts samples discarded because they arrived after the buffer filled.
func (b *SampleBuffer) Dropped() int { return b.dropped }

// Add appends samples until the buffer is full and returns how many were kept.
// The remainder of a batch that fills the buffer is discarded and logged.
// Add on a full buffer keeps nothing and returns ErrBufferOverrun.
func (b *SampleBuffer) Add(samples []packet.Sample) (int, error) {
	if b.full {
		b.dropped += len(samples)
		monitoring.Warnf("%s buffer already full (%d samples), ignoring %d more", b.SensorID, b.capacity, len(samples))
		return 0, fmt.Errorf("%w: %d samples ignored", ErrBufferOverrun, len(samples))
	}

	n := len(samples)
	if room := b.capacity - b.cursor; n > room {
		n = room
	}
	for i, s := range samples[:n] {
		b.cols[AxisX][b.cursor+i] = float64(s.X)
		b.cols[AxisY][b.cursor+i] = float64(s.Y)
		b.cols[AxisZ][b.cursor+i] = float64(s.Z)
	}
	b.cursor += n

	if b.cursor == b.capacity {
		b.full = true
		if extra := len(samples) - n; extra > 0 {
			b.dropped += extra
			monitoring.Debugf("%s buffer full at %d samples, discarded %d trailing samples", b.SensorID, b.capacity, extra)
		}
	}
	return n, nil
}

// Column returns a copy of the stored values for one axis.
func (b *SampleBuffer) Column(axis Axis) []float64 {
	out := make([]float64, b.cursor)
	copy(out, b.cols[axis][:b.cursor])
	return out
}

func (b *SampleBuffer) ready(axis Axis) error {
	if !b.full {
		return fmt.Errorf("%w: %d of %d samples", ErrNotFull, b.cursor, b.capacity)
	}
	if axis < AxisX || axis > AxisZ {
		return fmt.Errorf("unknown sensor axis %d", int(axis))
	}
	return nil
}

// Mean of one axis over the full buffer.
func (b *SampleBuffer) Mean(axis Axis) (float64, error) {
	if err := b.ready(axis); err != nil {
		return 0, err
	}
	return stat.Mean(b.cols[axis], nil), nil
}

// Median of one axis over the full buffer. For an even count this is the
// mean of the two middle values.
func (b *SampleBuffer) Median(axis Axis) (float64, error) {
	if err := b.ready(axis); err != nil {
		return 0, err
	}
	sorted := b.Column(axis)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2], nil
	}
	return stat.Mean(sorted[n/2-1:n/2+1], nil), nil
}

// StdDev is the sample standard deviation of one axis over the full buffer.
func (b *SampleBuffer) StdDev(axis Axis) (float64, error) {
	if err := b.ready(axis); err != nil {
		return 0, err
	}
	if b.capacity < 2 {
		return 0, nil
	}
	return stat.StdDev(b.cols[axis], nil), nil
}

// Stat reduces one axis with the named statistic.
func (b *SampleBuffer) Stat(axis Axis, s Statistic) (float64, error) {
	switch s {
	case StatMean:
		return b.Mean(axis)
	case StatMedian:
		return b.Median(axis)
	default:
		return 0, fmt.Errorf("unknown statistic %q", s)
	}
}

// Summary is the per-axis mean, median and standard deviation of a full buffer.
type Summary struct {
	SensorID string     `json:"sensor_id"`
	Samples  int        `json:"samples"`
	Mean     [3]float64 `json:"mean"`
	Median   [3]float64 `json:"median"`
	StdDev   [3]float64 `json:"std_dev"`
}

// Summarize computes a Summary. The buffer must be full.
func (b *SampleBuffer) Summarize() (Summary, error) {
	s := Summary{SensorID: b.SensorID, Samples: b.cursor}
	for _, ax := range []Axis{AxisX, AxisY, AxisZ} {
		var err error
		if s.Mean[ax], err = b.Mean(ax); err != nil {
			return Summary{}, err
		}
		if s.Median[ax], err = b.Median(ax); err != nil {
			return Summary{}, err
		}
		if s.StdDev[ax], err = b.StdDev(ax); err != nil {
			return Summary{}, err
		}
	}
	return s, nil
}

// CSVPrecision is the number of decimals written per value.
const CSVPrecision = 7

// WriteCSV writes the stored samples as x,y,z rows with fixed precision.
// A partially filled buffer writes only the samples it holds.
func (b *SampleBuffer) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	row := make([]string, 3)
	for i := 0; i < b.cursor; i++ {
		for ax := range row {
			row[ax] = strconv.FormatFloat(b.cols[ax][i], 'f', CSVPrecision, 64)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write sample %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func (b *SampleBuffer) String() string {
	return fmt.Sprintf("SampleBuffer: %s rate=%.4f sa/sec, %d/%d samples", b.SensorID, b.Rate, b.cursor, b.capacity)
}
