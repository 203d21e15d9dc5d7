package calibration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/tsh/buffer"
)

// ErrQuickSummaryTimeout is returned when the quick summary capture does not
// finish within twice its duration.
var ErrQuickSummaryTimeout = errors.New("quick data summary timed out")

// Capturer fills a sample buffer from one sensor. network.Sensor satisfies it.
type Capturer interface {
	ID() string
	Rate() float64
	Capture(ctx context.Context, duration time.Duration) (*buffer.SampleBuffer, error)
}

type captureResult struct {
	buf *buffer.SampleBuffer
	err error
}

// QuickSummary captures duration worth of samples in a worker and summarises
// them. The worker is cancelled if it has not returned within 2*duration.
func QuickSummary(ctx context.Context, c Capturer, duration time.Duration) (buffer.Summary, error) {
	wctx, cancel := context.WithTimeout(ctx, 2*duration)
	defer cancel()

	done := make(chan captureResult, 1)
	go func() {
		buf, err := c.Capture(wctx, duration)
		done <- captureResult{buf, err}
	}()

	var r captureResult
	select {
	case r = <-done:
	case <-wctx.Done():
		if err := ctx.Err(); err != nil {
			return buffer.Summary{}, err
		}
		return buffer.Summary{}, fmt.Errorf("%w: sensor %s gave no full %v capture within %v",
			ErrQuickSummaryTimeout, c.ID(), duration, 2*duration)
	}
	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return buffer.Summary{}, fmt.Errorf("%w: %v", ErrQuickSummaryTimeout, r.err)
		}
		return buffer.Summary{}, fmt.Errorf("quick summary capture: %w", r.err)
	}

	s, err := r.buf.Summarize()
	if err != nil {
		return buffer.Summary{}, err
	}
	monitoring.Logf("QUICK SUMMARY of %d samples from %s...Mean: X = %.6f, Y = %.6f, Z = %.6f",
		s.Samples, s.SensorID, s.Mean[buffer.AxisX], s.Mean[buffer.AxisY], s.Mean[buffer.AxisZ])
	return s, nil
}
