package sim

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/rig"
	"github.com/banshee-data/tshcal/internal/tsh/buffer"
	"github.com/banshee-data/tshcal/internal/tsh/network"
)

// limitWriter accepts max bytes and then fails, recording the write sizes.
type limitWriter struct {
	buf    bytes.Buffer
	max    int
	writes []int
}

var errFull = errors.New("full")

func (w *limitWriter) Write(p []byte) (int, error) {
	if w.buf.Len()+len(p) > w.max {
		return 0, errFull
	}
	w.writes = append(w.writes, len(p))
	return w.buf.Write(p)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(Config{SensorID: "tshes-13", Rate: 250})
	assert.Error(t, err)
	_, err = NewServer(Config{SensorID: "es13", Rate: 100})
	assert.Error(t, err)

	s, err := NewServer(Config{SensorID: "es13", Rate: 125})
	require.NoError(t, err)
	assert.Equal(t, "tshes-13", s.RawID())
}

func TestStreamFramesDecode(t *testing.T) {
	s, err := NewServer(Config{SensorID: "es13", Rate: 500, SamplesPerFrame: 8, SplitWrites: 7})
	require.NoError(t, err)

	frameSize := 80 + 8*16
	w := &limitWriter{max: 3 * frameSize}
	err = s.Stream(context.Background(), w)
	assert.ErrorIs(t, err, errFull)
	assert.Equal(t, uint64(3), s.Frames())
	for _, n := range w.writes {
		assert.LessOrEqual(t, n, 7)
	}

	r := network.NewPacketReader(&w.buf, nil, nil)
	for want := uint32(0); want < 3; want++ {
		p, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want, p.Counter)
		assert.Equal(t, "es13", p.SensorID)
		assert.Equal(t, 500.0, p.Rate.Hz)
		require.Len(t, p.Samples, 8)
		assert.Equal(t, float32(1), p.Samples[0].X)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamCancelled(t *testing.T) {
	s, err := NewServer(Config{SensorID: "es13", Rate: 7.8125, SamplesPerFrame: 1, Paced: true})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Stream(ctx, io.Discard)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), s.Frames())
}

func TestSensorCaptureFollowsRig(t *testing.T) {
	t.Cleanup(monitoring.Capture(func(string, ...interface{}) {}))

	ctrl := rig.NewSimController()
	s, err := NewServer(Config{
		SensorID:    "es13",
		Rate:        250,
		SplitWrites: 100,
		Noise:       0.001,
		Seed:        1,
		Source:      func() [3]float64 { return ctrl.Orientation().Gravity() },
	})
	require.NoError(t, err)
	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Close()

	sensor := network.NewSensor(network.SensorConfig{Addr: addr, SensorID: "es13", Rate: 250})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	buf, err := sensor.Capture(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250, buf.Cursor())
	mean, err := buf.Mean(buffer.AxisX)
	require.NoError(t, err)
	assert.InDelta(t, 1, mean, 0.001)

	// tip the rig onto -z and capture again on a fresh connection
	m := rig.NewMover(ctrl, nil, rig.MoveConfig{Tolerance: 0.01})
	_, err = m.Move(ctx, rig.Pitch, 90)
	require.NoError(t, err)
	buf, err = sensor.Capture(ctx, 500*time.Millisecond)
	require.NoError(t, err)
	mean, err = buf.Mean(buffer.AxisZ)
	require.NoError(t, err)
	assert.InDelta(t, -1, mean, 0.001)
}

func TestCloseEndsStreams(t *testing.T) {
	t.Cleanup(monitoring.Capture(func(string, ...interface{}) {}))
	s, err := NewServer(Config{SensorID: "es13", Rate: 1000, Paced: true})
	require.NoError(t, err)
	addr, err := s.Listen("127.0.0.1:0")
	require.NoError(t, err)

	sensor := network.NewSensor(network.SensorConfig{Addr: addr, SensorID: "es13", Rate: 1000})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = sensor.Capture(ctx, 100*time.Millisecond)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Close() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
