package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/tsh/buffer"
	"github.com/banshee-data/tshcal/internal/tsh/packet"
)

// DefaultPort is the TSH-ES accel data port.
const DefaultPort = 9750

// SensorConfig contains configuration options for a sensor connection.
type SensorConfig struct {
	// Addr is the sensor data address, host:port.
	Addr string
	// SensorID is the canonical id ("es13"). Packets from other sensors are
	// ignored. Empty accepts every sensor.
	SensorID string
	// Rate is the configured sample rate; it sizes capture buffers.
	Rate float64
	// Dialer defaults to a TCPDialer.
	Dialer Dialer
	// Stats is optional.
	Stats StatsRecorder
	// OnEvent is called for every digital-IO level change. Optional.
	OnEvent func(packet.DigitalIOEvent)
}

// Sensor captures fixed-duration sample buffers from one TSH-ES sensor.
// Every capture opens a fresh connection so no buffered data predates it.
type Sensor struct {
	cfg     SensorConfig
	decoder *packet.Decoder

	mu         sync.Mutex
	rateWarned bool
}

// NewSensor creates a Sensor. The decoder, and with it the digital-IO
// history, persists across captures.
func NewSensor(cfg SensorConfig) *Sensor {
	if cfg.Dialer == nil {
		cfg.Dialer = NewTCPDialer(0)
	}
	if cfg.Stats == nil {
		cfg.Stats = noopStats{}
	}
	return &Sensor{cfg: cfg, decoder: packet.NewDecoder()}
}

// ID returns the configured sensor id.
func (s *Sensor) ID() string { return s.cfg.SensorID }

// Rate returns the configured sample rate.
func (s *Sensor) Rate() float64 { return s.cfg.Rate }

// Capture connects to the sensor and fills a buffer sized for duration at the
// configured rate. Cancelling ctx closes the connection and unblocks the read.
func (s *Sensor) Capture(ctx context.Context, duration time.Duration) (*buffer.SampleBuffer, error) {
	buf := buffer.NewSampleBuffer(s.cfg.SensorID, s.cfg.Rate, duration)

	conn, err := s.cfg.Dialer.DialContext(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sensor at %s: %w", s.cfg.Addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			monitoring.Debugf("set read deadline on %s: %v", s.cfg.Addr, err)
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	monitoring.Debugf("capturing %d samples from %s at %s", buf.Capacity(), s.cfg.SensorID, s.cfg.Addr)
	reader := NewPacketReader(conn, s.decoder, s.cfg.Stats)
	for !buf.IsFull() {
		p, err := reader.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("%w: sensor closed the stream after %d of %d samples",
					ErrIncompletePacket, buf.Cursor(), buf.Capacity())
			}
			return nil, fmt.Errorf("capture from %s: %w", s.cfg.Addr, err)
		}
		if s.cfg.SensorID != "" && p.SensorID != s.cfg.SensorID {
			monitoring.Debugf("ignoring packet from %s while capturing %s", p.SensorID, s.cfg.SensorID)
			continue
		}
		s.checkRate(p)
		for _, ev := range p.Events {
			monitoring.Logf("%s digital input changed to %t at %.4f (sample %d)", ev.SensorID, ev.Level, ev.Time, ev.SampleIndex)
			if s.cfg.OnEvent != nil {
				s.cfg.OnEvent(ev)
			}
		}
		n, _ := buf.Add(p.Samples)
		s.cfg.Stats.AddSamples(n)
	}
	return buf, nil
}

// checkRate warns once when the sensor reports a rate other than the configured one.
func (s *Sensor) checkRate(p *packet.AccelPacket) {
	if s.cfg.Rate <= 0 || p.Rate.Hz == s.cfg.Rate {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rateWarned {
		return
	}
	s.rateWarned = true
	monitoring.Warnf("%s reports %.4f sa/sec but %.4f sa/sec is configured; buffer durations will be off",
		p.SensorID, p.Rate.Hz, s.cfg.Rate)
}
