// Package sim serves synthetic TSH-ES accel frames over TCP, standing in for
// a sensor during development and end-to-end tests.
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/tsh/packet"
)

// Source reports the acceleration, in g, the simulated sensor reads now.
type Source func() [3]float64

// Config describes the simulated sensor.
type Config struct {
	// SensorID is the canonical id, e.g. "es13".
	SensorID string
	Rate     float64
	// SamplesPerFrame defaults to 64.
	SamplesPerFrame int
	// Source defaults to +1 g on x.
	Source Source
	// Noise is the standard deviation added to every axis, in g.
	Noise float64
	// SplitWrites, when positive, writes each frame in chunks of this many bytes.
	SplitWrites int
	// Paced sends frames at the sample rate instead of as fast as the peer reads.
	Paced bool
	Seed  int64
}

// Server accepts any number of connections and streams frames to each.
type Server struct {
	cfg    Config
	status int32

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	frames uint64
	wg     sync.WaitGroup
}

// NewServer validates cfg. The rate must be one the sensor can report.
func NewServer(cfg Config) (*Server, error) {
	if len(cfg.SensorID) != 4 {
		return nil, fmt.Errorf("simulated sensor id %q must be four characters like es13", cfg.SensorID)
	}
	code, ok := packet.RateCode(cfg.Rate)
	if !ok {
		return nil, fmt.Errorf("simulated sensor cannot run at %.4f sa/sec", cfg.Rate)
	}
	if cfg.SamplesPerFrame <= 0 {
		cfg.SamplesPerFrame = 64
	}
	if cfg.Source == nil {
		cfg.Source = func() [3]float64 { return [3]float64{1, 0, 0} }
	}
	return &Server{
		cfg:    cfg,
		status: packet.StatusWord(code, 0, 2, 0),
		conns:  make(map[net.Conn]struct{}),
	}, nil
}

// RawID is the id as written on the wire, e.g. "tshes-13".
func (s *Server) RawID() string {
	return "tsh" + s.cfg.SensorID[:2] + "-" + s.cfg.SensorID[2:]
}

// Listen starts accepting on addr and returns the bound address.
func (s *Server) Listen(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("simulated sensor listen on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.accept(ln)
	monitoring.Logf("Simulated sensor %s streaming %.4f sa/sec on %s", s.cfg.SensorID, s.cfg.Rate, ln.Addr())
	return ln.Addr().String(), nil
}

func (s *Server) accept(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				monitoring.Warnf("simulated sensor accept: %v", err)
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.drop(conn)
			if err := s.Stream(context.Background(), conn); err != nil {
				monitoring.Debugf("simulated sensor connection %s ended: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) drop(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

// Frames is the number of frames written across all connections.
func (s *Server) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

// Close stops accepting, closes every connection and waits for the streams.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return err
}

// Stream writes frames to w until a write fails or ctx is done.
func (s *Server) Stream(ctx context.Context, w io.Writer) error {
	rng := rand.New(rand.NewSource(s.cfg.Seed))
	period := time.Duration(float64(s.cfg.SamplesPerFrame) / s.cfg.Rate * float64(time.Second))
	var ticker *time.Ticker
	if s.cfg.Paced {
		ticker = time.NewTicker(period)
		defer ticker.Stop()
	}

	start := time.Now()
	var buf []byte
	for counter := uint32(0); ; counter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := start.Add(time.Duration(counter) * period)
		buf = packet.AppendFrame(buf[:0], packet.Frame{
			RawID:   s.RawID(),
			Counter: counter,
			Sec:     uint32(t.Unix()),
			Usec:    uint32(t.Nanosecond() / 1000),
			Status:  s.status,
			Samples: s.samples(rng),
		})
		if err := s.write(w, buf); err != nil {
			return err
		}
		s.mu.Lock()
		s.frames++
		s.mu.Unlock()

		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

func (s *Server) samples(rng *rand.Rand) []packet.Sample {
	g := s.cfg.Source()
	out := make([]packet.Sample, s.cfg.SamplesPerFrame)
	for i := range out {
		var v [3]float64
		for ax := range v {
			v[ax] = g[ax]
			if s.cfg.Noise > 0 {
				v[ax] += rng.NormFloat64() * s.cfg.Noise
			}
		}
		out[i] = packet.Sample{X: float32(v[0]), Y: float32(v[1]), Z: float32(v[2])}
	}
	return out
}

func (s *Server) write(w io.Writer, frame []byte) error {
	chunk := s.cfg.SplitWrites
	if chunk <= 0 {
		chunk = len(frame)
	}
	for off := 0; off < len(frame); off += chunk {
		end := min(off+chunk, len(frame))
		if _, err := w.Write(frame[off:end]); err != nil {
			return err
		}
	}
	return nil
}
