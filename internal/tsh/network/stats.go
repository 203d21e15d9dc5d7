package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tshcal/internal/monitoring"
)

// StatsRecorder receives per-frame accounting from a Reassembler and Capture.
type StatsRecorder interface {
	AddFrame(bytes int)
	AddSkipped(bytes int)
	AddSamples(count int)
}

// noopStats is used when no recorder is supplied.
type noopStats struct{}

func (noopStats) AddFrame(int)   {}
func (noopStats) AddSkipped(int) {}
func (noopStats) AddSamples(int) {}

// StreamStats tracks frame statistics with thread-safe operations.
type StreamStats struct {
	mu           sync.Mutex
	frameCount   int64
	byteCount    int64
	skippedBytes int64
	sampleCount  int64
	lastReset    time.Time
}

// NewStreamStats creates a new StreamStats instance.
func NewStreamStats() *StreamStats {
	return &StreamStats{lastReset: time.Now()}
}

// AddFrame counts one reassembled frame of the given size.
func (s *StreamStats) AddFrame(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameCount++
	s.byteCount += int64(bytes)
}

// AddSkipped counts bytes dropped while resynchronising.
func (s *StreamStats) AddSkipped(bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedBytes += int64(bytes)
}

// AddSamples counts samples accepted into a buffer.
func (s *StreamStats) AddSamples(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleCount += int64(count)
}

// StatsSnapshot is a point-in-time copy of StreamStats counters.
type StatsSnapshot struct {
	Frames   int64         `json:"frames"`
	Bytes    int64         `json:"bytes"`
	Skipped  int64         `json:"skipped_bytes"`
	Samples  int64         `json:"samples"`
	Duration time.Duration `json:"duration"`
}

// Snapshot returns the current counters without resetting them.
func (s *StreamStats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatsSnapshot{
		Frames:   s.frameCount,
		Bytes:    s.byteCount,
		Skipped:  s.skippedBytes,
		Samples:  s.sampleCount,
		Duration: time.Since(s.lastReset),
	}
}

// GetAndReset returns current counters and resets them.
func (s *StreamStats) GetAndReset() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	snap := StatsSnapshot{
		Frames:   s.frameCount,
		Bytes:    s.byteCount,
		Skipped:  s.skippedBytes,
		Samples:  s.sampleCount,
		Duration: now.Sub(s.lastReset),
	}
	s.frameCount, s.byteCount, s.skippedBytes, s.sampleCount = 0, 0, 0, 0
	s.lastReset = now
	return snap
}

// LogStats logs and resets the counters.
func (s *StreamStats) LogStats() {
	snap := s.GetAndReset()
	if snap.Frames == 0 && snap.Skipped == 0 {
		return
	}
	secs := snap.Duration.Seconds()
	msg := fmt.Sprintf("TSH stream stats (/sec): %.1f frames, %.1f KB, %.1f samples",
		float64(snap.Frames)/secs, float64(snap.Bytes)/secs/1024, float64(snap.Samples)/secs)
	if snap.Skipped > 0 {
		msg += fmt.Sprintf(", %d bytes skipped resyncing", snap.Skipped)
	}
	monitoring.Logf("%s", msg)
}
