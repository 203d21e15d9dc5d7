// Package testutil provides shared test utilities and fixtures.
//
// The frame builder writes TSH-ES accel frames byte by byte so that decoder,
// reassembler and calibration tests share one fixture without importing the
// decoder under test.
package testutil

import (
	"encoding/binary"
	"math"
	"testing"
)

// Wire offsets of a TSH-ES accel frame.
const (
	EnvelopeSize = 44
	HeaderSize   = 80
	RecordSize   = 16
)

// Sample is one accel record as written on the wire.
type Sample struct {
	X, Y, Z float32
	DIO     uint32
}

// FrameSpec describes a synthetic frame. Zero values give a real-time frame
// for "tshes-13" whose declared sample count matches Samples.
type FrameSpec struct {
	SensorID string
	Selector uint16
	Counter  uint32
	Sec      uint32
	Usec     uint32
	Status   int32
	// DeclaredSamples overrides num_samples when non-nil.
	DeclaredSamples *int32
	Samples         []Sample
}

// StatusBits packs rate, gain, unit and adjustment codes into a packet_status word.
func StatusBits(rate, gain, unit, adj int) int32 {
	return int32((rate&0x0f)<<8 | (gain & 0x1f) | (unit&0x03)<<5 | (adj&0x01)<<7)
}

// Declared returns a pointer for FrameSpec.DeclaredSamples.
func Declared(n int32) *int32 { return &n }

// BuildFrame serialises a frame description into network byte order.
func BuildFrame(fs FrameSpec) []byte {
	if fs.SensorID == "" {
		fs.SensorID = "tshes-13"
	}
	if fs.Selector == 0 {
		fs.Selector = 170
	}
	n := int32(len(fs.Samples))
	if fs.DeclaredSamples != nil {
		n = *fs.DeclaredSamples
	}

	buf := make([]byte, HeaderSize+RecordSize*len(fs.Samples))
	buf[0], buf[1] = 0xAC, 0xD3
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[6:10], fs.Counter)
	binary.BigEndian.PutUint16(buf[40:42], fs.Selector)
	binary.BigEndian.PutUint16(buf[42:44], uint16(len(buf)-EnvelopeSize))

	copy(buf[44:60], fs.SensorID)
	binary.BigEndian.PutUint32(buf[60:64], fs.Counter)
	binary.BigEndian.PutUint32(buf[64:68], fs.Sec)
	binary.BigEndian.PutUint32(buf[68:72], fs.Usec)
	binary.BigEndian.PutUint32(buf[72:76], uint32(fs.Status))
	binary.BigEndian.PutUint32(buf[76:80], uint32(n))

	for i, s := range fs.Samples {
		off := HeaderSize + i*RecordSize
		binary.BigEndian.PutUint32(buf[off:], math.Float32bits(s.X))
		binary.BigEndian.PutUint32(buf[off+4:], math.Float32bits(s.Y))
		binary.BigEndian.PutUint32(buf[off+8:], math.Float32bits(s.Z))
		binary.BigEndian.PutUint32(buf[off+12:], s.DIO)
	}
	return buf
}

// RampSamples returns n samples with distinct, easily checked values.
func RampSamples(n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		f := float32(i)
		out[i] = Sample{X: f, Y: f + 0.5, Z: -f}
	}
	return out
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
