package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

/*
TSH-ES accel frame layout (all multi-byte fields big-endian):

	0-1    sync word 0xAC 0xD3
	2-39   envelope: message size, sequence, checksum, source/destination ids
	40-41  selector: 170 real-time accel, 171 replayed accel
	42-43  data size
	44-59  tshes_id, NUL padded ("tshes-13")
	60-63  counter (u32)
	64-71  timestamp: sec (u32), usec (u32)
	72-75  packet_status (i32): rate, gain, unit and adjustment codes
	76-79  num_samples (i32)
	80-    num_samples records of x, y, z (f32) and digital-IO status (u32)
*/
const (
	SyncByte0 = 0xAC
	SyncByte1 = 0xD3

	EnvelopeSize = 44
	HeaderSize   = 80
	RecordSize   = 16

	selectorOffset   = 40
	idOffset         = 44
	idSize           = 16
	counterOffset    = 60
	secOffset        = 64
	usecOffset       = 68
	statusOffset     = 72
	numSamplesOffset = 76

	// MaxSamplesPerPacket bounds num_samples; the largest packets seen are 512 records.
	MaxSamplesPerPacket = 8192
)

var (
	// ErrProtocolMismatch marks bytes that are not a TSH-ES accel frame. Callers skip them.
	ErrProtocolMismatch = errors.New("not a TSH-ES accel frame")
	// ErrMalformedField marks a status code outside its table; decoding continues with a fallback.
	ErrMalformedField = errors.New("malformed packet field")
	// ErrTruncated marks a frame holding fewer records than its header declares.
	ErrTruncated = errors.New("truncated TSH-ES frame")
)

// Selector identifies the payload type carried by a frame.
type Selector uint16

const (
	SelectorRealTime Selector = 170
	SelectorReplay   Selector = 171
)

func (s Selector) String() string {
	switch s {
	case SelectorRealTime:
		return "real-time"
	case SelectorReplay:
		return "replay"
	default:
		return fmt.Sprintf("selector(%d)", uint16(s))
	}
}

// Classify checks the sync word and selector of buf.
func Classify(buf []byte) (Selector, error) {
	if len(buf) < EnvelopeSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the envelope", ErrProtocolMismatch, len(buf))
	}
	if buf[0] != SyncByte0 || buf[1] != SyncByte1 {
		return 0, fmt.Errorf("%w: sync word %#02x%02x", ErrProtocolMismatch, buf[0], buf[1])
	}
	sel := Selector(binary.BigEndian.Uint16(buf[selectorOffset:]))
	switch sel {
	case SelectorRealTime, SelectorReplay:
		return sel, nil
	default:
		return sel, fmt.Errorf("%w: selector %d", ErrProtocolMismatch, uint16(sel))
	}
}

// Header holds the fixed fields of an accel packet.
type Header struct {
	Selector   Selector
	SensorID   string
	Counter    uint32
	Time       float64 // unix seconds
	Status     int32
	NumSamples int
}

// PayloadSize is the number of record bytes the header promises.
func (h Header) PayloadSize() int { return h.NumSamples * RecordSize }

// FrameSize is the full length of the frame described by h.
func (h Header) FrameSize() int { return HeaderSize + h.PayloadSize() }

// ParseHeader classifies buf and reads the accel header. It needs HeaderSize bytes.
func ParseHeader(buf []byte) (Header, error) {
	sel, err := Classify(buf)
	if err != nil {
		return Header{}, err
	}
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: header needs %d bytes, have %d", ErrTruncated, HeaderSize, len(buf))
	}

	n := int32(binary.BigEndian.Uint32(buf[numSamplesOffset:]))
	if n < 0 || n > MaxSamplesPerPacket {
		return Header{}, fmt.Errorf("%w: num_samples %d", ErrProtocolMismatch, n)
	}

	sec := binary.BigEndian.Uint32(buf[secOffset:])
	usec := binary.BigEndian.Uint32(buf[usecOffset:])

	return Header{
		Selector:   sel,
		SensorID:   CanonicalSensorID(buf[idOffset : idOffset+idSize]),
		Counter:    binary.BigEndian.Uint32(buf[counterOffset:]),
		Time:       float64(sec) + float64(usec)/1e6,
		Status:     int32(binary.BigEndian.Uint32(buf[statusOffset:])),
		NumSamples: int(n),
	}, nil
}

// CanonicalSensorID strips dashes and NULs and keeps the last four
// characters, so "tshes-13" becomes "es13".
func CanonicalSensorID(raw []byte) string {
	id := bytes.ReplaceAll(raw, []byte{'-'}, nil)
	id = bytes.ReplaceAll(id, []byte{0}, nil)
	if len(id) > 4 {
		id = id[len(id)-4:]
	}
	return string(id)
}

// Sample is one decoded accel record.
type Sample struct {
	X, Y, Z float32
	DIO     uint32
}

// DigitalIOEvent reports a change of the digital input level of a sensor.
type DigitalIOEvent struct {
	SensorID    string
	Level       bool
	SampleIndex int
	Time        float64
}

// AccelPacket is a fully decoded TSH-ES accel packet. It is not modified after Decode returns.
type AccelPacket struct {
	Header
	Rate       RateInfo
	Gain       GainInfo
	Unit       Unit
	Adjustment Adjustment
	Samples    []Sample
	Events     []DigitalIOEvent
	// Warnings lists fallbacks applied while decoding; each wraps ErrMalformedField.
	Warnings []error
}

// EndTime is the time of the last sample.
func (p *AccelPacket) EndTime() float64 {
	if p.NumSamples == 0 || p.Rate.Hz == 0 {
		return p.Time
	}
	return p.Time + float64(p.NumSamples-1)/p.Rate.Hz
}

func (p *AccelPacket) String() string {
	return fmt.Sprintf("%s %s counter=%d start=%s status=%d samples=%d rate=%g cutoff=%g gain=%g input=%q unit=%s adj=%s end=%s",
		p.SensorID, p.Selector, p.Counter, formatTime(p.Time), p.Status, p.NumSamples,
		p.Rate.Hz, p.Rate.CutoffHz, p.Gain.Gain, p.Gain.Input, p.Unit, p.Adjustment, formatTime(p.EndTime()))
}

func formatTime(t float64) string {
	sec := int64(t)
	nsec := int64((t - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC().Format("2006-01-02 15:04:05.0000")
}
