package packet

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/tshcal/internal/monitoring"
)

// Digital-IO status bits of a sample record.
const (
	dioEnabled = 0x0001
	dioLevel   = 0x0004
)

// ioState is the last digital input level seen for one sensor.
type ioState struct {
	mu    sync.Mutex
	level bool
	seen  bool
}

// Decoder turns complete frames into AccelPackets. It remembers the digital
// input level of every sensor it has decoded so that level flips can be
// reported across packet boundaries. A Decoder is safe for concurrent use;
// state for different sensors is guarded independently.
type Decoder struct {
	mu     sync.Mutex
	levels map[string]*ioState
}

// NewDecoder creates a Decoder with no digital-IO history.
func NewDecoder() *Decoder {
	return &Decoder{levels: make(map[string]*ioState)}
}

func (d *Decoder) state(sensorID string) *ioState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.levels[sensorID]
	if !ok {
		st = &ioState{}
		d.levels[sensorID] = st
	}
	return st
}

// Level returns the last digital input level recorded for sensorID.
func (d *Decoder) Level(sensorID string) (level, ok bool) {
	d.mu.Lock()
	st, found := d.levels[sensorID]
	d.mu.Unlock()
	if !found {
		return false, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.level, st.seen
}

// Decode decodes one complete frame. Frames that are not TSH-ES accel frames
// return an error wrapping ErrProtocolMismatch; frames shorter than their
// declared payload return ErrTruncated and no samples.
func (d *Decoder) Decode(frame []byte) (*AccelPacket, error) {
	hdr, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < hdr.FrameSize() {
		return nil, fmt.Errorf("%w: %d samples declared, %d bytes of payload", ErrTruncated, hdr.NumSamples, len(frame)-HeaderSize)
	}

	p := &AccelPacket{Header: hdr}

	rateCode, gainCode, unitCode, adjBit := StatusCodes(hdr.Status)
	var warn error
	if p.Rate, warn = LookupRate(rateCode); warn != nil {
		p.Warnings = append(p.Warnings, warn)
	}
	if p.Gain, warn = LookupGain(gainCode); warn != nil {
		p.Warnings = append(p.Warnings, warn)
	}
	if p.Unit, warn = LookupUnit(unitCode); warn != nil {
		p.Warnings = append(p.Warnings, warn)
	}
	p.Adjustment = LookupAdjustment(adjBit)
	for _, w := range p.Warnings {
		monitoring.Warnf("%s counter %d: %v, using fallback", hdr.SensorID, hdr.Counter, w)
	}

	p.Samples = make([]Sample, hdr.NumSamples)
	for i := range p.Samples {
		off := HeaderSize + i*RecordSize
		p.Samples[i] = Sample{
			X:   math.Float32frombits(binary.BigEndian.Uint32(frame[off:])),
			Y:   math.Float32frombits(binary.BigEndian.Uint32(frame[off+4:])),
			Z:   math.Float32frombits(binary.BigEndian.Uint32(frame[off+8:])),
			DIO: binary.BigEndian.Uint32(frame[off+12:]),
		}
	}
	p.Events = d.trackDigitalIO(p)

	return p, nil
}

// trackDigitalIO updates the sensor's input level from each enabled record
// and returns one event per flip. The first enabled record only seeds the level.
func (d *Decoder) trackDigitalIO(p *AccelPacket) []DigitalIOEvent {
	st := d.state(p.SensorID)
	st.mu.Lock()
	defer st.mu.Unlock()

	var events []DigitalIOEvent
	for i, s := range p.Samples {
		if s.DIO&dioEnabled == 0 {
			continue
		}
		level := s.DIO&dioLevel != 0
		if !st.seen {
			st.level, st.seen = level, true
			continue
		}
		if level != st.level {
			st.level = level
			events = append(events, DigitalIOEvent{
				SensorID:    p.SensorID,
				Level:       level,
				SampleIndex: i,
				Time:        p.Time + float64(i)/p.Rate.Hz,
			})
		}
	}
	return events
}
