package packet

import (
	"encoding/binary"
	"math"
)

// Frame is the input to AppendFrame.
type Frame struct {
	Selector Selector
	// RawID is written verbatim into the 16-byte id field, e.g. "tshes-13".
	RawID   string
	Counter uint32
	Sec     uint32
	Usec    uint32
	Status  int32
	Samples []Sample
}

// StatusWord packs rate, gain, unit and adjustment codes into packet_status.
func StatusWord(rate, gain, unit, adj int) int32 {
	return int32(rate<<rateShift&rateMask | gain&gainMask | unit<<unitShift&unitMask | adj<<adjShift&adjMask)
}

// RateCode returns the first rate code whose rate is hz.
func RateCode(hz float64) (int, bool) {
	for code, r := range rateTable {
		if r.Hz == hz {
			return code, true
		}
	}
	return 0, false
}

// AppendFrame appends the wire form of f to dst. The envelope carries only
// the sync word, sizes and sequence; the checksum is left zero.
func AppendFrame(dst []byte, f Frame) []byte {
	if f.Selector == 0 {
		f.Selector = SelectorRealTime
	}
	size := HeaderSize + RecordSize*len(f.Samples)
	start := len(dst)
	dst = append(dst, make([]byte, size)...)
	buf := dst[start:]

	buf[0], buf[1] = SyncByte0, SyncByte1
	binary.BigEndian.PutUint32(buf[2:6], uint32(size))
	binary.BigEndian.PutUint32(buf[6:10], f.Counter)
	binary.BigEndian.PutUint16(buf[selectorOffset:], uint16(f.Selector))
	binary.BigEndian.PutUint16(buf[selectorOffset+2:], uint16(size-EnvelopeSize))

	copy(buf[idOffset:idOffset+idSize], f.RawID)
	binary.BigEndian.PutUint32(buf[counterOffset:], f.Counter)
	binary.BigEndian.PutUint32(buf[secOffset:], f.Sec)
	binary.BigEndian.PutUint32(buf[usecOffset:], f.Usec)
	binary.BigEndian.PutUint32(buf[statusOffset:], uint32(f.Status))
	binary.BigEndian.PutUint32(buf[numSamplesOffset:], uint32(len(f.Samples)))

	for i, s := range f.Samples {
		off := HeaderSize + i*RecordSize
		binary.BigEndian.PutUint32(buf[off:], math.Float32bits(s.X))
		binary.BigEndian.PutUint32(buf[off+4:], math.Float32bits(s.Y))
		binary.BigEndian.PutUint32(buf[off+8:], math.Float32bits(s.Z))
		binary.BigEndian.PutUint32(buf[off+12:], s.DIO)
	}
	return dst
}
