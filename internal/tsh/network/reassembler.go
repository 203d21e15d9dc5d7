package network

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/tsh/packet"
)

// ErrIncompletePacket is returned when the peer closes the stream before a
// frame's declared payload has arrived. The partial frame is discarded.
var ErrIncompletePacket = errors.New("connection closed mid-packet")

var syncWord = []byte{packet.SyncByte0, packet.SyncByte1}

// readChunk is the size of a single socket read while waiting for a header.
const readChunk = 4096

// Deficit returns how many more payload bytes must be read to complete a
// frame declaring numSamples records when available payload bytes are
// already buffered. Zero or negative means the payload is complete.
func Deficit(numSamples, available int) int {
	received := available / packet.RecordSize
	leftover := available % packet.RecordSize
	return (numSamples-received)*packet.RecordSize - leftover
}

// Reassembler cuts a TCP byte stream into complete TSH-ES accel frames.
// A frame is only returned once all of its records have arrived; bytes that
// do not start an accel frame are skipped up to the next sync word.
type Reassembler struct {
	r       io.Reader
	pending []byte
	chunk   []byte
	stats   StatsRecorder
}

// NewReassembler reads frames from r. stats may be nil.
func NewReassembler(r io.Reader, stats StatsRecorder) *Reassembler {
	if stats == nil {
		stats = noopStats{}
	}
	return &Reassembler{r: r, chunk: make([]byte, readChunk), stats: stats}
}

// fill performs one read and appends whatever arrived.
func (ra *Reassembler) fill() error {
	n, err := ra.r.Read(ra.chunk)
	ra.pending = append(ra.pending, ra.chunk[:n]...)
	if n > 0 {
		return nil
	}
	if err == nil {
		return io.ErrNoProgress
	}
	return err
}

// need reads until at least n bytes are pending.
func (ra *Reassembler) need(n int) error {
	for len(ra.pending) < n {
		if err := ra.fill(); err != nil {
			return err
		}
	}
	return nil
}

// resync drops the leading byte and everything up to the next sync word.
func (ra *Reassembler) resync(reason error) {
	skip := len(ra.pending)
	if i := bytes.Index(ra.pending[1:], syncWord); i >= 0 {
		skip = i + 1
	} else if ra.pending[len(ra.pending)-1] == packet.SyncByte0 {
		// keep a trailing first sync byte, its partner may be in the next read
		skip = len(ra.pending) - 1
	}
	monitoring.Debugf("resync: skipping %d bytes (%v)", skip, reason)
	ra.stats.AddSkipped(skip)
	ra.pending = ra.pending[skip:]
}

// Next returns the next complete frame. It returns io.EOF when the stream
// ends cleanly between frames and an error wrapping ErrIncompletePacket when
// it ends inside one.
func (ra *Reassembler) Next() ([]byte, error) {
	for {
		if err := ra.need(packet.EnvelopeSize); err != nil {
			return nil, ra.endOfStream(err)
		}
		if _, err := packet.Classify(ra.pending); err != nil {
			ra.resync(err)
			continue
		}

		if err := ra.need(packet.HeaderSize); err != nil {
			return nil, ra.endOfStream(err)
		}
		hdr, err := packet.ParseHeader(ra.pending)
		if err != nil {
			ra.resync(err)
			continue
		}

		available := len(ra.pending) - packet.HeaderSize
		if deficit := Deficit(hdr.NumSamples, available); deficit > 0 {
			if err := ra.readDeficit(deficit); err != nil {
				got := len(ra.pending) - packet.HeaderSize
				ra.pending = ra.pending[:0]
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return nil, fmt.Errorf("%w: %s counter %d has %d of %d payload bytes",
						ErrIncompletePacket, hdr.SensorID, hdr.Counter, got, hdr.PayloadSize())
				}
				return nil, err
			}
		}

		size := hdr.FrameSize()
		frame := make([]byte, size)
		copy(frame, ra.pending[:size])
		ra.pending = append(ra.pending[:0], ra.pending[size:]...)
		ra.stats.AddFrame(size)
		return frame, nil
	}
}

// readDeficit reads exactly n more bytes onto the pending leftover.
func (ra *Reassembler) readDeficit(n int) error {
	start := len(ra.pending)
	ra.pending = append(ra.pending, make([]byte, n)...)
	got, err := io.ReadFull(ra.r, ra.pending[start:])
	ra.pending = ra.pending[:start+got]
	return err
}

func (ra *Reassembler) endOfStream(err error) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	n := len(ra.pending)
	framed := bytes.HasPrefix(ra.pending, syncWord)
	ra.pending = ra.pending[:0]
	if n == 0 {
		return io.EOF
	}
	if !framed {
		ra.stats.AddSkipped(n)
		return io.EOF
	}
	return fmt.Errorf("%w: %d bytes of an unfinished header", ErrIncompletePacket, n)
}

// PacketReader decodes the frames produced by a Reassembler.
type PacketReader struct {
	ra      *Reassembler
	decoder *packet.Decoder
}

// NewPacketReader reads packets from r. The decoder carries digital-IO
// history and may be shared between successive connections to one sensor.
func NewPacketReader(r io.Reader, decoder *packet.Decoder, stats StatsRecorder) *PacketReader {
	if decoder == nil {
		decoder = packet.NewDecoder()
	}
	return &PacketReader{ra: NewReassembler(r, stats), decoder: decoder}
}

// Next returns the next decoded accel packet.
func (pr *PacketReader) Next() (*packet.AccelPacket, error) {
	frame, err := pr.ra.Next()
	if err != nil {
		return nil, err
	}
	return pr.decoder.Decode(frame)
}
