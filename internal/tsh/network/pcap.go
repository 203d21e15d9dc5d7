package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/tsh/packet"
)

// PCAPStream replays the TCP payload sent from one port of a capture file
// as a byte stream, in capture order. Sequence numbers are tracked per
// connection, so a capture holding one connection per sensor capture replays
// every one of them. Retransmitted segments are dropped.
type PCAPStream struct {
	closer io.Closer
	reader *pcapgo.Reader
	port   layers.TCPPort

	pending []byte
	// nextSeq is the next expected sequence number per connection.
	nextSeq map[connKey]uint32

	// Segments counts the TCP segments that contributed payload.
	Segments int
}

// OpenPCAPStream opens a pcap file and streams payload sent from port.
func OpenPCAPStream(path string, port int) (*PCAPStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	s, err := NewPCAPStream(f, port)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read PCAP file %s: %w", path, err)
	}
	s.closer = f
	return s, nil
}

// NewPCAPStream streams payload sent from port out of pcap data read from r.
func NewPCAPStream(r io.Reader, port int) (*PCAPStream, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &PCAPStream{reader: pr, port: layers.TCPPort(port), nextSeq: make(map[connKey]uint32)}, nil
}

// connKey identifies one TCP connection by its network and transport flows.
type connKey struct {
	network, transport gopacket.Flow
}

// Read implements io.Reader.
func (s *PCAPStream) Read(b []byte) (int, error) {
	for len(s.pending) == 0 {
		if err := s.advance(); err != nil {
			return 0, err
		}
	}
	n := copy(b, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// advance loads the payload of the next matching segment, possibly empty.
func (s *PCAPStream) advance() error {
	data, _, err := s.reader.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			monitoring.Warnf("PCAP file ends with a truncated record")
			return io.EOF
		}
		return err
	}

	pkt := gopacket.NewPacket(data, s.reader.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return nil
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok || tcp.SrcPort != s.port {
		return nil
	}

	key := connKey{transport: tcp.TransportFlow()}
	if nl := pkt.NetworkLayer(); nl != nil {
		key.network = nl.NetworkFlow()
	}
	if tcp.SYN {
		// a new connection on a reused address starts from its own ISN
		delete(s.nextSeq, key)
	}
	if len(tcp.Payload) == 0 {
		return nil
	}

	payload := tcp.Payload
	if next, known := s.nextSeq[key]; known {
		// bytes already delivered by an earlier segment
		dup := int32(next - tcp.Seq)
		if dup >= int32(len(payload)) {
			return nil
		}
		if dup > 0 {
			payload = payload[dup:]
		}
		if dup < 0 {
			monitoring.Warnf("PCAP gap on %v %v: %d bytes missing before seq %d", key.network, key.transport, -dup, tcp.Seq)
		}
	}
	s.nextSeq[key] = tcp.Seq + uint32(len(tcp.Payload))
	s.Segments++
	s.pending = append(s.pending[:0], payload...)
	return nil
}

// Close closes the underlying file, if any.
func (s *PCAPStream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// ReplayPCAP decodes every accel packet sent from port in a pcap file and
// passes it to handle. It returns the number of packets handled. A capture
// that ends inside a frame is logged, not treated as an error.
func ReplayPCAP(ctx context.Context, path string, port int, stats StatsRecorder, handle func(*packet.AccelPacket) error) (int, error) {
	stream, err := OpenPCAPStream(path, port)
	if err != nil {
		return 0, err
	}
	defer stream.Close()

	monitoring.Logf("PCAP replay: %s, tcp source port %d", path, port)
	reader := NewPacketReader(stream, nil, stats)
	count := 0
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("PCAP replay stopping due to context cancellation (processed %d packets)", count)
			return count, err
		}
		p, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				monitoring.Logf("PCAP replay complete: %d packets from %d segments", count, stream.Segments)
				return count, nil
			}
			if errors.Is(err, ErrIncompletePacket) {
				monitoring.Warnf("PCAP replay: capture ends mid-frame: %v", err)
				return count, nil
			}
			return count, err
		}
		count++
		if err := handle(p); err != nil {
			return count, err
		}
	}
}
