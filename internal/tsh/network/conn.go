package network

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is the subset of a TCP connection used by Capture.
// This abstraction enables unit testing without real network connections.
type Conn interface {
	io.Reader
	// SetReadDeadline sets the deadline for future Read calls.
	SetReadDeadline(t time.Time) error
	// Close closes the connection; a blocked Read returns an error.
	Close() error
	// RemoteAddr returns the sensor address.
	RemoteAddr() net.Addr
}

// Dialer opens connections to a sensor data port.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (Conn, error)
}

// TCPDialer implements Dialer using net.Dialer.
type TCPDialer struct {
	// Timeout bounds connection setup. Zero means 5 seconds.
	Timeout time.Duration
}

// NewTCPDialer creates a TCPDialer with the given connect timeout.
func NewTCPDialer(timeout time.Duration) *TCPDialer {
	return &TCPDialer{Timeout: timeout}
}

// DialContext dials address and returns the connection.
func (d *TCPDialer) DialContext(ctx context.Context, network, address string) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nd := net.Dialer{Timeout: timeout}
	c, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// MockConn implements Conn for testing. Reads return Chunks one at a time
// and then io.EOF, as if the peer closed the connection.
type MockConn struct {
	mu sync.Mutex

	// Chunks holds the data returned by successive Read calls.
	Chunks [][]byte
	// ReadIndex tracks the current position in Chunks.
	ReadIndex int
	// Block makes Read wait for Close once Chunks are exhausted instead of returning io.EOF.
	Block bool
	// Closed indicates whether Close was called.
	Closed bool
	// ReadDeadline holds the value set by SetReadDeadline.
	ReadDeadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
	partial   []byte
}

// NewMockConn creates a MockConn returning chunks.
func NewMockConn(chunks ...[]byte) *MockConn {
	return &MockConn{Chunks: chunks}
}

// Read returns the next chunk, splitting it when b is too small.
func (m *MockConn) Read(b []byte) (int, error) {
	m.mu.Lock()
	if m.Closed {
		m.mu.Unlock()
		return 0, net.ErrClosed
	}
	if len(m.partial) == 0 && m.ReadIndex < len(m.Chunks) {
		m.partial = m.Chunks[m.ReadIndex]
		m.ReadIndex++
	}
	if len(m.partial) > 0 {
		n := copy(b, m.partial)
		m.partial = m.partial[n:]
		m.mu.Unlock()
		return n, nil
	}
	block := m.Block
	closed := m.closedChan()
	m.mu.Unlock()

	if block {
		<-closed
		return 0, net.ErrClosed
	}
	return 0, io.EOF
}

// SetReadDeadline records the deadline.
func (m *MockConn) SetReadDeadline(t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ReadDeadline = t
	return nil
}

// Close marks the connection closed and releases a blocked Read.
func (m *MockConn) Close() error {
	m.mu.Lock()
	m.Closed = true
	closed := m.closedChan()
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(closed) })
	return nil
}

// closedChan must be called with mu held.
func (m *MockConn) closedChan() chan struct{} {
	if m.closed == nil {
		m.closed = make(chan struct{})
	}
	return m.closed
}

// IsClosed reports whether Close was called.
func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Closed
}

// RemoteAddr returns a fixed sensor address.
func (m *MockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("192.168.1.13"), Port: DefaultPort}
}

// MockDialer implements Dialer for testing. Each dial returns the next Conn.
type MockDialer struct {
	mu sync.Mutex

	// Conns are returned by successive DialContext calls.
	Conns []*MockConn
	// Error is returned by DialContext if set.
	Error error
	// Dials records the addresses dialled.
	Dials []string
}

// NewMockDialer creates a MockDialer handing out conns in order.
func NewMockDialer(conns ...*MockConn) *MockDialer {
	return &MockDialer{Conns: conns}
}

// DialContext returns the next mock connection.
func (d *MockDialer) DialContext(ctx context.Context, network, address string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dials = append(d.Dials, address)
	if d.Error != nil {
		return nil, d.Error
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(d.Conns) == 0 {
		return nil, &net.OpError{Op: "dial", Net: network, Err: io.EOF}
	}
	c := d.Conns[0]
	d.Conns = d.Conns[1:]
	return c, nil
}
