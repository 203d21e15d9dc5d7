// Package esp drives a Newport ESP301 motion controller over RS-232.
//
// Commands are ASCII lines terminated by CR, prefixed with the stage number:
//
//	1MO     motor on
//	2PA80   move stage 2 to absolute position 80
//	2MD?    motion done (1 when stopped)
//	2TP?    tell position
//	3MO?    motor status
//	TE?     tell (and clear) the last error code
//
// Queries are answered with one CRLF-terminated line.
package esp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/tshcal/internal/monitoring"
	"github.com/banshee-data/tshcal/internal/rig"
	"github.com/banshee-data/tshcal/internal/timeutil"
)

// Port is the minimal interface needed for the controller link.
type Port interface {
	io.ReadWriter
	io.Closer
}

// TimeoutPort is implemented by ports that support read timeouts.
type TimeoutPort interface {
	Port
	SetReadTimeout(timeout time.Duration) error
}

// ErrNoReply is returned when a query is not answered in time.
var ErrNoReply = errors.New("no reply from ESP301")

// Config tunes polling of a Controller.
type Config struct {
	// PollInterval is the wait between motion-done queries. Default 100ms.
	PollInterval time.Duration
	// MoveTimeout bounds a blocking move. Default 2 minutes.
	MoveTimeout time.Duration
	// ReadTimeout is applied to ports that support it. Default 2s.
	ReadTimeout time.Duration
	Clock       timeutil.Clock
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = 2 * time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Controller implements rig.Controller for an ESP301.
type Controller struct {
	mu     sync.Mutex
	port   Port
	reader *bufio.Reader
	cfg    Config
}

// Open opens the serial device at path and returns a Controller.
func Open(path string, opts PortOptions, cfg Config) (*Controller, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open ESP301 port %s: %w", path, err)
	}
	monitoring.Logf("Opened ESP301 controller on %s", path)
	return New(port, cfg), nil
}

// New wraps an open port.
func New(port Port, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	if tp, ok := port.(TimeoutPort); ok {
		if err := tp.SetReadTimeout(cfg.ReadTimeout); err != nil {
			monitoring.Warnf("failed to set ESP301 read timeout: %v", err)
		}
	}
	return &Controller{port: port, reader: bufio.NewReader(port), cfg: cfg}
}

// Command sends one command line. Queries (ending in '?') return the reply.
func (c *Controller) Command(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return "", errors.New("empty ESP301 command")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	monitoring.Debugf("ESP301 <- %s", cmd)
	if _, err := io.WriteString(c.port, cmd+"\r"); err != nil {
		return "", fmt.Errorf("write %q: %w", cmd, err)
	}
	if !strings.HasSuffix(cmd, "?") {
		return "", nil
	}

	reply, err := c.readLine()
	if err != nil {
		return "", fmt.Errorf("query %q: %w", cmd, err)
	}
	monitoring.Debugf("ESP301 -> %s", reply)
	return reply, nil
}

// readLine reads up to LF. A read returning nothing means the port timed out.
func (c *Controller) readLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && sb.Len() == 0 {
				return "", ErrNoReply
			}
			return "", err
		}
		if b == '\n' {
			return strings.TrimRight(sb.String(), "\r"), nil
		}
		sb.WriteByte(b)
	}
}

func (c *Controller) queryFloat(ctx context.Context, cmd string) (float64, error) {
	reply, err := c.Command(ctx, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply), 64)
	if err != nil {
		return 0, fmt.Errorf("parse reply %q to %s: %w", reply, cmd, err)
	}
	return v, nil
}

// LastError queries and clears the controller error code. Zero means none.
func (c *Controller) LastError(ctx context.Context) (int, error) {
	v, err := c.queryFloat(ctx, "TE?")
	return int(v), err
}

// Axis returns a handle on one stage.
func (c *Controller) Axis(index rig.AxisIndex) (rig.Axis, error) {
	if !index.Valid() {
		return nil, fmt.Errorf("%w: %d", rig.ErrUnknownAxis, int(index))
	}
	return &stage{c: c, index: index}, nil
}

// MotorStatus queries nMO?.
func (c *Controller) MotorStatus(ctx context.Context, index rig.AxisIndex) (bool, error) {
	if !index.Valid() {
		return false, fmt.Errorf("%w: %d", rig.ErrUnknownAxis, int(index))
	}
	v, err := c.queryFloat(ctx, fmt.Sprintf("%dMO?", index))
	return v == 1, err
}

// Close closes the serial port.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}

type stage struct {
	c     *Controller
	index rig.AxisIndex
}

func (s *stage) Index() rig.AxisIndex { return s.index }

func (s *stage) On(ctx context.Context) error {
	_, err := s.c.Command(ctx, fmt.Sprintf("%dMO", s.index))
	return err
}

func (s *stage) Position(ctx context.Context) (float64, error) {
	return s.c.queryFloat(ctx, fmt.Sprintf("%dTP?", s.index))
}

// MoveTo issues nPA and, when wait is set, polls nMD? until motion stops.
func (s *stage) MoveTo(ctx context.Context, angle float64, wait bool) (float64, error) {
	if _, err := s.c.Command(ctx, fmt.Sprintf("%dPA%.4f", s.index, angle)); err != nil {
		return 0, err
	}
	if code, err := s.c.LastError(ctx); err != nil {
		return 0, err
	} else if code != 0 {
		return 0, fmt.Errorf("ESP301 rejected move of %s to %.4f: error %d", s.index, angle, code)
	}
	if !wait {
		return s.Position(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, s.c.cfg.MoveTimeout)
	defer cancel()
	for {
		done, err := s.c.queryFloat(ctx, fmt.Sprintf("%dMD?", s.index))
		if err != nil {
			return 0, err
		}
		if done == 1 {
			break
		}
		if err := s.c.cfg.Clock.Sleep(ctx, s.c.cfg.PollInterval); err != nil {
			return 0, fmt.Errorf("waiting for %s to stop: %w", s.index, err)
		}
	}
	return s.Position(ctx)
}
