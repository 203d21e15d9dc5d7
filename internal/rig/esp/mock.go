package esp

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// ScriptedPort is a Port that answers each CR-terminated command through
// Respond. It records every command written.
type ScriptedPort struct {
	mu sync.Mutex

	// Respond returns the reply line for a query, without terminator.
	Respond func(cmd string) string

	// WriteError is returned by the next Write call if set.
	WriteError error

	pending  bytes.Buffer
	replies  bytes.Buffer
	commands []string
	closed   bool
}

// NewScriptedPort creates a port answering queries with respond.
func NewScriptedPort(respond func(cmd string) string) *ScriptedPort {
	return &ScriptedPort{Respond: respond}
}

func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	p.pending.Write(b)
	for {
		line, err := p.pending.ReadString('\r')
		if err != nil {
			// keep the partial command for the next write
			rest := line
			p.pending.Reset()
			p.pending.WriteString(rest)
			break
		}
		cmd := strings.TrimSuffix(line, "\r")
		p.commands = append(p.commands, cmd)
		if strings.HasSuffix(cmd, "?") && p.Respond != nil {
			p.replies.WriteString(p.Respond(cmd) + "\r\n")
		}
	}
	return len(b), nil
}

// Read returns queued replies. With nothing queued it reports io.EOF,
// the way a serial read timeout surfaces as a zero-length read.
func (p *ScriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replies.Read(b)
}

func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Commands returns every command received, without terminators.
func (p *ScriptedPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.commands))
	copy(out, p.commands)
	return out
}

// IsClosed reports whether Close was called.
func (p *ScriptedPort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
