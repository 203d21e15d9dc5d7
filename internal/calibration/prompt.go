package calibration

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrSearchAborted is returned when the operator declines to continue.
var ErrSearchAborted = errors.New("calibration aborted by operator")

// Prompter asks the operator a yes/no question.
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
}

// LinePrompter prompts on Out and reads "1" (accept) or "0" (exit) lines
// from In, asking again on anything else.
type LinePrompter struct {
	mu      sync.Mutex
	out     io.Writer
	scanner *bufio.Scanner
}

// NewLinePrompter creates a prompter, typically over os.Stdin and os.Stdout.
func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{out: out, scanner: bufio.NewScanner(in)}
}

// Confirm blocks until a valid answer is read. End of input counts as exit.
func (p *LinePrompter) Confirm(ctx context.Context, question string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(p.out, "%s\n  1 = accept, 0 = exit: ", question)
		if !p.scanner.Scan() {
			if err := p.scanner.Err(); err != nil {
				return false, fmt.Errorf("read operator answer: %w", err)
			}
			fmt.Fprintln(p.out)
			return false, nil
		}
		switch answer := strings.TrimSpace(p.scanner.Text()); answer {
		case "1":
			return true, nil
		case "0":
			return false, nil
		default:
			fmt.Fprintf(p.out, "invalid choice %q\n", answer)
		}
	}
}

// AutoPrompter answers every question the same way without asking.
type AutoPrompter struct {
	Accept bool
}

func (a AutoPrompter) Confirm(ctx context.Context, _ string) (bool, error) {
	return a.Accept, ctx.Err()
}

// confirmOrAbort turns a refusal into ErrSearchAborted.
func confirmOrAbort(ctx context.Context, p Prompter, question string) error {
	ok, err := p.Confirm(ctx, question)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: declined %q", ErrSearchAborted, question)
	}
	return nil
}
