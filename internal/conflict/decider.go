package conflict

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
)

// PolicyDecider answers every conflict with a fixed resolution.
type PolicyDecider struct {
	Resolution Resolution
}

// Decide implements Decider.
func (p PolicyDecider) Decide(_ context.Context, _ Request) (Decision, error) {
	if !p.Resolution.Valid() {
		return Decision{}, fmt.Errorf("invalid resolution %q", p.Resolution)
	}

	return Decision{Resolution: p.Resolution, ApplyToAll: true}, nil
}

// PromptDecider asks on a terminal. Answers are s, o or r; a trailing '!'
// applies the answer to the rest of the run. End of input skips.
type PromptDecider struct {
	Out io.Writer

	mu sync.Mutex
	in *bufio.Reader
}

// NewPromptDecider creates a PromptDecider reading answers from in.
func NewPromptDecider(in io.Reader, out io.Writer) *PromptDecider {
	return &PromptDecider{Out: out, in: bufio.NewReader(in)}
}

// Decide implements Decider. Reading blocks until a line arrives; ctx is
// only checked between prompts.
func (p *PromptDecider) Decide(ctx context.Context, req Request) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := req.Classification

	fmt.Fprintf(p.Out, "\nConflict: %s\n", req.RemotePath)
	fmt.Fprintf(p.Out, "  local:  %s\n", req.LocalPath)
	fmt.Fprintf(p.Out, "  remote: %d bytes, modified %s\n", c.Remote.Size, formatTime(c))

	if c.Details != "" {
		fmt.Fprintf(p.Out, "  reason: %s\n", c.Details)
	}

	switch c.Hint {
	case HintNewerLocal:
		fmt.Fprintln(p.Out, "  the local file is newer")
	case HintNewerRemote:
		fmt.Fprintln(p.Out, "  the remote file is newer")
	}

	for {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}

		fmt.Fprint(p.Out, "[s]kip, [o]verwrite, [r]ename (add ! to apply to all): ")

		line, err := p.readLine()
		if errors.Is(err, io.EOF) && line == "" {
			return Decision{Resolution: ResolutionSkip}, nil
		}

		if err != nil && !errors.Is(err, io.EOF) {
			return Decision{}, fmt.Errorf("reading answer: %w", err)
		}

		d, ok := parseAnswer(line)
		if !ok {
			fmt.Fprintf(p.Out, "unrecognized answer %q\n", line)
			continue
		}

		if d.Resolution == ResolutionRename {
			fmt.Fprintf(p.Out, "new name for %s (empty for automatic): ", path.Base(req.RemotePath))

			name, err := p.readLine()
			if err != nil && !errors.Is(err, io.EOF) {
				return Decision{}, fmt.Errorf("reading name: %w", err)
			}

			d.NewName = baseName(name)
		}

		return d, nil
	}
}

func (p *PromptDecider) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	return strings.TrimSpace(line), err
}

func parseAnswer(s string) (Decision, bool) {
	s = strings.ToLower(strings.TrimSpace(s))

	var d Decision
	if strings.HasSuffix(s, "!") {
		d.ApplyToAll = true
		s = strings.TrimSuffix(s, "!")
	}

	switch s {
	case "s", "skip":
		d.Resolution = ResolutionSkip
	case "o", "overwrite":
		d.Resolution = ResolutionOverwrite
	case "r", "rename":
		d.Resolution = ResolutionRename
	default:
		return Decision{}, false
	}

	return d, true
}

// baseName keeps only the final element of a typed name so a rename
// cannot leave the target directory.
func baseName(name string) string {
	base := path.Base(path.Clean("/" + name))
	if base == "/" {
		return ""
	}

	return base
}

func formatTime(c Classification) string {
	if c.Remote.LastModified.IsZero() {
		return "unknown"
	}

	return c.Remote.LastModified.Local().Format("2006-01-02 15:04:05")
}
