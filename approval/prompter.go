package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/pmezard/go-difflib/difflib"
)

// AutoApprovePrompter approves every request. Intended for tests and
// explicitly configured trusted setups only.
type AutoApprovePrompter struct{}

func (AutoApprovePrompter) Approve(ctx context.Context, req *Request) (bool, error) {
	return true, nil
}

// DenyAllPrompter denies every request.
type DenyAllPrompter struct{}

func (DenyAllPrompter) Approve(ctx context.Context, req *Request) (bool, error) {
	return false, nil
}

// NewPrompter returns a Prompter for the given mode: "terminal", "auto" or
// "deny".
func NewPrompter(mode string) (Prompter, error) {
	switch mode {
	case "terminal":
		return NewTerminalPrompter(os.Stdin, os.Stdout), nil
	case "auto":
		return AutoApprovePrompter{}, nil
	case "deny":
		return DenyAllPrompter{}, nil
	}
	return nil, fmt.Errorf("invalid approval mode: %s", mode)
}

// TerminalPrompter shows the script body, its declared capabilities, and a
// diff against the previously approved body, then reads a yes/no answer.
type TerminalPrompter struct {
	in  io.Reader
	out io.Writer
	// MaxLineWidth truncates long script lines in the prompt display.
	MaxLineWidth int
}

func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out, MaxLineWidth: 100}
}

func (p *TerminalPrompter) Approve(ctx context.Context, req *Request) (bool, error) {
	header := color.New(color.Bold, color.FgYellow)
	header.Fprintf(p.out, "\nScript approval required: %s\n", req.ScriptName)
	fmt.Fprintf(p.out, "Automation: %s (%s)\n", req.AutomationName, req.AutomationID)

	p.printCapabilities(req)

	if req.PreviousBody != "" && req.PreviousBody != req.Body {
		color.New(color.Bold).Fprintln(p.out, "\nChanges since last approval:")
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(req.PreviousBody),
			B:        difflib.SplitLines(req.Body),
			FromFile: "approved",
			ToFile:   "current",
			Context:  3,
		})
		if err == nil {
			p.printDiff(diff)
		}
	} else {
		color.New(color.Bold).Fprintln(p.out, "\nScript body:")
		for _, line := range strings.Split(req.Body, "\n") {
			fmt.Fprintf(p.out, "  %s\n", runewidth.Truncate(line, p.MaxLineWidth, "…"))
		}
	}

	fmt.Fprint(p.out, "\nApprove this script? [y/N]: ")

	answerCh := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(p.in)
		line, _ := reader.ReadString('\n')
		answerCh <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case answer := <-answerCh:
		return answer == "y" || answer == "yes", nil
	}
}

func (p *TerminalPrompter) printCapabilities(req *Request) {
	caps := req.Capabilities
	fmt.Fprintln(p.out, "Declared capabilities:")
	if len(caps.PathsRead) > 0 {
		fmt.Fprintf(p.out, "  read:     %s\n", strings.Join(caps.PathsRead, ", "))
	}
	if len(caps.PathsWrite) > 0 {
		fmt.Fprintf(p.out, "  write:    %s\n", strings.Join(caps.PathsWrite, ", "))
	}
	fmt.Fprintf(p.out, "  network:  %v\n", caps.Network)
	if len(caps.Commands) > 0 {
		fmt.Fprintf(p.out, "  commands: %s\n", strings.Join(caps.Commands, ", "))
	}
}

func (p *TerminalPrompter) printDiff(diff string) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+"):
			added.Fprintf(p.out, "  %s\n", line)
		case strings.HasPrefix(line, "-"):
			removed.Fprintf(p.out, "  %s\n", line)
		default:
			fmt.Fprintf(p.out, "  %s\n", line)
		}
	}
}
