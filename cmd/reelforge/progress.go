package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"reelforge/internal/jobs"
	"reelforge/internal/logging"
)

// progressRenderer prints job progress. On a terminal it redraws one line;
// otherwise it prints a line per step or 10% bucket.
type progressRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	inline  bool
	sampler *logging.ProgressSampler
	title   cases.Caser
	width   int
}

func newProgressRenderer(out io.Writer) *progressRenderer {
	return &progressRenderer{
		out:     out,
		inline:  isTerminal(out),
		sampler: logging.NewProgressSampler(10),
		title:   cases.Title(language.English),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// OnProgress implements jobs.ProgressObserver.
func (p *progressRenderer) OnProgress(_ context.Context, ev jobs.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := p.format(ev)
	if p.inline {
		pad := ""
		if n := p.width - len(line); n > 0 {
			pad = strings.Repeat(" ", n)
		}
		p.width = len(line)
		fmt.Fprintf(p.out, "\r%s%s", line, pad)
		return
	}
	if !p.sampler.ShouldLog(ev.Percent, ev.Step) {
		return
	}
	fmt.Fprintln(p.out, line)
}

// Finish terminates an inline progress line.
func (p *progressRenderer) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inline && p.width > 0 {
		fmt.Fprintln(p.out)
		p.width = 0
	}
	p.sampler.Reset()
}

func (p *progressRenderer) format(ev jobs.Progress) string {
	step := ev.Step
	if step == "" {
		step = "job"
	}
	msg := strings.TrimSpace(ev.Message)
	if msg == "" {
		return fmt.Sprintf("%-9s %3.0f%%", p.title.String(step), ev.Percent)
	}
	return fmt.Sprintf("%-9s %3.0f%%  %s", p.title.String(step), ev.Percent, msg)
}
