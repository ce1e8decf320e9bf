package flex

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
)

// Prompter tells the operator what to do before a calibration window.
type Prompter interface {
	Prompt(ctx context.Context, arm string, phase Phase, d time.Duration) error
}

type NopPrompter struct{}

func (NopPrompter) Prompt(context.Context, string, Phase, time.Duration) error { return nil }

// ConsolePrompter prints a coloured instruction and counts down.
type ConsolePrompter struct {
	W         io.Writer
	Countdown int
	Tick      time.Duration
}

func NewConsolePrompter(w io.Writer) *ConsolePrompter {
	return &ConsolePrompter{W: w, Countdown: 3, Tick: time.Second}
}

var (
	restColor  = color.New(color.FgCyan, color.Bold)
	flexColor  = color.New(color.FgRed, color.Bold)
	countColor = color.New(color.FgYellow)
	goColor    = color.New(color.FgGreen, color.Bold)
)

func (p *ConsolePrompter) Prompt(ctx context.Context, arm string, phase Phase, d time.Duration) error {
	switch phase {
	case PhaseRest:
		restColor.Fprintf(p.W, "Relax your %s arm for %v.\n", arm, d)
	case PhaseFlex:
		flexColor.Fprintf(p.W, "Flex your %s arm for %v.\n", arm, d)
	default:
		fmt.Fprintf(p.W, "%s %s for %v.\n", phase, arm, d)
	}
	for i := p.Countdown; i > 0; i-- {
		countColor.Fprintf(p.W, "%d...\n", i)
		if err := sleep(ctx, p.Tick); err != nil {
			return err
		}
	}
	goColor.Fprintln(p.W, "Go!")
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
