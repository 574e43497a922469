package plan

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/GriffinCanCode/BrowserMover/internal/executor"
)

// Outcome summarizes one executed phase script.
type Outcome struct {
	ExitCode int
	Warnings []string
	Errors   []string
	Lines    int
}

// Failed reports whether the script exited non-zero.
func (o *Outcome) Failed() bool {
	return o.ExitCode != 0
}

// Execute renders ph into dir and runs it through ex. Every output line is
// passed to onLine as it arrives.
func Execute(ctx context.Context, ex executor.Executor, dir string, ph *Phase, onLine func(string)) (*Outcome, error) {
	script := filepath.Join(dir, ScriptName(ph))
	if err := os.WriteFile(script, []byte(Render(ph)), 0o755); err != nil {
		return nil, fmt.Errorf("failed to write phase script: %w", err)
	}

	out := &Outcome{}
	code, err := ex.ExecuteStreaming(ctx, script, nil, func(line string) {
		out.Lines++
		switch lvl, msg := ParseLevel(line); lvl {
		case LevelWarn:
			out.Warnings = append(out.Warnings, msg)
		case LevelErr:
			out.Errors = append(out.Errors, msg)
		}
		if onLine != nil {
			onLine(line)
		}
	})
	out.ExitCode = code
	return out, err
}
