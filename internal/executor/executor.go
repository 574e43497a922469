// Package executor runs privileged shell text on behalf of the migration
// engine.
//
// The engine never touches another application's private storage directly:
// every read, copy, delete and ownership change goes through an Executor,
// either as a single command or as a rendered script whose output is
// streamed line by line.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Executor is the privileged execution channel.
type Executor interface {
	// Execute runs one command and collects its output.
	Execute(ctx context.Context, command string) (*Result, error)
	// ExecuteStreaming runs a script file, calling onLine for every output
	// line (stdout and stderr combined) as it is produced, and returns the
	// script's exit code once its output closes.
	ExecuteStreaming(ctx context.Context, scriptPath string, args []string, onLine func(string)) (int, error)
}

// Result is the outcome of a completed command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Lines splits trimmed stdout into non-empty lines.
func (r *Result) Lines() []string {
	if r == nil {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(r.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// FirstLine returns the first non-empty stdout line.
func (r *Result) FirstLine() string {
	if lines := r.Lines(); len(lines) > 0 {
		return lines[0]
	}
	return ""
}

// ExecutionError reports a privileged command that failed to launch or
// exited non-zero.
type ExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	cmd := e.Command
	if len(cmd) > 80 {
		cmd = cmd[:77] + "..."
	}
	if e.Err != nil {
		return fmt.Sprintf("privileged command %q failed: %v", cmd, e.Err)
	}
	msg := fmt.Sprintf("privileged command %q exited %d", cmd, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Run executes command and converts launch failures and non-zero exits
// into an *ExecutionError.
func Run(ctx context.Context, ex Executor, command string) (*Result, error) {
	res, err := ex.Execute(ctx, command)
	if err != nil {
		return res, &ExecutionError{Command: command, ExitCode: -1, Err: err}
	}
	if !res.Success() {
		return res, &ExecutionError{Command: command, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

// Test runs a `test` expression and reports whether it held. Launch
// failures are returned; a false expression is not an error.
func Test(ctx context.Context, ex Executor, flag, path string) (bool, error) {
	res, err := ex.Execute(ctx, fmt.Sprintf("test %s %s", flag, Quote(path)))
	if err != nil {
		return false, err
	}
	return res.Success(), nil
}

// Quote renders s as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if isBareWord(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// QuoteAll quotes every element and joins them with spaces.
func QuoteAll(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = Quote(w)
	}
	return strings.Join(quoted, " ")
}

func isBareWord(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("_-./:,+=@%", r):
		default:
			return false
		}
	}
	return true
}

// IsLaunchFailure reports whether err means the privileged channel itself
// is unavailable, as opposed to a command that ran and failed.
func IsLaunchFailure(err error) bool {
	return errors.Is(err, ErrGuardOpen) || errors.Is(err, ErrLaunch)
}
