package executor

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// Mode selects how commands acquire privilege.
type Mode string

const (
	// ModeSU hands every command to a su binary.
	ModeSU Mode = "su"
	// ModeLocal runs commands with the current process credentials.
	ModeLocal Mode = "local"
)

// ParseMode validates a configured mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeSU:
		return ModeSU, nil
	case ModeLocal:
		return ModeLocal, nil
	}
	return "", fmt.Errorf("unknown executor mode %q (want su or local)", s)
}

// Observer receives per-command measurements.
type Observer interface {
	ObserveCommand(mode, outcome string, duration time.Duration)
}

// Options configures a Shell executor.
type Options struct {
	Mode     Mode
	SuBinary string
	// Shell is the interpreter used for commands and scripts.
	Shell string
	// GlobalNamespace enters init's mount namespace so that writes by the
	// privileged shell are visible to the target application.
	GlobalNamespace bool
	// UsePTY streams scripts through a pseudo-terminal instead of a pipe.
	UsePTY bool
	// CommandTimeout bounds Execute when the context carries no deadline.
	CommandTimeout time.Duration
	GuardThreshold int
	GuardCooldown  time.Duration

	Logger   *zap.Logger
	Observer Observer
}

// DefaultOptions returns options for a rooted Android device.
func DefaultOptions() Options {
	return Options{
		Mode:            ModeSU,
		SuBinary:        "su",
		Shell:           "/system/bin/sh",
		GlobalNamespace: true,
		CommandTimeout:  2 * time.Minute,
		GuardThreshold:  3,
		GuardCooldown:   30 * time.Second,
	}
}

// LocalOptions returns options for running against the local user.
func LocalOptions() Options {
	return Options{
		Mode:           ModeLocal,
		Shell:          "sh",
		CommandTimeout: time.Minute,
		GuardThreshold: 3,
		GuardCooldown:  30 * time.Second,
	}
}

// Shell executes commands through a local interpreter, optionally behind su.
type Shell struct {
	opts   Options
	guard  *launchGuard
	logger *zap.Logger
}

// New creates a Shell executor
func New(opts Options) *Shell {
	if opts.Mode == "" {
		opts.Mode = ModeSU
	}
	if opts.Shell == "" {
		opts.Shell = "sh"
	}
	if opts.SuBinary == "" {
		opts.SuBinary = "su"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Shell{
		opts:   opts,
		guard:  newLaunchGuard(opts.GuardThreshold, opts.GuardCooldown),
		logger: logger.Named("executor"),
	}
	s.guard.onChange = func(from, to GuardState) {
		s.logger.Warn("Launch guard state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return s
}

// Mode returns the configured privilege mode
func (s *Shell) Mode() Mode {
	return s.opts.Mode
}

// GuardState exposes the launch guard state for health reporting
func (s *Shell) GuardState() GuardState {
	return s.guard.State()
}

// Execute implements Executor.
func (s *Shell) Execute(ctx context.Context, command string) (*Result, error) {
	if err := s.guard.admit(); err != nil {
		s.observe("rejected", 0)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok && s.opts.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.CommandTimeout)
		defer cancel()
	}

	start := time.Now()
	argv := s.argv(command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	res.ExitCode, err = s.classify(ctx, err)
	s.observe(outcome(res.ExitCode, err), time.Since(start))

	s.logger.Debug("Executed command",
		zap.String("command", command),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", time.Since(start)),
	)
	return res, err
}

// ExecuteStreaming implements Executor.
func (s *Shell) ExecuteStreaming(ctx context.Context, scriptPath string, args []string, onLine func(string)) (int, error) {
	if err := s.guard.admit(); err != nil {
		s.observe("rejected", 0)
		return -1, err
	}
	if onLine == nil {
		onLine = func(string) {}
	}

	command := s.opts.Shell + " " + Quote(scriptPath)
	if len(args) > 0 {
		command += " " + QuoteAll(args)
	}
	command += " 2>&1"

	start := time.Now()
	argv := s.argv(command)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	var err error
	if s.opts.UsePTY {
		err = s.streamPTY(cmd, onLine)
	} else {
		err = s.streamPipe(cmd, onLine)
	}
	code, err := s.classify(ctx, err)
	s.observe(outcome(code, err), time.Since(start))

	s.logger.Debug("Streamed script",
		zap.String("script", scriptPath),
		zap.Int("exit_code", code),
		zap.Duration("duration", time.Since(start)),
	)
	return code, err
}

func (s *Shell) streamPipe(cmd *exec.Cmd, onLine func(string)) error {
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		pw.Close()
		return err
	}

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		done <- err
	}()

	scanLines(pr, onLine)
	// Drain anything left so Wait's copy goroutines can finish.
	_, _ = io.Copy(io.Discard, pr)
	return <-done
}

func (s *Shell) streamPTY(cmd *exec.Cmd, onLine func(string)) error {
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer ptmx.Close()

	// Reading the master returns EIO once the child side closes.
	scanLines(ptmx, onLine)
	return cmd.Wait()
}

func scanLines(r io.Reader, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		onLine(strings.TrimRight(scanner.Text(), "\r"))
	}
}

// argv builds the process argument vector for command.
func (s *Shell) argv(command string) []string {
	if s.opts.Mode == ModeLocal {
		return []string{s.opts.Shell, "-c", command}
	}
	inner := command
	if s.opts.GlobalNamespace {
		inner = fmt.Sprintf(
			"if command -v nsenter >/dev/null 2>&1; then exec nsenter -t 1 -m -- %s -c %s; fi; %s",
			s.opts.Shell, Quote(command), command,
		)
	}
	return []string{s.opts.SuBinary, "-c", inner}
}

// classify maps a wait error to an exit code, recording launch outcomes
// with the guard.
func (s *Shell) classify(ctx context.Context, err error) (int, error) {
	if err == nil {
		s.guard.record(true)
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.guard.record(true)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return -1, fmt.Errorf("command abandoned: %w", ctxErr)
		}
		return exitErr.ExitCode(), nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		s.guard.record(false)
		return -1, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	s.guard.record(true)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("command abandoned: %w", ctxErr)
	}
	return -1, err
}

func (s *Shell) observe(outcome string, d time.Duration) {
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveCommand(string(s.opts.Mode), outcome, d)
	}
}

func outcome(code int, err error) string {
	switch {
	case err != nil:
		return "error"
	case code == 0:
		return "ok"
	default:
		return "nonzero"
	}
}
