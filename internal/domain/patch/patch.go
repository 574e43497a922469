// Package patch rewrites self-references inside copied browser artifacts.
//
// Artifacts live in another application's private directory, so every read
// and write goes through the privileged executor. Content is staged into the
// local work area, patched there, validated, and only then moved back over
// the original. A patch that produces invalid content leaves the original
// untouched.
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/BrowserMover/internal/executor"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/staging"
)

// exitMissing is the exit code the fetch command uses for an absent file.
const exitMissing = 3

// Result is the outcome of one patch operation.
type Result struct {
	Artifact string `json:"artifact"`
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	// Replaced counts rewritten references and dropped keys.
	Replaced int   `json:"replaced"`
	Err      error `json:"-"`
}

// Error describes why an artifact could not be patched.
type Error struct {
	Artifact string
	Op       string
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("patch %s: %s: %s", filepath.Base(e.Artifact), e.Op, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Observer receives one notification per finished patch operation.
type Observer interface {
	ObservePatch(kind, outcome string)
}

// Patcher applies substitutions to artifacts in place.
type Patcher struct {
	exec     executor.Executor
	area     *staging.Area
	logger   *zap.Logger
	observer Observer
}

// New creates a patcher staging through area.
func New(exec executor.Executor, area *staging.Area, logger *zap.Logger) *Patcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Patcher{exec: exec, area: area, logger: logger}
}

// SetObserver installs a metrics observer.
func (p *Patcher) SetObserver(o Observer) {
	p.observer = o
}

func (p *Patcher) done(kind string, r Result) Result {
	outcome := "unchanged"
	switch {
	case !r.Success:
		outcome = "failed"
		p.logger.Warn("Patch failed",
			zap.String("kind", kind),
			zap.String("artifact", r.Artifact),
			zap.Error(r.Err))
	case r.Replaced > 0:
		outcome = "patched"
		p.logger.Info("Patched artifact",
			zap.String("kind", kind),
			zap.String("artifact", r.Artifact),
			zap.Int("replaced", r.Replaced))
	default:
		p.logger.Debug("Artifact needed no changes",
			zap.String("kind", kind),
			zap.String("artifact", r.Artifact),
			zap.String("message", r.Message))
	}
	if p.observer != nil {
		p.observer.ObservePatch(kind, outcome)
	}
	return r
}

func failed(artifact, op, reason string, err error) Result {
	pe := &Error{Artifact: artifact, Op: op, Reason: reason, Err: err}
	return Result{Artifact: artifact, Message: pe.Error(), Err: pe}
}

func unchanged(artifact, message string) Result {
	return Result{Artifact: artifact, Success: true, Message: message}
}

// fetch copies the artifact into the staging area and makes the copy
// readable. found is false when the artifact does not exist. Companion
// files named by suffix are copied alongside when present.
func (p *Patcher) fetch(ctx context.Context, artifact, prefix string, companions ...string) (local string, found bool, err error) {
	local = p.area.Temp(prefix)
	cmd := fmt.Sprintf("[ -f %[1]s ] || exit %[3]d; cp -f -- %[1]s %[2]s && chmod 0644 %[2]s",
		executor.Quote(artifact), executor.Quote(local), exitMissing)
	for _, c := range companions {
		src, dst := executor.Quote(artifact+c), executor.Quote(local+c)
		cmd += fmt.Sprintf(" && { [ ! -f %[1]s ] || { cp -f -- %[1]s %[2]s && chmod 0644 %[2]s; }; }", src, dst)
	}
	res, err := p.exec.Execute(ctx, cmd)
	if err != nil {
		return "", false, err
	}
	if res.ExitCode == exitMissing {
		return "", false, nil
	}
	if !res.Success() {
		os.Remove(local)
		return "", false, &executor.ExecutionError{Command: cmd, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return local, true, nil
}

// commit moves a validated local file over the artifact. The file is copied
// next to the artifact first and renamed into place, so readers never see
// a partial write. sidecars lists suffixes of companion files to remove.
func (p *Patcher) commit(ctx context.Context, local, artifact string, sidecars ...string) error {
	tmp := path.Join(path.Dir(artifact), "."+path.Base(artifact)+"."+filepath.Base(local)+".tmp")
	cmd := fmt.Sprintf("cp -f -- %[1]s %[2]s && mv -f -- %[2]s %[3]s || { rm -f -- %[2]s; exit 1; }",
		executor.Quote(local), executor.Quote(tmp), executor.Quote(artifact))
	for _, s := range sidecars {
		cmd += "; rm -f -- " + executor.Quote(artifact+s)
	}
	_, err := executor.Run(ctx, p.exec, cmd)
	return err
}

// commitBytes stages data locally and commits it over the artifact.
func (p *Patcher) commitBytes(ctx context.Context, data []byte, artifact string) error {
	local := p.area.Temp("commit")
	if err := os.WriteFile(local, data, 0o644); err != nil {
		return fmt.Errorf("failed to stage patched content: %w", err)
	}
	defer os.Remove(local)
	return p.commit(ctx, local, artifact)
}

// readStaged fetches an artifact and returns its content. found is false
// when the artifact does not exist.
func (p *Patcher) readStaged(ctx context.Context, artifact string) ([]byte, bool, error) {
	local, found, err := p.fetch(ctx, artifact, "read")
	if err != nil || !found {
		return nil, found, err
	}
	defer os.Remove(local)
	data, err := os.ReadFile(local)
	if err != nil {
		return nil, true, err
	}
	return data, true, nil
}

// ErrUnknownKind is returned by Run for a task kind it cannot dispatch.
var ErrUnknownKind = errors.New("unknown patch kind")
