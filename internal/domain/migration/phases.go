package migration

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/plan"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
)

// Phase outcomes reported to the observer.
const (
	outcomeOK      = "ok"
	outcomeWarn    = "warn"
	outcomeFailed  = "failed"
	outcomeSkipped = "skipped"
)

// runPhase executes one planned phase. A non-nil error aborts the run.
func (e *Engine) runPhase(ctx context.Context, r *run, ph *plan.Phase) error {
	start := time.Now()
	r.log.Info("phase started", zap.Int("phase", ph.Index), zap.String("kind", string(ph.Kind)))
	e.progress(r, ph, "started")

	var (
		outcome string
		err     error
	)
	switch {
	case ph.Skip != "":
		outcome = outcomeSkipped
		r.log.Info("phase skipped", zap.Int("phase", ph.Index), zap.String("reason", ph.Skip))
		e.progress(r, ph, "skipped: "+ph.Skip)
	case len(ph.Patches) > 0:
		outcome = e.runPatches(ctx, r, ph)
	case ph.Scripted():
		outcome, err = e.runScript(ctx, r, ph)
	default:
		outcome = outcomeOK
	}

	if err == nil && outcome != outcomeSkipped {
		switch ph.Kind {
		case plan.KindStop:
			e.waitStopped(ctx, r)
		case plan.KindBackup:
			e.verifyBackup(ctx, r, outcome)
		}
	}

	if e.opts.Observer != nil {
		e.opts.Observer.ObservePhase(string(ph.Kind), outcome, time.Since(start))
	}
	r.log.Info("phase finished",
		zap.Int("phase", ph.Index),
		zap.String("kind", string(ph.Kind)),
		zap.String("outcome", outcome))
	if err != nil {
		return err
	}
	e.progress(r, ph, "done")
	return nil
}

// runScript renders and executes a scripted phase.
func (e *Engine) runScript(ctx context.Context, r *run, ph *plan.Phase) (string, error) {
	out, err := plan.Execute(ctx, e.opts.Executor, r.dir, ph, func(line string) {
		r.tail.add(line)
		r.log.Info("line", zap.Int("phase", ph.Index), zap.String("text", line))
		if _, _, ok := plan.ParsePhaseLine(line); !ok {
			e.progress(r, ph, line)
		}
	})
	if err == nil && out.Failed() {
		err = &executor.ExecutionError{Command: plan.ScriptName(ph), ExitCode: out.ExitCode}
	}

	var msgs []string
	if out != nil {
		msgs = append(append(msgs, out.Warnings...), out.Errors...)
	}
	if err != nil {
		if ph.Fatal {
			if ph.Kind == plan.KindRestoreSecurity {
				return outcomeFailed, &SecurityRestoreError{TargetID: r.req.TargetID, Err: err}
			}
			return outcomeFailed, fmt.Errorf("%s: %w", ph.Name, err)
		}
		for _, m := range msgs {
			r.warn("%s: %s", ph.Name, m)
		}
		r.warn("%s did not complete: %v", ph.Name, err)
		return outcomeFailed, nil
	}
	for _, m := range msgs {
		r.warn("%s: %s", ph.Name, m)
	}
	if len(msgs) > 0 {
		return outcomeWarn, nil
	}
	return outcomeOK, nil
}

// runPatches applies every patch task of a phase. Patch failures are never
// fatal.
func (e *Engine) runPatches(ctx context.Context, r *run, ph *plan.Phase) string {
	outcome := outcomeOK
	for _, task := range ph.Patches {
		res := e.opts.Patcher.Run(ctx, task, r.sub)
		r.log.Info("patch",
			zap.Int("phase", ph.Index),
			zap.String("kind", string(task.Kind)),
			zap.String("artifact", task.Path),
			zap.Bool("success", res.Success),
			zap.Int("replaced", res.Replaced),
			zap.String("message", res.Message))
		detail := path.Base(task.Path) + ": " + res.Message
		r.tail.add(detail)
		e.progress(r, ph, detail)
		if !res.Success {
			outcome = outcomeWarn
			r.warn("%s: %s", ph.Name, res.Message)
		}
	}
	return outcome
}

// waitStopped polls until neither application has a live process or the
// stop wait runs out.
func (e *Engine) waitStopped(ctx context.Context, r *run) {
	if e.opts.StopWait <= 0 {
		return
	}
	cmd := fmt.Sprintf("for p in %s; do pidof \"$p\" >/dev/null 2>&1 && exit 1; done; exit 0",
		executor.QuoteAll([]string{r.req.SourceID, r.req.TargetID}))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = e.opts.StopWait

	err := backoff.Retry(func() error {
		res, err := e.opts.Executor.Execute(ctx, cmd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if !res.Success() {
			return fmt.Errorf("still running")
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		r.warn("applications may still be running after %s", e.opts.StopWait)
	}
}

// verifyBackup checks the archive the backup phase wrote.
func (e *Engine) verifyBackup(ctx context.Context, r *run, outcome string) {
	if r.result.BackupPath == "" {
		return
	}
	if outcome == outcomeFailed {
		r.result.BackupPath = ""
		return
	}
	sum, err := e.opts.Backups.Inspect(ctx, r.result.BackupPath)
	if err != nil {
		r.warn("backup %s could not be verified (%v); continuing without a verified backup", path.Base(r.result.BackupPath), err)
		return
	}
	r.log.Info("backup verified",
		zap.String("archive", r.result.BackupPath),
		zap.Int("files", sum.Files),
		zap.Int64("bytes", sum.Bytes))
}
